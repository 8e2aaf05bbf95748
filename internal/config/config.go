package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`

	// Job store: memory | redis | postgres | mongo
	StoreDriver string        `mapstructure:"STORE_DRIVER"`
	RedisAddr   string        `mapstructure:"REDIS_ADDR"`
	PostgresDSN string        `mapstructure:"POSTGRES_DSN"`
	MongoURI    string        `mapstructure:"MONGO_URI"`
	JobTTL      time.Duration `mapstructure:"JOB_TTL"`

	// Engine timing
	JobTimeout time.Duration `mapstructure:"JOB_TIMEOUT"`
	RetryDelay time.Duration `mapstructure:"RETRY_DELAY"`

	// Stage executors
	WorkDir         string `mapstructure:"WORK_DIR"`
	MaxDownloadSize int64  `mapstructure:"MAX_DOWNLOAD_SIZE"`
	FFmpegBin       string `mapstructure:"FFMPEG_BIN"`
	FFmpegArgs      string `mapstructure:"FFMPEG_ARGS"`
	TranscribeURL   string `mapstructure:"TRANSCRIBE_URL"`
	EnhanceURL      string `mapstructure:"ENHANCE_URL"`
	EnhanceModel    string `mapstructure:"ENHANCE_MODEL"`

	// Resource throttling (zero disables a check)
	ThrottleIdleCPU  float64 `mapstructure:"THROTTLE_IDLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`
}

// stringToDurationHookFunc parses Go duration strings from config values.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes ("200MB") into int64s.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string; let other parsers have it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "8080")
	vp.SetDefault("STORE_DRIVER", "memory")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("POSTGRES_DSN", "")
	vp.SetDefault("MONGO_URI", "")
	vp.SetDefault("JOB_TTL", "1h")
	vp.SetDefault("JOB_TIMEOUT", "30m")
	vp.SetDefault("RETRY_DELAY", "300ms")
	vp.SetDefault("WORK_DIR", "")
	vp.SetDefault("MAX_DOWNLOAD_SIZE", "500MB")
	vp.SetDefault("FFMPEG_BIN", "ffmpeg")
	vp.SetDefault("FFMPEG_ARGS", "")
	vp.SetDefault("TRANSCRIBE_URL", "http://localhost:9000/transcribe")
	vp.SetDefault("ENHANCE_URL", "http://localhost:9001/enhance")
	vp.SetDefault("ENHANCE_MODEL", "")
	vp.SetDefault("THROTTLE_IDLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")

	vp.SetConfigName("transcriber_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/transcriber/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("TRANSCRIBER")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/briancasteel/youtube-transcriber-sub001/docs"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/config"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/pipeline"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/service"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/stage"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store/mongostore"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store/postgresstore"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store/redisstore"
	httptransport "github.com/briancasteel/youtube-transcriber-sub001/internal/transport/http"
)

// @title Media Transcription Jobs API
// @version 1.0
// @description Async media fetch/extract/transcribe/enhance pipeline with poll-based status.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	jobStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "transcriber_")
		if err != nil {
			log.Fatalf("work dir: %v", err)
		}
	}
	log.Printf("[main] work_dir=%s store_driver=%s", workDir, cfg.StoreDriver)

	gate := &stage.ResourceGate{
		MinIdleCPU:  cfg.ThrottleIdleCPU,
		MinFreeMem:  uint64(cfg.ThrottleFreeMem),
		MinFreeDisk: uint64(cfg.ThrottleFreeDisk),
		Path:        workDir,
	}

	extractor, err := stage.NewExtractor(cfg.FFmpegBin, cfg.FFmpegArgs, workDir)
	if err != nil {
		log.Fatalf("extractor: %v", err)
	}

	httpClient := &http.Client{}
	executors := map[string]stage.Executor{
		stage.NameFetch:      stage.NewFetcher(httpClient, workDir, cfg.MaxDownloadSize, gate),
		stage.NameExtract:    extractor,
		stage.NameTranscribe: stage.NewTranscriber(httpClient, cfg.TranscribeURL, workDir),
		stage.NameEnhance:    stage.NewEnhancer(httpClient, cfg.EnhanceURL, cfg.EnhanceModel, workDir),
	}

	engine, err := pipeline.New(pipeline.DefaultConfig(), jobStore, executors, pipeline.Options{
		JobTimeout: cfg.JobTimeout,
		RetryDelay: cfg.RetryDelay,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	jobSvc := service.NewJobService(engine, jobStore)
	handler := httptransport.NewHandler(jobSvc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.Routes(handler),
	}

	go func() {
		log.Printf("[main] server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Println("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] server shutdown: %v", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] engine shutdown: %v", err)
	}

	log.Println("[main] stopped")
}

// buildStore wires the configured job store driver.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	noop := func() {}

	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(cfg.JobTTL), noop, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, noop, err
		}
		return redisstore.New(rdb, cfg.JobTTL), func() { _ = rdb.Close() }, nil

	case "postgres":
		pool, err := postgresstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		st := postgresstore.New(pool, cfg.JobTTL)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return st, pool.Close, nil

	case "mongo":
		client, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, noop, err
		}
		coll := client.Database("transcriber").Collection("jobs")
		st := mongostore.New(coll, cfg.JobTTL)
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, noop, err
		}
		return st, func() { _ = client.Disconnect(context.Background()) }, nil

	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

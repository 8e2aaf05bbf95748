package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

// Fetcher downloads the remote media source to the local work directory.
// Sub-progress is bytes received against Content-Length when the server
// reports one.
type Fetcher struct {
	client  *http.Client
	dir     string
	maxSize int64
	gate    *ResourceGate
}

func NewFetcher(client *http.Client, dir string, maxSize int64, gate *ResourceGate) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, dir: dir, maxSize: maxSize, gate: gate}
}

func (f *Fetcher) Execute(ctx context.Context, in Input) (Output, error) {
	if err := f.gate.Check(); err != nil {
		return Output{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.Source, nil)
	if err != nil {
		return Output{}, Wrap(false, err, "build download request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, Wrap(true, err, "download source")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return Output{}, Failf(true, "source returned %s", resp.Status)
	default:
		return Output{}, Failf(false, "source returned %s", resp.Status)
	}

	dst, err := os.Create(filepath.Join(f.dir, in.JobID+"_source"))
	if err != nil {
		return Output{}, Wrap(true, err, "create local source file")
	}
	defer dst.Close()

	written, err := f.copyWithProgress(dst, resp.Body, resp.ContentLength, in)
	if err != nil {
		os.Remove(dst.Name())
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, err
	}

	in.report(100)
	log.Printf("[fetch] job_id=%s bytes=%d path=%s", in.JobID, written, dst.Name())
	return Output{
		Summary:  fmt.Sprintf("downloaded %d bytes", written),
		Location: dst.Name(),
	}, nil
}

// copyWithProgress streams the body in chunks, enforcing the size limit and
// mapping bytes received to a 0-100 sub-progress when the length is known.
func (f *Fetcher) copyWithProgress(dst io.Writer, src io.Reader, length int64, in Input) (int64, error) {
	limited := src
	if f.maxSize > 0 {
		limited = &io.LimitedReader{R: src, N: f.maxSize + 1}
	}

	var written int64
	buf := make([]byte, 256*1024)
	for {
		n, err := limited.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, Wrap(true, werr, "write local source file")
			}
			written += int64(n)
			if f.maxSize > 0 && written > f.maxSize {
				return written, Failf(false, "source exceeds size limit of %d bytes", f.maxSize)
			}
			if length > 0 {
				in.report(int(written * 100 / length))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, Wrap(true, err, "read source body")
		}
	}
}

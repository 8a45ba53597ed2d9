package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Fetcher reads remote blobs by file name. A missing blob is reported with
// an error matching fs.ErrNotExist.
type Fetcher interface {
	Open(ctx context.Context, file string) (io.ReadCloser, int64, error)
	Close() error
}

// NewFetcher picks a fetcher for source, either gs://bucket/prefix or an
// http(s) base URL.
func NewFetcher(ctx context.Context, source string) (Fetcher, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse source %q: %w", source, err)
	}

	switch u.Scheme {
	case "gs":
		return NewGCSFetcher(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return &HTTPFetcher{Base: u}, nil
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

type HTTPFetcher struct {
	Base   *url.URL
	Client *http.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

func (f *HTTPFetcher) Open(ctx context.Context, file string) (io.ReadCloser, int64, error) {
	u := f.Base.JoinPath(file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("doing request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%s: %w", u, fs.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status downloading %s: %v", u, resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

func (f *HTTPFetcher) Close() error {
	return nil
}

type GCSFetcher struct {
	Bucket string
	Prefix string

	client *storage.Client
}

var _ Fetcher = (*GCSFetcher)(nil)

func NewGCSFetcher(ctx context.Context, bucket, prefix string) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}

	return &GCSFetcher{Bucket: bucket, Prefix: prefix, client: client}, nil
}

func (f *GCSFetcher) Open(ctx context.Context, file string) (io.ReadCloser, int64, error) {
	key := strings.TrimPrefix(f.Prefix+"/"+file, "/")
	r, err := f.client.Bucket(f.Bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, fmt.Errorf("gs://%s/%s: %w", f.Bucket, key, fs.ErrNotExist)
	} else if err != nil {
		return nil, 0, fmt.Errorf("opening gs://%s/%s: %w", f.Bucket, key, err)
	}

	return r, r.Attrs.Size, nil
}

func (f *GCSFetcher) Close() error {
	return f.client.Close()
}

// PullProgress reports one file's transfer.
type PullProgress struct {
	File      string
	Completed int64
	Total     int64
}

// Pull downloads every tensor d lacks plus the merge table. Derived constants
// absent from the remote are computed locally instead.
func Pull(ctx context.Context, f Fetcher, d Dir, ts []Tensor, fn func(PullProgress)) error {
	if err := os.MkdirAll(d.Bins(), 0o755); err != nil {
		return err
	}

	if _, err := os.Stat(d.VocabPath()); err != nil {
		if err := download(ctx, f, VocabFile, d.VocabPath(), fn); err != nil {
			return err
		}
	}

	var derived []Tensor
	for _, t := range d.Missing(ts) {
		err := download(ctx, f, t.File(), d.Path(t), fn)
		if errors.Is(err, fs.ErrNotExist) {
			if _, ok := Derived(t); ok {
				derived = append(derived, t)
				continue
			}
		}

		if err != nil {
			return err
		}
	}

	_, err := WriteDerived(d, derived)
	return err
}

func download(ctx context.Context, f Fetcher, file, dest string, fn func(PullProgress)) error {
	r, size, err := f.Open(ctx, file)
	if err != nil {
		return err
	}
	defer r.Close()

	slog.Debug("downloading blob", "file", file, "destination", dest, "size", size)
	startedAt := time.Now()

	p := PullProgress{File: file, Total: size}
	n, err := writeToFile(progressReader{Reader: r, fn: fn, p: &p}, dest)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", file, err)
	}

	slog.Info("downloaded blob", "file", file, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

type progressReader struct {
	io.Reader
	fn func(PullProgress)
	p  *PullProgress
}

func (r progressReader) Read(b []byte) (int, error) {
	n, err := r.Reader.Read(b)
	r.p.Completed += int64(n)
	if r.fn != nil && n > 0 {
		r.fn(*r.p)
	}
	return n, err
}

// writeToFile copies src into a temporary file next to dest and renames it
// into place once complete.
func writeToFile(src io.Reader, dest string) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(dest), "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				slog.Error("removing temp file", "path", tempFile.Name(), "error", err)
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				slog.Error("closing temp file", "path", tempFile.Name(), "error", err)
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("copying from upstream source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), dest); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}

// Package source turns a trigger's filePath into a local file the partition readers can open.
// Local paths are used in place; s3:// and http(s):// inputs are spooled to disk once per run.
package source

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/config"
)

// ErrTooLarge is returned when a remote file exceeds the configured size limit.
var ErrTooLarge = errors.New("source file too large")

// File is a resolved input. Release removes spooled copies and is a no-op for local paths.
type File struct {
	Path   string
	Remote bool
}

func (f File) Release() error {
	if !f.Remote {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove spooled %s", f.Path)
	}
	return nil
}

// Resolver resolves trigger file paths.
type Resolver struct {
	cfg        config.Config
	httpClient *http.Client
	maxBytes   int64

	mu       sync.Mutex
	s3Client *s3.Client
}

func NewResolver(cfg config.Config) *Resolver {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	limit := cfg.SourceMaxBytes
	if limit == 0 {
		limit = 10 << 30
	}
	return &Resolver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   limit,
	}
}

// Resolve returns a readable local file for filePath.
func (r *Resolver) Resolve(ctx context.Context, filePath string) (File, error) {
	u, err := url.Parse(filePath)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return r.local(filePath)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return r.local(u.Path)
	case "s3":
		return r.fromS3(ctx, u)
	case "http", "https":
		return r.fromHTTP(ctx, filePath)
	default:
		return File{}, errors.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

func (r *Resolver) local(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return File{}, errors.Errorf("%s is a directory", path)
	}
	return File{Path: path}, nil
}

func (r *Resolver) client(ctx context.Context) (*s3.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s3Client != nil {
		return r.s3Client, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if r.cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(r.cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	r.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if r.cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(r.cfg.S3Endpoint)
		}
		o.UsePathStyle = r.cfg.S3PathStyle
	})
	return r.s3Client, nil
}

func (r *Resolver) fromS3(ctx context.Context, u *url.URL) (File, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return File{}, errors.Errorf("s3 uri %q needs a bucket and a key", u.String())
	}
	client, err := r.client(ctx)
	if err != nil {
		return File{}, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return File{}, errors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	if out.ContentLength != nil && *out.ContentLength > r.maxBytes {
		return File{}, errors.Wrapf(ErrTooLarge, "s3://%s/%s is %d bytes", bucket, key, *out.ContentLength)
	}
	return r.spool(out.Body, u.String())
}

func (r *Resolver) fromHTTP(ctx context.Context, rawURL string) (File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return File{}, errors.Wrap(err, "build request")
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return File{}, errors.Wrapf(err, "download %s", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return File{}, errors.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	return r.spool(resp.Body, rawURL)
}

// spool copies body into a temp file under the spool directory, failing once it passes the
// size limit.
func (r *Resolver) spool(body io.Reader, origin string) (File, error) {
	f, err := os.CreateTemp(r.cfg.SpoolDir, "ingest-*.txt")
	if err != nil {
		return File{}, errors.Wrap(err, "create spool file")
	}
	spooled := File{Path: f.Name(), Remote: true}

	n, err := io.Copy(f, io.LimitReader(body, r.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > r.maxBytes {
		err = errors.Wrapf(ErrTooLarge, "%s exceeds %d bytes", origin, r.maxBytes)
	}
	if err != nil {
		_ = spooled.Release()
		return File{}, errors.WithMessagef(err, "spool %s", origin)
	}
	log.WithFields(log.Fields{"source": origin, "bytes": n, "path": spooled.Path}).Info("spooled remote source")
	return spooled, nil
}

package marker

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/breeze-rmm/provision/internal/config"
)

// gcsUploader writes one object. storageUploader is the real one.
type gcsUploader interface {
	Upload(ctx context.Context, bucket, key string, body []byte) error
	Close() error
}

type storageUploader struct {
	client *storage.Client
}

func (s storageUploader) Upload(ctx context.Context, bucket, key string, body []byte) error {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/yaml"
	if _, err := w.Write(body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s storageUploader) Close() error {
	return s.client.Close()
}

// GCSSink writes the marker to a Google Cloud Storage bucket.
type GCSSink struct {
	bucket   string
	prefix   string
	uploader gcsUploader
}

// NewGCSSink builds a client. When no credentials file is configured the
// application default credentials are used.
func NewGCSSink(ctx context.Context, cfg config.MarkerConfig) (*GCSSink, error) {
	var opts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSSink{bucket: cfg.GCSBucket, prefix: cfg.Prefix, uploader: storageUploader{client: client}}, nil
}

func (g *GCSSink) Name() string { return "gcs" }

// Report uploads the marker document.
func (g *GCSSink) Report(ctx context.Context, m Marker) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	key := ObjectKey(g.prefix, m.Hostname, m.Label)
	if err := g.uploader.Upload(ctx, g.bucket, key, body); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", g.bucket, key, err)
	}
	return nil
}

// Close releases the storage client.
func (g *GCSSink) Close() error {
	return g.uploader.Close()
}

package marker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/provision/internal/config"
	"github.com/breeze-rmm/provision/internal/secmem"
)

// b2Bucket is the part of *b2.Bucket the sink writes through.
type b2Bucket interface {
	NewWriter(ctx context.Context, key string) io.WriteCloser
}

type blazerBucket struct {
	bucket *b2.Bucket
}

func (b blazerBucket) NewWriter(ctx context.Context, key string) io.WriteCloser {
	return b.bucket.Object(key).NewWriter(ctx)
}

type b2Authorizer func(ctx context.Context, accountID, appKey, bucketName string) (b2Bucket, error)

func authorizeB2(ctx context.Context, accountID, appKey, bucketName string) (b2Bucket, error) {
	client, err := b2.NewClient(ctx, accountID, appKey)
	if err != nil {
		return nil, fmt.Errorf("b2 authorize: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("b2 bucket %s: %w", bucketName, err)
	}
	return blazerBucket{bucket: bucket}, nil
}

// B2Sink writes the marker to a Backblaze B2 bucket. The client authorizes
// against the B2 API, so it is created on first use rather than at startup.
// The application key is wiped once authorization succeeds.
type B2Sink struct {
	bucketName string
	prefix     string
	accountID  string
	appKey     *secmem.Secret
	authorize  b2Authorizer

	mu     sync.Mutex
	bucket b2Bucket
}

// NewB2Sink returns a sink for cfg.B2Bucket. An empty application key is
// rejected here rather than at first upload.
func NewB2Sink(cfg config.MarkerConfig) (*B2Sink, error) {
	appKey := secmem.New(cfg.B2AppKey)
	if appKey.Empty() {
		return nil, errors.New("b2 application key is empty")
	}
	return &B2Sink{
		bucketName: cfg.B2Bucket,
		prefix:     cfg.Prefix,
		accountID:  cfg.B2AccountID,
		appKey:     appKey,
		authorize:  authorizeB2,
	}, nil
}

func (b *B2Sink) Name() string { return "b2" }

func (b *B2Sink) connect(ctx context.Context) (b2Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bucket != nil {
		return b.bucket, nil
	}
	if b.appKey.IsZeroed() {
		return nil, errors.New("b2 credentials already used and wiped")
	}

	bucket, err := b.authorize(ctx, b.accountID, b.appKey.Reveal(), b.bucketName)
	if err != nil {
		return nil, err
	}
	b.appKey.Zero()
	b.bucket = bucket
	return bucket, nil
}

// Report uploads the marker document.
func (b *B2Sink) Report(ctx context.Context, m Marker) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	bucket, err := b.connect(ctx)
	if err != nil {
		return err
	}

	key := ObjectKey(b.prefix, m.Hostname, m.Label)
	w := bucket.NewWriter(ctx, key)
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		w.Close()
		return fmt.Errorf("write b2://%s/%s: %w", b.bucketName, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize b2://%s/%s: %w", b.bucketName, key, err)
	}
	return nil
}

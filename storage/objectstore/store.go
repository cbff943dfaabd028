package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/natsclient"
)

// Store implements storage.Store on a JetStream ObjectStore bucket.
type Store struct {
	bucket  jetstream.ObjectStore
	config  Config
	metrics *storeMetrics
}

// NewStore opens (or creates) the configured bucket.
func NewStore(ctx context.Context, client *natsclient.Client, config Config) (*Store, error) {
	return NewStoreWithMetrics(ctx, client, config, nil)
}

// NewStoreWithMetrics opens the bucket and registers operation metrics.
func NewStoreWithMetrics(
	ctx context.Context, client *natsclient.Client, config Config, registry *metric.MetricsRegistry,
) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ObjectStore", "NewStore", "nats client is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "ObjectStore", "NewStore", "validate config")
	}

	bucket, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      config.BucketName,
		Description: config.Description,
		MaxBytes:    config.MaxBytes,
		TTL:         config.TTL,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectStore", "NewStore",
			fmt.Sprintf("open bucket %s", config.BucketName))
	}

	m, err := newStoreMetrics(registry, config.BucketName)
	if err != nil {
		return nil, errors.Wrap(err, "ObjectStore", "NewStore", "register metrics")
	}

	return &Store{bucket: bucket, config: config, metrics: m}, nil
}

// Name identifies the backend
func (s *Store) Name() string {
	return "objectstore"
}

// Bucket returns the bucket name
func (s *Store) Bucket() string {
	return s.config.BucketName
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.config.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// Put streams r into the bucket under key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, _ int64) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("put", time.Since(start).Seconds(), err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	info, err := s.bucket.Put(ctx, jetstream.ObjectMeta{Name: key}, r)
	if err != nil {
		return errors.WrapTransient(err, "ObjectStore", "Put", fmt.Sprintf("put %s", key))
	}
	s.metrics.addPutBytes(info.Size)
	return nil
}

// Get returns the object stored under key.
func (s *Store) Get(ctx context.Context, key string) (data []byte, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("get", time.Since(start).Seconds(), err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err = s.bucket.GetBytes(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(err, "ObjectStore", "Get", fmt.Sprintf("get %s", key))
		}
		return nil, errors.WrapTransient(err, "ObjectStore", "Get", fmt.Sprintf("get %s", key))
	}
	return data, nil
}

// List returns keys with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("list", time.Since(start).Seconds(), err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	infos, err := s.bucket.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "ObjectStore", "List", "list objects")
	}

	keys = make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		keys = append(keys, info.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("delete", time.Since(start).Seconds(), err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.bucket.Delete(ctx, key); err != nil && !stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return errors.WrapTransient(err, "ObjectStore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *Store) Close() error {
	return nil
}

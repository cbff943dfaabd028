package objectstore

import (
	"fmt"
	"time"
)

// Config holds configuration for a NATS ObjectStore archive bucket.
type Config struct {
	// BucketName is the JetStream ObjectStore bucket. It is created if missing.
	BucketName string `json:"bucket_name"`

	// Description is attached to the bucket on creation.
	Description string `json:"description,omitempty"`

	// MaxBytes caps the bucket size. Zero means unlimited.
	MaxBytes int64 `json:"max_bytes,omitempty"`

	// TTL expires archived objects. Zero keeps them forever.
	TTL time.Duration `json:"ttl,omitempty"`

	// OpTimeout bounds each operation when the caller's context has no deadline.
	OpTimeout time.Duration `json:"op_timeout,omitempty"`
}

// DefaultConfig returns the default archive bucket configuration.
func DefaultConfig() Config {
	return Config{
		BucketName:  "CAPTUREFLOW_ARCHIVE",
		Description: "captureflow archived artifacts",
		OpTimeout:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("bucket_name is required")
	}
	for _, r := range c.BucketName {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return fmt.Errorf("bucket_name %q may only contain letters, digits, '_' and '-'", c.BucketName)
		}
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("max_bytes must be non-negative")
	}
	return nil
}

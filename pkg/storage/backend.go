// Package storage persists run artifacts to a local directory or an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// BlobStore defines the interface for abstract storage backends.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Target is a parsed artifact destination.
type Target struct {
	// Bucket is set for s3:// targets.
	Bucket string
	// Prefix is the key prefix inside the bucket.
	Prefix string
	// Dir is set for filesystem targets.
	Dir string
}

func (t Target) IsS3() bool { return t.Bucket != "" }

// ParseTarget accepts "s3://bucket/optional/prefix" or a directory path.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, errors.New("empty artifact target")
	}
	if !strings.Contains(raw, "://") {
		return Target{Dir: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid artifact target %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return Target{}, fmt.Errorf("unsupported artifact target scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("artifact target %q has no bucket", raw)
	}
	return Target{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

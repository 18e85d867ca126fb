// Package artifacts persists two kinds of owner-scoped on-disk evidence:
// the per-worker Artifact Bundle (config, messages, tool call logs, result,
// summary, monitoring snapshots, metrics) and out-of-band Tool Output
// Artifacts for large tool results that are too big to inline into the
// conversation.
package artifacts

import (
	"context"
	"io"
	"time"
)

// PutOptions carries metadata for a blob store write.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store is a content-addressed blob store for Tool Output Artifacts. It is
// implemented by LocalStore (dev/single-node) and S3Store (production).
type Store interface {
	Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (reference string, err error)
	Get(ctx context.Context, artifactID string) (io.ReadCloser, error)
	Delete(ctx context.Context, artifactID string) error
	Exists(ctx context.Context, artifactID string) (bool, error)
	Close() error
}

// Pruner removes blobs older than a retention cutoff. CleanupService drives
// this on a timer against whichever Store backs Tool Output Artifacts.
type Pruner interface {
	PruneOlderThan(ctx context.Context, before time.Time) (int, error)
}

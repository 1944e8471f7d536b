package imgbackup

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/oklog/ulid"
	"github.com/thanos-io/objstore"
)

// RemoteSink optionally mirrors a finished image into an object store,
// grounded on the teacher's TableBlock.Persist upload path in store.go. The
// source reader is handed straight to the bucket upload; no pipe or helper
// goroutine is involved.
type RemoteSink struct {
	bucket objstore.Bucket
	prefix string
}

// NewRemoteSink wraps a bucket; prefix is joined with a ULID-named object
// key per upload, matching the teacher's block-naming convention.
func NewRemoteSink(bucket objstore.Bucket, prefix string) *RemoteSink {
	return &RemoteSink{bucket: bucket, prefix: prefix}
}

// Upload streams src (an already-closed local image file, reopened for
// reading by the caller) into the bucket under prefix/<ulid>/image.bin.
func (s *RemoteSink) Upload(ctx context.Context, src io.Reader, entropy io.Reader) (string, error) {
	if s.bucket == nil {
		return "", nil
	}
	if entropy == nil {
		entropy = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", fmt.Errorf("generate object id: %w", err)
	}

	objectName := filepath.Join(s.prefix, id.String(), "image.bin")
	if err := s.bucket.Upload(ctx, objectName, src); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return objectName, nil
}

package geotiff

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"gocloud.dev/blob"
)

// BlobReader reads byte ranges of one dataset object (local directory,
// memory, S3, GCS...). Only the IFD and the blocks touched by a window are
// transferred. It is safe for concurrent use.
type BlobReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64

	requests atomic.Int64
	fetched  atomic.Int64
}

// NewBlobReader stats key and returns a reader over it. The context bounds
// every subsequent read.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}
	return &BlobReader{ctx: ctx, bucket: bucket, key: key, size: attrs.Size}, nil
}

func (r *BlobReader) Key() string { return r.key }

// Size returns the object size in bytes.
func (r *BlobReader) Size() int64 { return r.size }

// Fetched returns the number of range requests issued and the bytes they returned.
func (r *BlobReader) Fetched() (requests, bytes int64) {
	return r.requests.Load(), r.fetched.Load()
}

// ReadAt issues one range request. Reads crossing the end of the object
// are shortened and return io.EOF.
func (r *BlobReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("reading %s: negative offset %d", r.key, off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	length := min(int64(len(p)), r.size-off)
	if length == 0 {
		return 0, nil
	}

	rr, err := r.bucket.NewRangeReader(r.ctx, r.key, off, length, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range reader for %s: %w", r.key, err)
	}
	defer rr.Close()

	n, err := io.ReadFull(rr, p[:length])
	r.requests.Add(1)
	r.fetched.Add(int64(n))
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

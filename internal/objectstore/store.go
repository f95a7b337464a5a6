// Package objectstore defines the capability set the registry storage
// engine needs from the external object store, plus an in-memory fake
// used across this repo's tests.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// Store limits imposed by the external object store's multipart API:
// all parts equal size except the last, 5 MiB <= part <= 5 GiB, at most
// 10000 parts per upload.
const (
	MinPartSize   = 5 * 1024 * 1024
	MaxPartSize   = 5 * 1024 * 1024 * 1024
	MaxParts      = 10000
	MaxUploadSize = MaxPartSize - 1
)

// ObjectMeta describes an object returned by Head or Get.
type ObjectMeta struct {
	Size        int64
	SHA256      string
	ContentType string
	CustomMeta  map[string]string
}

// ObjectBody pairs a stream with its metadata, returned by Get.
type ObjectBody struct {
	ObjectMeta
	Body io.ReadCloser
}

// PutOptions hints the store on verification and metadata for Put.
type PutOptions struct {
	SHA256      string
	ContentType string
	CustomMeta  map[string]string
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Keys       []string
	NextCursor string
}

// Part is one completed multipart-upload part, as returned by the store
// after UploadPart and consumed again by Complete.
type Part struct {
	PartNumber int
	ETag       string
}

// MultipartUpload is a handle to an in-progress multipart upload.
type MultipartUpload interface {
	// UploadPart uploads exactly size bytes from r as partNumber and
	// returns the store-assigned ETag. Part numbers must be uploaded
	// in strictly increasing order within one call chain; the store is
	// not required to enforce this itself.
	UploadPart(ctx context.Context, partNumber int, r io.Reader, size int64) (Part, error)
	// Complete finalizes the multipart upload from the given ordered
	// parts. The resulting object is available at the upload's target
	// key.
	Complete(ctx context.Context, parts []Part) error
	// Abort discards the multipart upload and any parts already
	// uploaded to it.
	Abort(ctx context.Context) error
}

// Store is the capability set required by the rest of the system.
// Implementations must tolerate the store's
// eventual-consistency window on Head after Put: the system assumes
// read-your-writes within a single request but not across requests.
type Store interface {
	Head(ctx context.Context, key string) (*ObjectMeta, error)
	Get(ctx context.Context, key string) (*ObjectBody, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error
	List(ctx context.Context, prefix, cursor, startAfter string, limit int) (*ListResult, error)
	Delete(ctx context.Context, key string) error

	CreateMultipart(ctx context.Context, key string) (storeUploadID string, err error)
	ResumeMultipart(ctx context.Context, key, storeUploadID string) (MultipartUpload, error)
}

// IsNotFound reports whether err represents an absent object/key. Head
// and Get return this rather than a sentinel value so callers can tell
// "absent" apart from a transport failure.
func IsNotFound(err error) bool {
	var nf interface{ NotFound() bool }
	return errors.As(err, &nf) && nf.NotFound()
}

// ErrNotFound is returned by in-memory and S3-backed stores alike for a
// missing key; IsNotFound still recognizes it when wrapped with %w.
type ErrNotFound struct{ Key string }

func (e *ErrNotFound) Error() string  { return "object not found: " + e.Key }
func (e *ErrNotFound) NotFound() bool { return true }

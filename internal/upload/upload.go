// Package upload implements the upload session orchestrator: the
// operations a registry push handler calls to open, resume, append to,
// and finish a blob upload.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/regvault/regvault/internal/digestutil"
	"github.com/regvault/regvault/internal/objectstore"
	"github.com/regvault/regvault/internal/reconciler"
	"github.com/regvault/regvault/internal/regerr"
	"github.com/regvault/regvault/internal/uploadstate"
)

// ByteRange is the inclusive range the client has successfully pushed,
// [0, byteRange-1]. A nil ByteRange means no bytes have been accepted
// yet, rather than a [0,-1] sentinel.
type ByteRange struct {
	Start int64
	End   int64
}

// Handle is the shape returned by startUpload, getUpload and
// uploadChunk.
type Handle struct {
	ID       string
	Location string
	Range    *ByteRange
	MinChunk int64
	MaxChunk int64
}

// FinishedUpload is the shape returned once a blob is durably stored.
type FinishedUpload struct {
	Digest   string
	Location string
}

// ErrTooLarge is returned by MonolithicUpload when the stream exceeds
// objectstore.MaxUploadSize, one byte below the store's maximum part
// size; the caller should fall back to the chunked path.
var ErrTooLarge = errors.New("upload: stream exceeds maximum part size")

// Orchestrator wires the object store, the state codec and the chunk
// reconciler into the public upload operations.
type Orchestrator struct {
	Store      objectstore.Store
	Codec      *uploadstate.Codec
	Reconciler *reconciler.Reconciler

	// CompatFull mirrors pushCompatibilityMode == "full".
	CompatFull bool
}

// New builds an Orchestrator. codec and rc must share the same store.
func New(store objectstore.Store, codec *uploadstate.Codec, rc *reconciler.Reconciler, compatFull bool) *Orchestrator {
	return &Orchestrator{Store: store, Codec: codec, Reconciler: rc, CompatFull: compatFull}
}

func blobKey(name, digest string) string { return fmt.Sprintf("%s/blobs/%s", name, digest) }

// StartUpload allocates a new upload session.
func (o *Orchestrator) StartUpload(ctx context.Context, name string) (*Handle, error) {
	uploadID := uuid.NewString()

	storeUploadID, err := o.Store.CreateMultipart(ctx, uploadID)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "startUpload", err)
	}

	state := &uploadstate.State{
		RegistryUploadID: uploadID,
		StoreUploadID:    storeUploadID,
		Name:             name,
		CreatedAt:        time.Now().UTC(),
	}

	_, fp, err := o.Codec.Encode(ctx, state)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "startUpload", err)
	}

	return &Handle{
		ID:       uploadID,
		Location: fp,
		MinChunk: objectstore.MinPartSize,
		MaxChunk: objectstore.MaxPartSize,
	}, nil
}

// GetUpload reports the current cursor for an in-flight upload without
// validating any fingerprint.
func (o *Orchestrator) GetUpload(ctx context.Context, name, uploadID string) (*Handle, error) {
	result, err := o.Codec.Decode(ctx, name, uploadID, "")
	if err != nil {
		return nil, decodeErr(err, "getUpload")
	}

	return &Handle{
		ID:       uploadID,
		Location: result.Fingerprint,
		Range:    rangeOf(result.State.ByteRange),
		MinChunk: objectstore.MinPartSize,
		MaxChunk: objectstore.MaxPartSize,
	}, nil
}

// UploadChunk validates the caller's fingerprint and optional HTTP
// range, then folds the chunk into the upload via the reconciler.
func (o *Orchestrator) UploadChunk(ctx context.Context, name, uploadID, location string, r io.Reader, length int64, httpRange *ByteRange) (*Handle, error) {
	result, err := o.Codec.Decode(ctx, name, uploadID, location)
	if err != nil {
		return nil, decodeErr(err, "uploadChunk")
	}
	state := result.State

	if httpRange != nil && (httpRange.Start != state.ByteRange || httpRange.Start >= httpRange.End) {
		return nil, regerr.NewRange("uploadChunk", result.Fingerprint, state.ByteRange)
	}

	mpu, err := o.Store.ResumeMultipart(ctx, uploadID, state.StoreUploadID)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "uploadChunk", err)
	}

	if err := o.Reconciler.Reconcile(ctx, state, mpu, r, length, o.CompatFull); err != nil {
		if errors.Is(err, reconciler.ErrRange) {
			return nil, regerr.NewRange("uploadChunk", result.Fingerprint, state.ByteRange)
		}
		if errors.Is(err, reconciler.ErrTooManyParts) {
			return nil, regerr.New(regerr.KindClient, "uploadChunk", err)
		}
		return nil, regerr.New(regerr.KindServer, "uploadChunk", err)
	}

	_, newFp, err := o.Codec.Encode(ctx, state)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "uploadChunk", err)
	}

	return &Handle{
		ID:       uploadID,
		Location: newFp,
		Range:    rangeOf(state.ByteRange),
		MinChunk: objectstore.MinPartSize,
		MaxChunk: objectstore.MaxPartSize,
	}, nil
}

// FinishUpload completes an upload, writing the final content-addressed
// blob. If no parts were ever appended it treats stream/length as a
// monolithic body instead.
func (o *Orchestrator) FinishUpload(ctx context.Context, name, uploadID, location, expectedDigest string, stream io.Reader, length *int64) (*FinishedUpload, error) {
	result, err := o.Codec.Decode(ctx, name, uploadID, location)
	if err != nil {
		return nil, decodeErr(err, "finishUpload")
	}
	state := result.State

	if len(state.Parts) == 0 {
		if stream == nil || length == nil {
			return nil, regerr.New(regerr.KindClient, "finishUpload", fmt.Errorf("no parts appended and no body provided"))
		}
		if *length > objectstore.MaxUploadSize {
			return nil, regerr.New(regerr.KindClient, "finishUpload", fmt.Errorf("body of %d bytes exceeds max upload size", *length))
		}
		key := blobKey(name, expectedDigest)
		if err := o.Store.Put(ctx, key, stream, *length, objectstore.PutOptions{SHA256: expectedDigest}); err != nil {
			return nil, regerr.New(regerr.KindServer, "finishUpload", err)
		}
		if mpu, err := o.Store.ResumeMultipart(ctx, uploadID, state.StoreUploadID); err == nil {
			_ = mpu.Abort(ctx)
		}
		if err := o.Codec.Delete(ctx, name, uploadID); err != nil {
			return nil, regerr.New(regerr.KindServer, "finishUpload", err)
		}
		return &FinishedUpload{Digest: expectedDigest, Location: key}, nil
	}

	if stream != nil {
		var probe [1]byte
		n, _ := io.ReadFull(stream, probe[:])
		if n > 0 {
			return nil, regerr.New(regerr.KindClient, "finishUpload", fmt.Errorf("trailing body not allowed once parts have been appended; append it via uploadChunk first"))
		}
	}

	mpu, err := o.Store.ResumeMultipart(ctx, uploadID, state.StoreUploadID)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "finishUpload", err)
	}
	if err := mpu.Complete(ctx, state.Parts); err != nil {
		return nil, regerr.New(regerr.KindServer, "finishUpload", err)
	}

	if err := o.rematerialize(ctx, uploadID, name, expectedDigest); err != nil {
		return nil, regerr.New(regerr.KindServer, "finishUpload", err)
	}

	if err := o.Codec.Delete(ctx, name, uploadID); err != nil {
		return nil, regerr.New(regerr.KindServer, "finishUpload", err)
	}

	key := blobKey(name, expectedDigest)
	return &FinishedUpload{Digest: expectedDigest, Location: key}, nil
}

// rematerialize copies the completed multipart object (stored at the
// bare uploadID key) to its final content-addressed location, verifying
// the digest along the way, then removes the temporary key.
func (o *Orchestrator) rematerialize(ctx context.Context, uploadID, name, expectedDigest string) error {
	obj, err := o.Store.Get(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("rematerialize: fetch completed object: %w", err)
	}
	defer obj.Body.Close()

	hr := digestutil.NewHashingReader(obj.Body)
	key := blobKey(name, expectedDigest)
	if err := o.Store.Put(ctx, key, hr, obj.Size, objectstore.PutOptions{
		ContentType: obj.ContentType,
		SHA256:      expectedDigest,
	}); err != nil {
		return fmt.Errorf("rematerialize: put: %w", err)
	}
	if hr.Digest() != expectedDigest {
		// The digest hint should have made the store reject the write;
		// remove the key in case it did not verify.
		_ = o.Store.Delete(ctx, key)
		return fmt.Errorf("rematerialize: digest mismatch: expected %s got %s", expectedDigest, hr.Digest())
	}

	return o.Store.Delete(ctx, uploadID)
}

// CancelUpload aborts the multipart upload and deletes the state. It is
// idempotent: a missing state returns a NotFound error on the second call.
func (o *Orchestrator) CancelUpload(ctx context.Context, name, uploadID string) error {
	result, err := o.Codec.Decode(ctx, name, uploadID, "")
	if err != nil {
		return decodeErr(err, "cancelUpload")
	}

	mpu, err := o.Store.ResumeMultipart(ctx, uploadID, result.State.StoreUploadID)
	if err != nil {
		return regerr.New(regerr.KindServer, "cancelUpload", err)
	}
	if err := mpu.Abort(ctx); err != nil {
		return regerr.New(regerr.KindServer, "cancelUpload", err)
	}

	return o.Codec.Delete(ctx, name, uploadID)
}

// MonolithicUpload stores a whole blob in one call. If size is unknown
// the body is buffered to learn it.
func (o *Orchestrator) MonolithicUpload(ctx context.Context, name, digest string, stream io.Reader, size *int64) (*FinishedUpload, error) {
	var sz int64
	var r io.Reader = stream

	if size == nil {
		b, err := io.ReadAll(io.LimitReader(stream, objectstore.MaxUploadSize+1))
		if err != nil {
			return nil, regerr.New(regerr.KindServer, "monolithicUpload", err)
		}
		if int64(len(b)) > objectstore.MaxUploadSize {
			return nil, ErrTooLarge
		}
		sz = int64(len(b))
		r = bytes.NewReader(b)
	} else {
		if *size > objectstore.MaxUploadSize {
			return nil, ErrTooLarge
		}
		sz = *size
	}

	key := blobKey(name, digest)
	if err := o.Store.Put(ctx, key, r, sz, objectstore.PutOptions{SHA256: digest}); err != nil {
		return nil, regerr.New(regerr.KindServer, "monolithicUpload", err)
	}

	return &FinishedUpload{Digest: digest, Location: key}, nil
}

func rangeOf(byteRange int64) *ByteRange {
	if byteRange == 0 {
		return nil
	}
	return &ByteRange{Start: 0, End: byteRange - 1}
}

func decodeErr(err error, op string) error {
	if errors.Is(err, uploadstate.ErrMissing) {
		return regerr.New(regerr.KindNotFound, op, err)
	}
	var stale *uploadstate.StaleError
	if errors.As(err, &stale) {
		return regerr.NewRange(op, stale.Current.Fingerprint, stale.Current.State.ByteRange)
	}
	return regerr.New(regerr.KindServer, op, err)
}

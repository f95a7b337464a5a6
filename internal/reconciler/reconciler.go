// Package reconciler folds arbitrary client chunks into store parts:
// given an incoming append and the current upload state, it decides how
// many store parts to create, in what shape, while preserving the
// invariant that a MultiPartEqual chunk never follows a non-equal one.
package reconciler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/regvault/regvault/internal/digestutil"
	"github.com/regvault/regvault/internal/objectstore"
	"github.com/regvault/regvault/internal/uploadstate"
)

// ErrRange is returned when no branch accepts the chunk: the caller
// must be told to resume from the current cursor. The caller already
// holds the current fingerprint (it decoded the state to get here), so
// this package does not build the structured Range error itself.
var ErrRange = errors.New("reconciler: chunk rejected, resume from current byte range")

// HelperPrefix namespaces scratch objects under a repository, keeping
// them out of the blob/manifest/upload key spaces.
const HelperPrefix = "_scratch"

// ScratchTTLHint is attached as advisory custom metadata on scratch
// writes so they vanish even if the upload is never finished. Actual
// expiry is enforced by a store-side lifecycle rule in a real
// deployment; the in-memory store used in tests ignores it.
const ScratchTTLHint = "1h"

// Reconciler mutates an uploadstate.State in place as it folds one
// client append into zero or more store parts.
type Reconciler struct {
	Store objectstore.Store
}

// New builds a Reconciler over store.
func New(store objectstore.Store) *Reconciler {
	return &Reconciler{Store: store}
}

// Reconcile folds one append of size bytes from r into state, uploading
// parts against mpu as needed. compatFull enables the repair and grow
// branches (pushCompatibilityMode == "full").
func (rc *Reconciler) Reconcile(ctx context.Context, state *uploadstate.State, mpu objectstore.MultipartUpload, r io.Reader, size int64, compatFull bool) error {
	last := state.Last()

	switch {
	case isIdeal(last, size):
		return rc.appendEqual(ctx, state, mpu, r, size)

	case size > objectstore.MaxPartSize:
		for _, p := range digestutil.Split(r, size, objectstore.MaxPartSize) {
			if err := rc.Reconcile(ctx, state, mpu, p.Reader, p.Size, compatFull); err != nil {
				return err
			}
		}
		return nil

	case last != nil && isNonEqualTail(last) && compatFull:
		return rc.repair(ctx, state, mpu, r, size, compatFull)

	case isShrinkOrSubMinimum(last, size):
		return rc.shrinkOrTrailing(ctx, state, mpu, r, size, compatFull)

	case last != nil && last.Kind == uploadstate.KindMultiPartEqual && size > last.Size && size <= objectstore.MaxPartSize && compatFull:
		for _, p := range digestutil.Split(r, size, last.Size) {
			if err := rc.Reconcile(ctx, state, mpu, p.Reader, p.Size, compatFull); err != nil {
				return err
			}
		}
		return nil

	default:
		return ErrRange
	}
}

func isIdeal(last *uploadstate.Chunk, size int64) bool {
	equalRun := last == nil || (last.Kind == uploadstate.KindMultiPartEqual && last.Size == size)
	return equalRun && size >= objectstore.MinPartSize && size <= objectstore.MaxPartSize
}

func isNonEqualTail(last *uploadstate.Chunk) bool {
	return last.Kind == uploadstate.KindMultiPartShrunk || last.Kind == uploadstate.KindSmallTrailing
}

func isShrinkOrSubMinimum(last *uploadstate.Chunk, size int64) bool {
	if last != nil && last.Size > size {
		return true
	}
	return size < objectstore.MinPartSize && (last == nil || last.Kind == uploadstate.KindMultiPartEqual)
}

// ErrTooManyParts is returned when an append would exceed the store's
// maximum part count.
var ErrTooManyParts = errors.New("reconciler: upload would exceed maximum part count")

// appendEqual is the ideal path: the chunk extends the equal-size run.
func (rc *Reconciler) appendEqual(ctx context.Context, state *uploadstate.State, mpu objectstore.MultipartUpload, r io.Reader, size int64) error {
	partNumber := len(state.Parts) + 1
	if partNumber > objectstore.MaxParts {
		return ErrTooManyParts
	}
	part, err := mpu.UploadPart(ctx, partNumber, r, size)
	if err != nil {
		return fmt.Errorf("reconciler: upload part %d: %w", partNumber, err)
	}
	state.Parts = append(state.Parts, part)
	state.Chunks = append(state.Chunks, uploadstate.Chunk{
		Kind:     uploadstate.KindMultiPartEqual,
		Size:     size,
		UploadID: state.StoreUploadID,
	})
	state.ByteRange += size
	return nil
}

// repair undoes a non-equal tail and reinvokes on the concatenation of
// its recovered scratch bytes and the new stream. This is the only
// branch that rewrites history; it depends on the scratch copy being
// live.
func (rc *Reconciler) repair(ctx context.Context, state *uploadstate.State, mpu objectstore.MultipartUpload, r io.Reader, size int64, compatFull bool) error {
	last := state.Last()
	scratchKey := last.ScratchKey
	if scratchKey == "" {
		return ErrRange
	}

	obj, err := rc.Store.Get(ctx, scratchKey)
	if err != nil {
		return fmt.Errorf("reconciler: repair: fetch scratch: %w", err)
	}
	scratchBytes, err := digestutil.Buffer(obj.Body, last.Size)
	obj.Body.Close()
	if err != nil {
		return fmt.Errorf("reconciler: repair: recover scratch: %w", err)
	}

	poppedSize := last.Size
	state.Chunks = state.Chunks[:len(state.Chunks)-1]
	state.Parts = state.Parts[:len(state.Parts)-1]

	if err := rc.Store.Delete(ctx, scratchKey); err != nil {
		return fmt.Errorf("reconciler: repair: clear scratch: %w", err)
	}

	combined := io.MultiReader(bytes.NewReader(scratchBytes), r)
	return rc.Reconcile(ctx, state, mpu, combined, poppedSize+size, compatFull)
}

// shrinkOrTrailing accepts a tail that shrinks or falls below the
// store's minimum part size.
func (rc *Reconciler) shrinkOrTrailing(ctx context.Context, state *uploadstate.State, mpu objectstore.MultipartUpload, r io.Reader, size int64, compatFull bool) error {
	kind := uploadstate.KindMultiPartShrunk
	if size < objectstore.MinPartSize {
		kind = uploadstate.KindSmallTrailing
	}

	partNumber := len(state.Parts) + 1
	if partNumber > objectstore.MaxParts {
		return ErrTooManyParts
	}
	chunk := uploadstate.Chunk{Kind: kind, Size: size, UploadID: state.StoreUploadID}

	var part objectstore.Part
	var err error
	if compatFull {
		scratchKey := fmt.Sprintf("%s/%s/%s", state.Name, HelperPrefix, uuid.NewString())
		part, err = rc.teeUploadAndScratch(ctx, mpu, partNumber, r, size, scratchKey)
		if err != nil {
			return fmt.Errorf("reconciler: shrink/trailing: %w", err)
		}
		chunk.ScratchKey = scratchKey
	} else {
		part, err = mpu.UploadPart(ctx, partNumber, r, size)
		if err != nil {
			return fmt.Errorf("reconciler: shrink/trailing: upload part %d: %w", partNumber, err)
		}
	}

	state.Parts = append(state.Parts, part)
	state.Chunks = append(state.Chunks, chunk)
	state.ByteRange += size
	return nil
}

// teeUploadAndScratch forks r into a store part and a scratch object,
// uploading both concurrently from a single pass over the source.
func (rc *Reconciler) teeUploadAndScratch(ctx context.Context, mpu objectstore.MultipartUpload, partNumber int, r io.Reader, size int64, scratchKey string) (objectstore.Part, error) {
	pr, pw := io.Pipe()
	tee := io.TeeReader(r, pw)

	scratchErr := make(chan error, 1)
	go func() {
		err := rc.Store.Put(ctx, scratchKey, pr, size, objectstore.PutOptions{
			ContentType: "application/octet-stream",
			CustomMeta:  map[string]string{"ttl-hint": ScratchTTLHint},
		})
		pr.CloseWithError(err)
		scratchErr <- err
	}()

	part, uploadErr := mpu.UploadPart(ctx, partNumber, tee, size)
	pw.Close()
	if err := <-scratchErr; err != nil && uploadErr == nil {
		uploadErr = fmt.Errorf("scratch write: %w", err)
	}
	if uploadErr != nil {
		return objectstore.Part{}, uploadErr
	}
	return part, nil
}

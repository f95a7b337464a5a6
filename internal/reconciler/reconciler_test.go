package reconciler

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/regvault/regvault/internal/objectstore"
	"github.com/regvault/regvault/internal/uploadstate"
)

func newSession(t *testing.T, store *objectstore.Memory, name string) (*uploadstate.State, objectstore.MultipartUpload) {
	t.Helper()
	id, err := store.CreateMultipart(context.Background(), "upload-1")
	require.NoError(t, err)
	mpu, err := store.ResumeMultipart(context.Background(), "upload-1", id)
	require.NoError(t, err)
	return &uploadstate.State{RegistryUploadID: "upload-1", StoreUploadID: id, Name: name}, mpu
}

func randomBytes(t *testing.T, n int64) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// Ideal push: two equal minimum-sized parts then a small last chunk.
func TestReconcileIdealPush(t *testing.T) {
	store := objectstore.NewMemory()
	state, mpu := newSession(t, store, "lib/app")
	rc := New(store)
	ctx := context.Background()

	chunk1 := randomBytes(t, objectstore.MinPartSize)
	chunk2 := randomBytes(t, objectstore.MinPartSize)
	chunk3 := randomBytes(t, 1024)

	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(chunk1), int64(len(chunk1)), false))
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(chunk2), int64(len(chunk2)), false))
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(chunk3), int64(len(chunk3)), false))

	require.Len(t, state.Parts, 3)
	require.Equal(t, int64(len(chunk1)+len(chunk2)+len(chunk3)), state.ByteRange)
	require.NoError(t, mpu.Complete(ctx, state.Parts))

	obj, err := store.Get(ctx, "upload-1")
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, append(append(append([]byte{}, chunk1...), chunk2...), chunk3...), got)
}

// Off mode still accepts a shrinking tail (without scratch), but with
// the repair branch disabled there is no way back: the next append is
// answered with Range.
func TestReconcileOffModeShrinkIsTerminal(t *testing.T) {
	store := objectstore.NewMemory()
	state, mpu := newSession(t, store, "lib/app")
	rc := New(store)
	ctx := context.Background()

	a := randomBytes(t, objectstore.MinPartSize+1000)
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(a), int64(len(a)), false))

	b := randomBytes(t, 100)
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(b), int64(len(b)), false))
	require.Equal(t, uploadstate.KindSmallTrailing, state.Last().Kind)
	require.Empty(t, state.Last().ScratchKey)

	c := randomBytes(t, objectstore.MinPartSize)
	err := rc.Reconcile(ctx, state, mpu, bytes.NewReader(c), int64(len(c)), false)
	require.ErrorIs(t, err, ErrRange)
}

// Shrinking chunk in full mode classifies as SmallTrailing, then a
// later append repairs it by folding the scratch copy back in.
func TestReconcileFullModeRepairsShrunkTail(t *testing.T) {
	store := objectstore.NewMemory()
	state, mpu := newSession(t, store, "lib/app")
	rc := New(store)
	ctx := context.Background()

	a := randomBytes(t, 8<<20)
	b := randomBytes(t, 8<<20)
	c := randomBytes(t, 4<<20) // < MIN

	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(a), int64(len(a)), true))
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(b), int64(len(b)), true))
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(c), int64(len(c)), true))

	require.Equal(t, uploadstate.KindSmallTrailing, state.Last().Kind)
	require.NotEmpty(t, state.Last().ScratchKey)

	d := randomBytes(t, 8<<20)
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(d), int64(len(d)), true))

	// The repair folds c++d (12 MiB) back through the tree: since it grows
	// past the established 8 MiB run in full mode, the grow branch
	// re-splits it into another 8 MiB equal part plus a 4 MiB sub-minimum
	// tail rather than a single monolithic shrink chunk.
	require.Len(t, state.Chunks, 4)
	require.Equal(t, uploadstate.KindMultiPartEqual, state.Chunks[2].Kind)
	require.Equal(t, uploadstate.KindSmallTrailing, state.Chunks[3].Kind)
	require.Equal(t, int64(4<<20), state.Chunks[3].Size)

	require.NoError(t, mpu.Complete(ctx, state.Parts))
	obj, err := store.Get(ctx, "upload-1")
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, append(append(append(append([]byte{}, a...), b...), c...), d...), got)
}

// Growing the equal run in full mode splits the new chunk at the run's
// established part size, so no equal chunk ever follows a non-equal one.
func TestReconcileFullModeGrowsEqualRun(t *testing.T) {
	store := objectstore.NewMemory()
	state, mpu := newSession(t, store, "lib/app")
	rc := New(store)
	ctx := context.Background()

	first := randomBytes(t, 8<<20)
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(first), int64(len(first)), true))

	grown := randomBytes(t, 12<<20)
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(grown), int64(len(grown)), true))

	require.Len(t, state.Chunks, 3)
	require.Equal(t, uploadstate.KindMultiPartEqual, state.Chunks[0].Kind)
	require.Equal(t, uploadstate.KindMultiPartEqual, state.Chunks[1].Kind)
	require.Equal(t, uploadstate.KindSmallTrailing, state.Chunks[2].Kind)
	require.Equal(t, int64(len(first)+len(grown)), state.ByteRange)
}

func TestReconcileRejectsNoApplicableCase(t *testing.T) {
	store := objectstore.NewMemory()
	state, mpu := newSession(t, store, "lib/app")
	rc := New(store)
	ctx := context.Background()

	a := randomBytes(t, objectstore.MinPartSize)
	require.NoError(t, rc.Reconcile(ctx, state, mpu, bytes.NewReader(a), int64(len(a)), true))

	// Growing the run in off mode has no applicable case.
	b := randomBytes(t, objectstore.MinPartSize+1)
	err := rc.Reconcile(ctx, state, mpu, bytes.NewReader(b), int64(len(b)), false)
	require.ErrorIs(t, err, ErrRange)
}

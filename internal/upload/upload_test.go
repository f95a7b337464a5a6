package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/regvault/regvault/internal/digestutil"
	"github.com/regvault/regvault/internal/objectstore"
	"github.com/regvault/regvault/internal/reconciler"
	"github.com/regvault/regvault/internal/regerr"
	"github.com/regvault/regvault/internal/uploadstate"
)

func newOrchestrator(store objectstore.Store, compatFull bool) *Orchestrator {
	codec := uploadstate.New(store)
	rc := reconciler.New(store)
	return New(store, codec, rc, compatFull)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestStartAndGetUpload(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	h, err := o.StartUpload(ctx, "lib/app")
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)
	require.NotEmpty(t, h.Location)
	require.Nil(t, h.Range)

	got, err := o.GetUpload(ctx, "lib/app", h.ID)
	require.NoError(t, err)
	require.Equal(t, h.Location, got.Location)
	require.Nil(t, got.Range)
}

func TestGetUploadMissingReturnsNotFound(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)

	_, err := o.GetUpload(context.Background(), "lib/app", "nope")
	require.Equal(t, regerr.KindNotFound, regerr.KindOf(err))
}

func TestMonolithicUploadKnownSize(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	data := randomBytes(t, 2048)
	digest := digestutil.SHA256(data)
	size := int64(len(data))

	res, err := o.MonolithicUpload(ctx, "lib/app", digest, bytes.NewReader(data), &size)
	require.NoError(t, err)
	require.Equal(t, digest, res.Digest)

	obj, err := store.Get(ctx, res.Location)
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestMonolithicUploadBuffersWhenSizeUnknown(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	data := randomBytes(t, 4096)
	digest := digestutil.SHA256(data)

	res, err := o.MonolithicUpload(ctx, "lib/app", digest, bytes.NewReader(data), nil)
	require.NoError(t, err)
	require.Equal(t, digest, res.Digest)
}

func TestUploadChunkThenFinishEndToEnd(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	h, err := o.StartUpload(ctx, "lib/app")
	require.NoError(t, err)

	chunk1 := randomBytes(t, objectstore.MinPartSize)
	h, err = o.UploadChunk(ctx, "lib/app", h.ID, h.Location, bytes.NewReader(chunk1), int64(len(chunk1)), nil)
	require.NoError(t, err)
	require.NotNil(t, h.Range)
	require.Equal(t, int64(0), h.Range.Start)
	require.Equal(t, int64(len(chunk1)-1), h.Range.End)

	chunk2 := randomBytes(t, 1024)
	h, err = o.UploadChunk(ctx, "lib/app", h.ID, h.Location, bytes.NewReader(chunk2), int64(len(chunk2)), nil)
	require.NoError(t, err)

	full := append(append([]byte{}, chunk1...), chunk2...)
	digest := digestutil.SHA256(full)

	finished, err := o.FinishUpload(ctx, "lib/app", h.ID, h.Location, digest, nil, nil)
	require.NoError(t, err)
	require.Equal(t, digest, finished.Digest)

	obj, err := store.Get(ctx, finished.Location)
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, full, got)

	_, err = o.GetUpload(ctx, "lib/app", h.ID)
	require.Equal(t, regerr.KindNotFound, regerr.KindOf(err))
}

func TestUploadChunkStaleFingerprintReturnsRange(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	h, err := o.StartUpload(ctx, "lib/app")
	require.NoError(t, err)

	chunk := randomBytes(t, objectstore.MinPartSize)
	_, err = o.UploadChunk(ctx, "lib/app", h.ID, "not-the-real-fingerprint", bytes.NewReader(chunk), int64(len(chunk)), nil)
	require.Equal(t, regerr.KindRange, regerr.KindOf(err))

	var rerr *regerr.Error
	require.ErrorAs(t, err, &rerr)
	require.NotNil(t, rerr.Range)
	require.Equal(t, h.Location, rerr.Range.Fingerprint)
}

func TestUploadChunkRejectsMismatchedHTTPRange(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	h, err := o.StartUpload(ctx, "lib/app")
	require.NoError(t, err)

	chunk := randomBytes(t, 1024)
	badRange := &ByteRange{Start: 10, End: 20}
	_, err = o.UploadChunk(ctx, "lib/app", h.ID, h.Location, bytes.NewReader(chunk), int64(len(chunk)), badRange)
	require.Equal(t, regerr.KindRange, regerr.KindOf(err))
}

func TestFinishUploadRejectsTrailingBody(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	h, err := o.StartUpload(ctx, "lib/app")
	require.NoError(t, err)

	chunk := randomBytes(t, objectstore.MinPartSize)
	h, err = o.UploadChunk(ctx, "lib/app", h.ID, h.Location, bytes.NewReader(chunk), int64(len(chunk)), nil)
	require.NoError(t, err)

	trailing := []byte("extra")
	_, err = o.FinishUpload(ctx, "lib/app", h.ID, h.Location, "sha256:whatever", bytes.NewReader(trailing), nil)
	require.Equal(t, regerr.KindClient, regerr.KindOf(err))
}

func TestFinishUploadDigestMismatchLeavesNoBlob(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	h, err := o.StartUpload(ctx, "lib/app")
	require.NoError(t, err)

	chunk := randomBytes(t, objectstore.MinPartSize)
	h, err = o.UploadChunk(ctx, "lib/app", h.ID, h.Location, bytes.NewReader(chunk), int64(len(chunk)), nil)
	require.NoError(t, err)

	wrong := digestutil.SHA256([]byte("not the uploaded bytes"))
	_, err = o.FinishUpload(ctx, "lib/app", h.ID, h.Location, wrong, nil, nil)
	require.Equal(t, regerr.KindServer, regerr.KindOf(err))

	_, err = store.Head(ctx, "lib/app/blobs/"+wrong)
	require.True(t, objectstore.IsNotFound(err), "a digest key must never hold bytes that do not hash to it")
}

func TestCancelUploadIsIdempotentPastFirstCall(t *testing.T) {
	store := objectstore.NewMemory()
	o := newOrchestrator(store, false)
	ctx := context.Background()

	h, err := o.StartUpload(ctx, "lib/app")
	require.NoError(t, err)

	require.NoError(t, o.CancelUpload(ctx, "lib/app", h.ID))

	err = o.CancelUpload(ctx, "lib/app", h.ID)
	require.Equal(t, regerr.KindNotFound, regerr.KindOf(err))
}

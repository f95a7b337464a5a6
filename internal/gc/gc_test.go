package gc

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/regvault/regvault/internal/digestutil"
	"github.com/regvault/regvault/internal/objectstore"
)

const v2Manifest = `{"config":{"digest":"sha256:cfg","size":1},"layers":[{"digest":"sha256:layer1","size":2}]}`

func TestMarkForInsertionThenCleanInsertion(t *testing.T) {
	store := objectstore.NewMemory()
	il := NewInterlock(store)
	ctx := context.Background()

	markerKey, err := il.MarkForInsertion(ctx, "lib/app")
	require.NoError(t, err)
	require.NotEmpty(t, markerKey)

	_, err = store.Head(ctx, markerKey)
	require.NoError(t, err)

	require.NoError(t, il.CleanInsertion(ctx, markerKey))
	_, err = store.Head(ctx, markerKey)
	require.True(t, objectstore.IsNotFound(err))
}

func TestCheckCanInsertDataTrueWithNoEpoch(t *testing.T) {
	store := objectstore.NewMemory()
	il := NewInterlock(store)
	ctx := context.Background()

	markerKey, err := il.MarkForInsertion(ctx, "lib/app")
	require.NoError(t, err)

	ok, err := il.CheckCanInsertData(ctx, "lib/app", markerKey)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckCanInsertDataFalseWhenEpochStartedAfterMarker(t *testing.T) {
	store := objectstore.NewMemory()
	il := NewInterlock(store)
	ctx := context.Background()

	markerKey, err := il.MarkForInsertion(ctx, "lib/app")
	require.NoError(t, err)

	later := time.Now().UTC().Add(1 * time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, store.Put(ctx, epochKey("lib/app"), strings.NewReader(later), int64(len(later)), objectstore.PutOptions{}))

	ok, err := il.CheckCanInsertData(ctx, "lib/app", markerKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCollectAbortsWhenInsertionRacesIn(t *testing.T) {
	store := objectstore.NewMemory()
	il := NewInterlock(store)
	c := NewCollector(store, il)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "lib/app/blobs/sha256:orphan", bytes.NewReader([]byte("x")), 1, objectstore.PutOptions{}))

	future := time.Now().UTC().Add(1 * time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, store.Put(ctx, markerKeyFor("lib/app", "racing-writer"), strings.NewReader(future), int64(len(future)), objectstore.PutOptions{}))

	collected, err := c.Collect(ctx, "lib/app", ModeUnreferenced)
	require.NoError(t, err)
	require.False(t, collected)

	_, err = store.Head(ctx, "lib/app/blobs/sha256:orphan")
	require.NoError(t, err, "collection must not delete anything when it aborts")

	// The aborted pass deleted nothing, so the racing writer's commit
	// barrier must still let it through.
	ok, err := il.CheckCanInsertData(ctx, "lib/app", markerKeyFor("lib/app", "racing-writer"))
	require.NoError(t, err)
	require.True(t, ok)
}

// A marker registered before a collection pass must still be rejected
// at the commit barrier after that pass has finished; only a fresh
// marker from the retry is allowed through.
func TestCheckCanInsertDataFalseForMarkerPredatingFinishedCollection(t *testing.T) {
	store := objectstore.NewMemory()
	il := NewInterlock(store)
	c := NewCollector(store, il)
	ctx := context.Background()

	markerKey, err := il.MarkForInsertion(ctx, "lib/app")
	require.NoError(t, err)

	collected, err := c.Collect(ctx, "lib/app", ModeUnreferenced)
	require.NoError(t, err)
	require.True(t, collected)

	ok, err := il.CheckCanInsertData(ctx, "lib/app", markerKey)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, il.CleanInsertion(ctx, markerKey))
	retryKey, err := il.MarkForInsertion(ctx, "lib/app")
	require.NoError(t, err)

	ok, err = il.CheckCanInsertData(ctx, "lib/app", retryKey)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCollectUnreferencedDeletesOnlyOrphans(t *testing.T) {
	store := objectstore.NewMemory()
	il := NewInterlock(store)
	c := NewCollector(store, il)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "lib/app/manifests/sha256:manifestdigest", bytes.NewReader([]byte(v2Manifest)), int64(len(v2Manifest)), objectstore.PutOptions{}))
	require.NoError(t, store.Put(ctx, "lib/app/blobs/sha256:cfg", bytes.NewReader([]byte("c")), 1, objectstore.PutOptions{}))
	require.NoError(t, store.Put(ctx, "lib/app/blobs/sha256:layer1", bytes.NewReader([]byte("l")), 1, objectstore.PutOptions{}))
	require.NoError(t, store.Put(ctx, "lib/app/blobs/sha256:orphan", bytes.NewReader([]byte("o")), 1, objectstore.PutOptions{}))

	collected, err := c.Collect(ctx, "lib/app", ModeUnreferenced)
	require.NoError(t, err)
	require.True(t, collected)

	_, err = store.Head(ctx, "lib/app/blobs/sha256:cfg")
	require.NoError(t, err)
	_, err = store.Head(ctx, "lib/app/blobs/sha256:layer1")
	require.NoError(t, err)
	_, err = store.Head(ctx, "lib/app/blobs/sha256:orphan")
	require.True(t, objectstore.IsNotFound(err))
}

func TestCollectUntaggedDeletesUnreferencedManifestAndItsBlobs(t *testing.T) {
	store := objectstore.NewMemory()
	il := NewInterlock(store)
	c := NewCollector(store, il)
	ctx := context.Background()

	// The tag points at this digest, so it stays.
	taggedDigest := digestutil.SHA256([]byte(v2Manifest))
	require.NoError(t, store.Put(ctx, "lib/app/manifests/"+taggedDigest, bytes.NewReader([]byte(v2Manifest)), int64(len(v2Manifest)), objectstore.PutOptions{SHA256: taggedDigest}))
	require.NoError(t, store.Put(ctx, "lib/app/manifests/latest", bytes.NewReader([]byte(v2Manifest)), int64(len(v2Manifest)), objectstore.PutOptions{SHA256: taggedDigest}))
	require.NoError(t, store.Put(ctx, "lib/app/blobs/sha256:cfg", bytes.NewReader([]byte("c")), 1, objectstore.PutOptions{}))
	require.NoError(t, store.Put(ctx, "lib/app/blobs/sha256:layer1", bytes.NewReader([]byte("l")), 1, objectstore.PutOptions{}))

	// An untagged manifest digest with its own unreferenced blob.
	const untaggedManifest = `{"config":{"digest":"sha256:orphancfg","size":1},"layers":[]}`
	require.NoError(t, store.Put(ctx, "lib/app/manifests/sha256:untagged", bytes.NewReader([]byte(untaggedManifest)), int64(len(untaggedManifest)), objectstore.PutOptions{}))
	require.NoError(t, store.Put(ctx, "lib/app/blobs/sha256:orphancfg", bytes.NewReader([]byte("o")), 1, objectstore.PutOptions{}))

	collected, err := c.Collect(ctx, "lib/app", ModeUntagged)
	require.NoError(t, err)
	require.True(t, collected)

	_, err = store.Head(ctx, "lib/app/manifests/"+taggedDigest)
	require.NoError(t, err)
	_, err = store.Head(ctx, "lib/app/manifests/sha256:untagged")
	require.True(t, objectstore.IsNotFound(err))
	_, err = store.Head(ctx, "lib/app/blobs/sha256:orphancfg")
	require.True(t, objectstore.IsNotFound(err))
	_, err = store.Head(ctx, "lib/app/blobs/sha256:cfg")
	require.NoError(t, err)
}

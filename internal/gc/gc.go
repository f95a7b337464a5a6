// Package gc implements the garbage-collector interlock and collection
// passes: insertion markers that a manifest write registers before it
// commits, and the two collection modes that must never race a write
// into deleting something still being referenced.
package gc

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regvault/regvault/internal/manifest"
	"github.com/regvault/regvault/internal/objectstore"
	"github.com/regvault/regvault/pkg/pool"
)

// deleteWorkers bounds how many blob deletes a single collection pass
// issues concurrently.
const deleteWorkers = 8

// Mode selects what a collection pass reclaims.
type Mode string

const (
	// ModeUnreferenced reclaims blobs no live manifest points to.
	ModeUnreferenced Mode = "unreferenced"
	// ModeUntagged reclaims manifests no tag points to, then every blob
	// no remaining manifest references (as ModeUnreferenced does).
	ModeUntagged Mode = "untagged"
)

// MarkerTTLHint is attached as advisory metadata on insertion markers:
// the backstop if a writer dies before cleaning up after itself.
const MarkerTTLHint = "5m"

func markerPrefix(name string) string { return fmt.Sprintf("_gc/markers/%s/", name) }
func markerKeyFor(name, id string) string { return markerPrefix(name) + id }
func epochKey(name string) string { return fmt.Sprintf("_gc/epoch/%s", name) }

// Interlock is the insertion side of the contract: a manifest write
// registers a marker before it does its real work and asks, right
// before committing, whether a collection raced in after the marker
// was created.
type Interlock struct {
	Store objectstore.Store
}

// NewInterlock builds an Interlock over store.
func NewInterlock(store objectstore.Store) *Interlock {
	return &Interlock{Store: store}
}

// MarkForInsertion registers that a manifest write for name is in
// flight and returns the marker's key.
func (il *Interlock) MarkForInsertion(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	key := markerKeyFor(name, id)
	body := strings.NewReader(time.Now().UTC().Format(time.RFC3339Nano))
	if err := il.Store.Put(ctx, key, body, int64(body.Len()), objectstore.PutOptions{
		CustomMeta: map[string]string{"ttl-hint": MarkerTTLHint},
	}); err != nil {
		return "", fmt.Errorf("gc: mark for insertion: %w", err)
	}
	return key, nil
}

// CleanInsertion removes a marker. Idempotent.
func (il *Interlock) CleanInsertion(ctx context.Context, markerKey string) error {
	return il.Store.Delete(ctx, markerKey)
}

// CheckCanInsertData reports whether it is still safe to commit a
// manifest write whose marker is markerKey: false means a collection
// pass started after the marker was created and the write must retry.
// The epoch record outlives the pass that wrote it, so a marker that
// predates an already-finished collection is still rejected; an absent
// epoch means no collection has ever run for this name.
func (il *Interlock) CheckCanInsertData(ctx context.Context, name, markerKey string) (bool, error) {
	markedAt, err := il.readTimestamp(ctx, markerKey)
	if err != nil {
		if objectstore.IsNotFound(err) {
			// Marker already expired or was cleaned; treat conservatively
			// as "cannot prove safety" so the caller retries.
			return false, nil
		}
		return false, fmt.Errorf("gc: check can insert: %w", err)
	}

	epochStart, ok, err := il.readEpochStart(ctx, name)
	if err != nil {
		return false, fmt.Errorf("gc: check can insert: %w", err)
	}
	if !ok {
		return true, nil
	}

	return epochStart.Before(markedAt), nil
}

func (il *Interlock) readTimestamp(ctx context.Context, key string) (time.Time, error) {
	obj, err := il.Store.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	defer obj.Body.Close()
	b, err := io.ReadAll(obj.Body)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, string(b))
}

func (il *Interlock) readEpochStart(ctx context.Context, name string) (time.Time, bool, error) {
	t, err := il.readTimestamp(ctx, epochKey(name))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Collector runs collection passes.
type Collector struct {
	Store     objectstore.Store
	Interlock *Interlock
}

// NewCollector builds a Collector over store, sharing its interlock.
func NewCollector(store objectstore.Store, il *Interlock) *Collector {
	return &Collector{Store: store, Interlock: il}
}

// Collect runs one best-effort pass for (name, mode). It returns false
// without deleting anything if an insertion marker for name is newer
// than this pass's own start epoch. The start epoch is left behind
// after the pass so that a manifest write whose marker predates it is
// rejected at its commit barrier even after collection has finished.
func (c *Collector) Collect(ctx context.Context, name string, mode Mode) (bool, error) {
	start := time.Now().UTC()
	prevEpoch, hadPrev, err := c.Interlock.readEpochStart(ctx, name)
	if err != nil {
		return false, fmt.Errorf("gc: collect: %w", err)
	}
	if err := c.writeEpochStart(ctx, name, start); err != nil {
		return false, fmt.Errorf("gc: collect: %w", err)
	}

	racing, err := c.hasNewerInsertion(ctx, name, start)
	if err != nil {
		return false, fmt.Errorf("gc: collect: %w", err)
	}
	if racing {
		// Nothing was deleted, so writers that predate this aborted
		// pass are still safe: put the previous epoch back.
		if restoreErr := c.restoreEpoch(ctx, name, prevEpoch, hadPrev); restoreErr != nil {
			return false, fmt.Errorf("gc: collect: %w", restoreErr)
		}
		return false, nil
	}

	switch mode {
	case ModeUnreferenced:
		if err := c.collectUnreferenced(ctx, name); err != nil {
			return false, fmt.Errorf("gc: collect unreferenced: %w", err)
		}
	case ModeUntagged:
		if err := c.collectUntagged(ctx, name); err != nil {
			return false, fmt.Errorf("gc: collect untagged: %w", err)
		}
	default:
		return false, fmt.Errorf("gc: unknown mode %q", mode)
	}

	return true, nil
}

// restoreEpoch undoes a pass's epoch write after an abort that deleted
// nothing.
func (c *Collector) restoreEpoch(ctx context.Context, name string, prev time.Time, hadPrev bool) error {
	if hadPrev {
		return c.writeEpochStart(ctx, name, prev)
	}
	return c.Store.Delete(ctx, epochKey(name))
}

func (c *Collector) writeEpochStart(ctx context.Context, name string, t time.Time) error {
	body := strings.NewReader(t.Format(time.RFC3339Nano))
	return c.Store.Put(ctx, epochKey(name), body, int64(body.Len()), objectstore.PutOptions{})
}

func (c *Collector) hasNewerInsertion(ctx context.Context, name string, epochStart time.Time) (bool, error) {
	keys, err := listAll(ctx, c.Store, markerPrefix(name))
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		markedAt, err := c.Interlock.readTimestamp(ctx, k)
		if err != nil {
			if objectstore.IsNotFound(err) {
				continue
			}
			return false, err
		}
		if markedAt.After(epochStart) {
			return true, nil
		}
	}
	return false, nil
}

func manifestPrefix(name string) string { return name + "/manifests/" }
func blobPrefix(name string) string     { return name + "/blobs/" }

// isDigestRef reports whether the final path segment of key is itself a
// content digest (as opposed to a tag name).
func isDigestRef(key string) bool {
	return strings.HasPrefix(path.Base(key), "sha256:")
}

// referencedBlobs parses every digest-addressed manifest under name and
// unions the blob digests they reference.
func (c *Collector) referencedBlobs(ctx context.Context, name string, onlyDigests map[string]bool) (map[string]bool, error) {
	keys, err := listAll(ctx, c.Store, manifestPrefix(name))
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]bool)
	for _, k := range keys {
		if !isDigestRef(k) {
			continue
		}
		digest := path.Base(k)
		if onlyDigests != nil && !onlyDigests[digest] {
			continue
		}
		m, err := c.parseManifest(ctx, k)
		if err != nil {
			continue
		}
		for _, d := range m.Layers() {
			referenced[d.Digest] = true
		}
	}
	return referenced, nil
}

func (c *Collector) parseManifest(ctx context.Context, key string) (*manifest.Manifest, error) {
	obj, err := c.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()
	b, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(b)
}

// collectUnreferenced deletes blobs no manifest in name references.
func (c *Collector) collectUnreferenced(ctx context.Context, name string) error {
	referenced, err := c.referencedBlobs(ctx, name, nil)
	if err != nil {
		return err
	}

	blobKeys, err := listAll(ctx, c.Store, blobPrefix(name))
	if err != nil {
		return err
	}

	var toDelete []string
	for _, k := range blobKeys {
		if !referenced[path.Base(k)] {
			toDelete = append(toDelete, k)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	wp := pool.NewWorkerPool(ctx, deleteWorkers)
	go func() {
		for _, k := range toDelete {
			k := k
			wp.Submit(func(ctx context.Context) error { return c.Store.Delete(ctx, k) })
		}
		wp.Stop()
	}()

	var firstErr error
	for range toDelete {
		if err := <-wp.Results(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// collectUntagged deletes manifests no tag resolves to, then runs an
// unreferenced pass that deletes every blob no remaining manifest
// references, including blobs no manifest ever referenced.
func (c *Collector) collectUntagged(ctx context.Context, name string) error {
	keys, err := listAll(ctx, c.Store, manifestPrefix(name))
	if err != nil {
		return err
	}

	tagged := make(map[string]bool)
	var digestKeys []string
	for _, k := range keys {
		if isDigestRef(k) {
			digestKeys = append(digestKeys, k)
			continue
		}
		meta, err := c.Store.Head(ctx, k)
		if err != nil {
			continue
		}
		tagged[meta.SHA256] = true
	}

	for _, k := range digestKeys {
		if tagged[path.Base(k)] {
			continue
		}
		if err := c.Store.Delete(ctx, k); err != nil {
			return err
		}
	}

	return c.collectUnreferenced(ctx, name)
}

func listAll(ctx context.Context, store objectstore.Store, prefix string) ([]string, error) {
	var all []string
	cursor := ""
	for {
		res, err := store.List(ctx, prefix, cursor, "", 1000)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Keys...)
		if res.NextCursor == "" {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

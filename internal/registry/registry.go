// Package registry implements the manifest and mount engine: reading
// and writing manifests and blobs, and the cross-repository blob mount
// that stores a symlink instead of copying bytes.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/regvault/regvault/internal/digestutil"
	"github.com/regvault/regvault/internal/gc"
	"github.com/regvault/regvault/internal/manifest"
	"github.com/regvault/regvault/internal/objectstore"
	"github.com/regvault/regvault/internal/regerr"
)

// SymlinkHeader is the custom-metadata key marking a blob object as a
// pointer to another repository's copy of the same digest.
const SymlinkHeader = "symlink-target-repo"

// PutManifestOptions configures a PutManifest call.
type PutManifestOptions struct {
	ContentType string
	CheckLayers bool
}

// PutManifestResult is returned once a manifest is durably stored.
type PutManifestResult struct {
	Digest   string
	Location string
}

// ManifestObject is the public shape of a fetched manifest.
type ManifestObject struct {
	Stream      io.ReadCloser
	Digest      string
	Size        int64
	ContentType string
}

// ManifestMeta is the public shape of a manifestExists check.
type ManifestMeta struct {
	Digest      string
	Size        int64
	ContentType string
}

// LayerObject is the public shape of a fetched blob.
type LayerObject struct {
	Stream io.ReadCloser
	Digest string
	Size   int64
}

// LayerMeta is the public shape of a layerExists check.
type LayerMeta struct {
	Digest string
	Size   int64
}

// MountResult is returned once a cross-repository mount is recorded.
type MountResult struct {
	Digest   string
	Location string
}

// Engine implements the manifest and mount operations over an object
// store and the garbage-collector interlock.
type Engine struct {
	Store     objectstore.Store
	Interlock *gc.Interlock
}

// New builds an Engine.
func New(store objectstore.Store, interlock *gc.Interlock) *Engine {
	return &Engine{Store: store, Interlock: interlock}
}

func manifestKey(name, reference string) string { return fmt.Sprintf("%s/manifests/%s", name, reference) }
func blobKey(name, digest string) string        { return fmt.Sprintf("%s/blobs/%s", name, digest) }

// PutManifest validates, registers with the GC, and durably writes a
// manifest under both its digest and the caller's reference.
func (e *Engine) PutManifest(ctx context.Context, name, reference string, stream io.Reader, opts PutManifestOptions) (*PutManifestResult, error) {
	markerKey, err := e.Interlock.MarkForInsertion(ctx, name)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "putManifest", err)
	}
	defer e.Interlock.CleanInsertion(ctx, markerKey)

	hr := digestutil.NewHashingReader(stream)
	body, err := io.ReadAll(hr)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "putManifest", err)
	}
	digest := hr.Digest()

	parsed, err := manifest.Parse(body)
	if err != nil {
		return nil, regerr.New(regerr.KindManifest, "putManifest", err)
	}

	if opts.CheckLayers {
		if err := e.checkLayers(ctx, name, parsed); err != nil {
			return nil, err
		}
	}

	canInsert, err := e.Interlock.CheckCanInsertData(ctx, name, markerKey)
	if err != nil {
		return nil, regerr.New(regerr.KindServer, "putManifest", err)
	}
	if !canInsert {
		return nil, regerr.New(regerr.KindServer, "putManifest", fmt.Errorf("garbage collection raced with this write, retry"))
	}

	keys := []string{manifestKey(name, digest)}
	if reference != digest {
		keys = append(keys, manifestKey(name, reference))
	}
	if err := e.writeAll(ctx, keys, body, opts.ContentType, digest); err != nil {
		return nil, regerr.New(regerr.KindServer, "putManifest", err)
	}

	return &PutManifestResult{Digest: digest, Location: manifestKey(name, digest)}, nil
}

// checkLayers verifies that every blob/child manifest a manifest
// references already exists.
func (e *Engine) checkLayers(ctx context.Context, name string, m *manifest.Manifest) error {
	for _, d := range m.Layers() {
		if _, err := e.Store.Head(ctx, blobKey(name, d.Digest)); err != nil {
			if objectstore.IsNotFound(err) {
				return regerr.New(regerr.KindManifest, "putManifest", fmt.Errorf("BLOB_UNKNOWN: %s", d.Digest))
			}
			return regerr.New(regerr.KindServer, "putManifest", err)
		}
	}
	for _, d := range m.ChildManifests() {
		if _, err := e.Store.Head(ctx, manifestKey(name, d.Digest)); err != nil {
			if objectstore.IsNotFound(err) {
				return regerr.New(regerr.KindManifest, "putManifest", fmt.Errorf("MANIFEST_UNKNOWN: %s", d.Digest))
			}
			return regerr.New(regerr.KindServer, "putManifest", err)
		}
	}
	return nil
}

// writeAll writes body to every key in parallel. Both keys are
// idempotent targets (content-addressed or client-named), so a retry
// after a partial failure is always safe.
func (e *Engine) writeAll(ctx context.Context, keys []string, body []byte, contentType, digest string) error {
	errCh := make(chan error, len(keys))
	for _, k := range keys {
		k := k
		go func() {
			errCh <- e.Store.Put(ctx, k, bytes.NewReader(body), int64(len(body)), objectstore.PutOptions{
				ContentType: contentType,
				SHA256:      digest,
			})
		}()
	}
	var firstErr error
	for range keys {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetManifest fetches a manifest by tag or digest.
func (e *Engine) GetManifest(ctx context.Context, name, reference string) (*ManifestObject, error) {
	obj, err := e.Store.Get(ctx, manifestKey(name, reference))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, regerr.New(regerr.KindNotFound, "getManifest", fmt.Errorf("MANIFEST_UNKNOWN: %s/%s", name, reference))
		}
		return nil, regerr.New(regerr.KindServer, "getManifest", err)
	}
	return &ManifestObject{
		Stream:      obj.Body,
		Digest:      obj.SHA256,
		Size:        obj.Size,
		ContentType: obj.ContentType,
	}, nil
}

// ManifestExists checks presence without fetching the body.
func (e *Engine) ManifestExists(ctx context.Context, name, reference string) (*ManifestMeta, bool, error) {
	meta, err := e.Store.Head(ctx, manifestKey(name, reference))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, regerr.New(regerr.KindServer, "manifestExists", err)
	}
	return &ManifestMeta{Digest: meta.SHA256, Size: meta.Size, ContentType: meta.ContentType}, true, nil
}

// GetLayer fetches a blob by digest, following a symlink marker at most
// one level. A self-referential link is rejected as BLOB_UNKNOWN.
func (e *Engine) GetLayer(ctx context.Context, name, digest string) (*LayerObject, error) {
	obj, err := e.Store.Get(ctx, blobKey(name, digest))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, regerr.New(regerr.KindNotFound, "getLayer", fmt.Errorf("BLOB_UNKNOWN: %s/%s", name, digest))
		}
		return nil, regerr.New(regerr.KindServer, "getLayer", err)
	}

	targetRepo, isSymlink := obj.CustomMeta[SymlinkHeader]
	if !isSymlink {
		return &LayerObject{Stream: obj.Body, Digest: digest, Size: obj.Size}, nil
	}
	obj.Body.Close()

	if targetRepo == name {
		return nil, regerr.New(regerr.KindBlob, "getLayer", fmt.Errorf("BLOB_UNKNOWN: self-referential symlink %s/%s", name, digest))
	}

	target, err := e.Store.Get(ctx, blobKey(targetRepo, digest))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, regerr.New(regerr.KindNotFound, "getLayer", fmt.Errorf("BLOB_UNKNOWN: %s/%s", name, digest))
		}
		return nil, regerr.New(regerr.KindServer, "getLayer", err)
	}
	return &LayerObject{Stream: target.Body, Digest: digest, Size: target.Size}, nil
}

// LayerExists checks blob presence, resolving one level of symlink.
func (e *Engine) LayerExists(ctx context.Context, name, digest string) (*LayerMeta, bool, error) {
	meta, err := e.Store.Head(ctx, blobKey(name, digest))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, regerr.New(regerr.KindServer, "layerExists", err)
	}

	if targetRepo, ok := meta.CustomMeta[SymlinkHeader]; ok {
		if targetRepo == name {
			return nil, false, nil
		}
		target, err := e.Store.Head(ctx, blobKey(targetRepo, digest))
		if err != nil {
			if objectstore.IsNotFound(err) {
				return nil, false, nil
			}
			return nil, false, regerr.New(regerr.KindServer, "layerExists", err)
		}
		return &LayerMeta{Digest: digest, Size: target.Size}, true, nil
	}

	return &LayerMeta{Digest: digest, Size: meta.Size}, true, nil
}

// MountExistingLayer records destName's copy of digest as a symlink to
// its ultimate source, resolving transitively so the written symlink
// never itself points at another symlink.
func (e *Engine) MountExistingLayer(ctx context.Context, sourceName, digest, destName string) (*MountResult, error) {
	if sourceName == destName {
		return nil, regerr.New(regerr.KindClient, "mountExistingLayer", fmt.Errorf("source and destination repository are identical"))
	}

	srcMeta, err := e.Store.Head(ctx, blobKey(sourceName, digest))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, regerr.New(regerr.KindNotFound, "mountExistingLayer", fmt.Errorf("BLOB_UNKNOWN: %s/%s", sourceName, digest))
		}
		return nil, regerr.New(regerr.KindServer, "mountExistingLayer", err)
	}

	resolvedSource := sourceName
	if targetRepo, ok := srcMeta.CustomMeta[SymlinkHeader]; ok {
		resolvedSource = targetRepo
	}
	if resolvedSource == destName {
		return nil, regerr.New(regerr.KindClient, "mountExistingLayer", fmt.Errorf("mount would create a self-referential symlink"))
	}

	destKey := blobKey(destName, digest)
	body := resolvedSource + "/blobs/" + digest
	if err := e.Store.Put(ctx, destKey, strings.NewReader(body), int64(len(body)), objectstore.PutOptions{
		CustomMeta: map[string]string{SymlinkHeader: resolvedSource},
	}); err != nil {
		return nil, regerr.New(regerr.KindServer, "mountExistingLayer", err)
	}

	return &MountResult{Digest: digest, Location: destKey}, nil
}

// ListRepositories pages through every distinct repository name that
// has at least one manifest or blob, inferred from key prefixes.
func (e *Engine) ListRepositories(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	res, err := e.Store.List(ctx, "", cursor, "", limit)
	if err != nil {
		return nil, "", regerr.New(regerr.KindServer, "listRepositories", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, k := range res.Keys {
		name := repoNameOf(k)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, res.NextCursor, nil
}

// repoNameOf strips the trailing /manifests/... or /blobs/... segment
// off an object key. Only those two key shapes name a repository:
// internal namespaces (anything under a leading underscore, such as the
// GC markers), in-flight upload state and scratch objects all map to
// nothing rather than surfacing half-pushed repositories in the catalog.
func repoNameOf(key string) string {
	if strings.HasPrefix(key, "_") {
		return ""
	}
	for _, marker := range []string{"/manifests/", "/blobs/"} {
		if i := strings.Index(key, marker); i >= 0 {
			return key[:i]
		}
	}
	return ""
}

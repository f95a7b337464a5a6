// Package uploadstate implements the upload-state codec: the cursor
// that lets a resumable chunked blob upload survive across requests on
// a stateless front end, plus the fingerprint that is the upload's only
// concurrency-control token.
package uploadstate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/regvault/regvault/internal/objectstore"
)

// ChunkKind tags a Chunk record with which branch of the reconciler
// produced it.
type ChunkKind string

const (
	// KindMultiPartEqual is a store part whose size matches every
	// contiguous predecessor of the same kind.
	KindMultiPartEqual ChunkKind = "equal"
	// KindMultiPartShrunk is a part smaller than its predecessor. In full
	// compatibility mode its bytes are also held at ScratchKey for later
	// repair; otherwise ScratchKey is empty.
	KindMultiPartShrunk ChunkKind = "shrunk"
	// KindSmallTrailing is a part below the store's minimum part size.
	// In full compatibility mode its bytes are also held at ScratchKey;
	// otherwise ScratchKey is empty.
	KindSmallTrailing ChunkKind = "small_trailing"
)

// Chunk records one store part the reconciler created, so Chunks and
// Parts always have the same length; an append that is split yields
// one Chunk per resulting part. It is a tagged union flattened into one
// struct since Go has no sum types.
type Chunk struct {
	Kind       ChunkKind `json:"kind"`
	Size       int64     `json:"size"`
	UploadID   string    `json:"upload_id"`
	ScratchKey string    `json:"scratch_key,omitempty"`
}

// State is the cursor for one in-flight chunked blob upload.
type State struct {
	RegistryUploadID string                `json:"registry_upload_id"`
	StoreUploadID    string                `json:"store_upload_id"`
	Name             string                `json:"name"`
	ByteRange        int64                 `json:"byte_range"`
	Parts            []objectstore.Part    `json:"parts"`
	Chunks           []Chunk               `json:"chunks"`
	CreatedAt        time.Time             `json:"created_at"`
}

// Last returns the most recent chunk, or nil if the upload has no
// chunks yet.
func (s *State) Last() *Chunk {
	if len(s.Chunks) == 0 {
		return nil
	}
	return &s.Chunks[len(s.Chunks)-1]
}

// TTL is how long an encoded state token is considered fresh. It is
// advisory only: an expired state key may still exist in the store and
// is treated as authoritative regardless.
const TTL = 2 * time.Hour

// stateKey is where the authoritative copy of an upload's state lives.
func stateKey(name, uploadID string) string {
	return fmt.Sprintf("%s/uploads/%s", name, uploadID)
}

// Codec persists and reloads upload state against an ObjectStore.
type Codec struct {
	Store objectstore.Store
}

// New builds a Codec over store.
func New(store objectstore.Store) *Codec {
	return &Codec{Store: store}
}

// Encode serializes state, writes it as the authoritative copy at
// <name>/uploads/<uuid>, and returns the encoded token plus its
// fingerprint. There is no signing: freshness comes from the
// object-store write itself, and the fingerprint is simply SHA-256 of
// the canonical encoded bytes.
func (c *Codec) Encode(ctx context.Context, state *State) (token string, fingerprint string, err error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", "", fmt.Errorf("uploadstate encode: %w", err)
	}

	key := stateKey(state.Name, state.RegistryUploadID)
	if err := c.Store.Put(ctx, key, bytes.NewReader(b), int64(len(b)), objectstore.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return "", "", fmt.Errorf("uploadstate encode: persist: %w", err)
	}

	return string(b), fingerprintOf(b), nil
}

// Result is the outcome of Decode when the state is present, whether or
// not it matched the caller's expected fingerprint.
type Result struct {
	State       *State
	Token       string
	Fingerprint string
}

var (
	// ErrMissing means no authoritative state exists for this upload.
	ErrMissing = fmt.Errorf("uploadstate: missing")
)

// StaleError is returned when the caller's expectedFingerprint does not
// match the authoritative one. It carries the current state so the
// caller can build a Range error with the real resume cursor.
type StaleError struct {
	Current *Result
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("uploadstate: stale fingerprint, current byte range %d", e.Current.State.ByteRange)
}

// Decode fetches the authoritative copy for (name, uploadID). If
// expectedFingerprint is non-empty and does not match, it returns a
// *StaleError wrapping the current state. If no state exists, it
// returns ErrMissing.
func (c *Codec) Decode(ctx context.Context, name, uploadID, expectedFingerprint string) (*Result, error) {
	key := stateKey(name, uploadID)
	obj, err := c.Store.Get(ctx, key)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("uploadstate decode: %w", err)
	}
	defer obj.Body.Close()

	b, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("uploadstate decode: read: %w", err)
	}

	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("uploadstate decode: unmarshal: %w", err)
	}

	fp := fingerprintOf(b)
	result := &Result{State: &st, Token: string(b), Fingerprint: fp}

	if expectedFingerprint != "" && expectedFingerprint != fp {
		return nil, &StaleError{Current: result}
	}

	return result, nil
}

// Delete removes the authoritative state copy. Idempotent.
func (c *Codec) Delete(ctx context.Context, name, uploadID string) error {
	return c.Store.Delete(ctx, stateKey(name, uploadID))
}

func fingerprintOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Package regerr classifies errors raised by the registry storage engine
// into the kinds the HTTP dispatcher needs to branch on.
package regerr

import (
	"errors"
	"fmt"
)

// Kind is one of the semantic error categories the engine can return.
type Kind string

const (
	// KindRange means the caller's fingerprint or HTTP range was stale
	// or invalid; the error carries the authoritative cursor to resume from.
	KindRange Kind = "range"
	// KindManifest means a manifest failed to parse or validate, or a
	// referenced blob/child manifest is missing.
	KindManifest Kind = "manifest"
	// KindBlob means a referenced layer is absent.
	KindBlob Kind = "blob"
	// KindServer means the object store failed, an invariant was
	// violated, or a GC race was lost. Retriable.
	KindServer Kind = "server"
	// KindInternal means a programmer error. Not retriable, and the
	// message must never leak caller-supplied data.
	KindInternal Kind = "internal"
	// KindNotFound means the referenced resource does not exist.
	KindNotFound Kind = "notfound"
	// KindClient means the request itself is malformed in a way no
	// retry will fix (e.g. mounting a blob onto its own source).
	KindClient Kind = "client"
)

// Error is the taxonomy-carrying error type every exported engine
// operation wraps its failures in.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Range carries the authoritative resume cursor for KindRange errors.
	Range *RangeInfo
}

// RangeInfo is the structured payload attached to a KindRange error:
// the caller can resume an upload from here.
type RangeInfo struct {
	Fingerprint string
	ByteRange   int64
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &regerr.Error{Kind: regerr.KindServer}) match
// any *Error of the same Kind, ignoring the target's Op and Err.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New wraps err (which may be nil) with a kind and an operation label.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewRange builds a KindRange error carrying the resume cursor.
func NewRange(op, fingerprint string, byteRange int64) *Error {
	return &Error{
		Kind:  KindRange,
		Op:    op,
		Range: &RangeInfo{Fingerprint: fingerprint, ByteRange: byteRange},
	}
}

// KindOf extracts the Kind from err, defaulting to KindServer for any
// error this package didn't produce: an unclassified object-store
// failure is still retriable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}

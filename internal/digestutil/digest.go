// Package digestutil provides the streaming hashing and stream-shaping
// primitives the chunk reconciler and upload orchestrator build on: a
// pass-through SHA-256 reader producing the registry digest format, an
// exact-length limiter, a lazy splitter, and a bounded buffer.
package digestutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/regvault/regvault/pkg/pool"
)

// Prefix is prepended to every digest string this package produces.
const Prefix = "sha256:"

// HashingReader wraps a reader, computing a running SHA-256 over every
// byte read through it while passing the bytes on unmodified.
type HashingReader struct {
	r    io.Reader
	h    hash.Hash
	read int64
}

// NewHashingReader wraps r so that Digest() is valid once r has been
// fully consumed.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.read += int64(n)
	}
	return n, err
}

// Digest returns the lowercase sha256:<hex> digest of everything read so far.
func (hr *HashingReader) Digest() string {
	return Prefix + hex.EncodeToString(hr.h.Sum(nil))
}

// BytesRead returns the number of bytes this reader has yielded.
func (hr *HashingReader) BytesRead() int64 { return hr.read }

// SHA256 computes the sha256:<hex> digest of an already-materialized
// byte slice, for the common case of hashing a buffered manifest body.
func SHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

// LimitReader yields exactly the first n bytes of r, or fails if r is
// shorter than n. Unlike io.LimitReader, a short source is an error: the
// caller asked for a chunk of a specific size and a truncated read would
// otherwise silently corrupt the upload.
func LimitReader(r io.Reader, n int64) io.Reader {
	return &limitedReader{r: r, remaining: n}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if err == io.EOF && l.remaining > 0 {
		return n, fmt.Errorf("digestutil: source exhausted with %d bytes still expected", l.remaining)
	}
	return n, err
}

// Piece is one element of a Split partition: a bounded view over the
// source plus its declared size.
type Piece struct {
	Reader io.Reader
	Size   int64
}

// Split lazily partitions a stream of totalSize bytes into pieces of
// pieceSize, with the final piece carrying the remainder. Each Piece's
// Reader must be fully read before the next one becomes valid, since
// they all draw from the same underlying source.
func Split(r io.Reader, totalSize, pieceSize int64) []Piece {
	if pieceSize <= 0 {
		return nil
	}
	n := (totalSize + pieceSize - 1) / pieceSize
	pieces := make([]Piece, 0, n)
	remaining := totalSize
	for remaining > 0 {
		size := pieceSize
		if remaining < size {
			size = remaining
		}
		pieces = append(pieces, Piece{Reader: LimitReader(r, size), Size: size})
		remaining -= size
	}
	return pieces
}

var scratchPool = pool.NewBufferPool(int(32*1024), 0)

// Buffer materializes a bounded stream of exactly size bytes. Used by
// the reconciler's repair path to recover scratch bytes before
// re-splitting them; the largest chunk it is ever called with is one
// maximum-sized store part.
func Buffer(r io.Reader, size int64) ([]byte, error) {
	buf := make([]byte, size)
	got := 0
	for got < len(buf) {
		tmp := scratchPool.Get()
		n, err := r.Read(tmp)
		if n > 0 {
			copy(buf[got:], tmp[:n])
			got += n
		}
		scratchPool.Put(tmp)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("digestutil: buffer: %w", err)
		}
	}
	if int64(got) != size {
		return nil, fmt.Errorf("digestutil: buffer: short read, wanted %d got %d", size, got)
	}
	return buf, nil
}

package digestutil

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashingReader(t *testing.T) {
	data := make([]byte, 1<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	hr := NewHashingReader(bytes.NewReader(data))
	_, err = io.Copy(io.Discard, hr)
	require.NoError(t, err)

	require.Equal(t, SHA256(data), hr.Digest())
	require.Equal(t, int64(len(data)), hr.BytesRead())
}

func TestLimitReaderShortSourceErrors(t *testing.T) {
	r := LimitReader(bytes.NewReader([]byte("short")), 100)
	_, err := io.ReadAll(r)
	require.Error(t, err)
}

func TestLimitReaderExactSource(t *testing.T) {
	data := []byte("exactly ten")
	r := LimitReader(bytes.NewReader(data), int64(len(data)))
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, b)
}

func TestSplit(t *testing.T) {
	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}

	pieces := Split(bytes.NewReader(data), int64(len(data)), 10)
	require.Len(t, pieces, 3)
	require.Equal(t, int64(10), pieces[0].Size)
	require.Equal(t, int64(10), pieces[1].Size)
	require.Equal(t, int64(5), pieces[2].Size)

	var got []byte
	for _, p := range pieces {
		b, err := io.ReadAll(p.Reader)
		require.NoError(t, err)
		got = append(got, b...)
	}
	require.Equal(t, data, got)
}

func TestBuffer(t *testing.T) {
	data := make([]byte, 70000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	got, err := Buffer(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBufferShortReadErrors(t *testing.T) {
	_, err := Buffer(bytes.NewReader([]byte("too short")), 1000)
	require.Error(t, err)
}

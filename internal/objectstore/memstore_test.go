package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetRoundTrip(t *testing.T) {
	m := NewMemory()
	data := []byte("hello registry")

	err := m.Put(context.Background(), "repo/blobs/sha256:x", bytes.NewReader(data), int64(len(data)), PutOptions{})
	require.NoError(t, err)

	obj, err := m.Get(context.Background(), "repo/blobs/sha256:x")
	require.NoError(t, err)
	defer obj.Body.Close()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestMemoryGetMissingReturnsNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestMemoryMultipartRejectsSubMinimumNonFinalPart(t *testing.T) {
	m := NewMemory()
	id, err := m.CreateMultipart(context.Background(), "uuid-1")
	require.NoError(t, err)

	mpu, err := m.ResumeMultipart(context.Background(), "uuid-1", id)
	require.NoError(t, err)

	small := bytes.Repeat([]byte{1}, 1024)
	_, err = mpu.UploadPart(context.Background(), 1, bytes.NewReader(small), int64(len(small)))
	require.NoError(t, err)

	last := bytes.Repeat([]byte{2}, 10)
	_, err = mpu.UploadPart(context.Background(), 2, bytes.NewReader(last), int64(len(last)))
	require.NoError(t, err)

	err = mpu.Complete(context.Background(), []Part{{PartNumber: 1}, {PartNumber: 2}})
	require.Error(t, err)
}

func TestMemoryMultipartCompleteConcatenatesInOrder(t *testing.T) {
	m := NewMemory()
	id, err := m.CreateMultipart(context.Background(), "uuid-2")
	require.NoError(t, err)
	mpu, err := m.ResumeMultipart(context.Background(), "uuid-2", id)
	require.NoError(t, err)

	p1 := bytes.Repeat([]byte{0xAA}, MinPartSize)
	p2 := []byte("trailer")

	part1, err := mpu.UploadPart(context.Background(), 1, bytes.NewReader(p1), int64(len(p1)))
	require.NoError(t, err)
	part2, err := mpu.UploadPart(context.Background(), 2, bytes.NewReader(p2), int64(len(p2)))
	require.NoError(t, err)

	require.NoError(t, mpu.Complete(context.Background(), []Part{part1, part2}))

	obj, err := m.Get(context.Background(), "uuid-2")
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, p1...), p2...), got)
}

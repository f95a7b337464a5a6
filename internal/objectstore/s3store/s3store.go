// Package s3store implements objectstore.Store against an S3-compatible
// bucket, reusing the connection pool for client fan-out across
// concurrent registry requests.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/regvault/regvault/internal/objectstore"
	"github.com/regvault/regvault/pkg/pool"
)

// Store implements objectstore.Store against a single bucket, drawing
// S3 clients from a pool.ConnectionPool keyed by object key so repeated
// calls against the same upload tend to land on the same client.
type Store struct {
	Pool   *pool.ConnectionPool
	Bucket string
}

// New builds a Store. cp must already be initialized (pool.NewConnectionPool).
func New(cp *pool.ConnectionPool, bucket string) *Store {
	return &Store{Pool: cp, Bucket: bucket}
}

func (s *Store) client(key string) *s3.Client {
	return s.Pool.GetClientByKey(key)
}

func (s *Store) Head(ctx context.Context, key string) (*objectstore.ObjectMeta, error) {
	out, err := s.client(key).HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.Pool.RecordError()
		if isNotFound(err) {
			return nil, &objectstore.ErrNotFound{Key: key}
		}
		return nil, fmt.Errorf("s3store: head %s: %w", key, err)
	}

	return &objectstore.ObjectMeta{
		Size:        aws.ToInt64(out.ContentLength),
		SHA256:      out.Metadata["sha256"],
		ContentType: aws.ToString(out.ContentType),
		CustomMeta:  out.Metadata,
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (*objectstore.ObjectBody, error) {
	out, err := s.client(key).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.Pool.RecordError()
		if isNotFound(err) {
			return nil, &objectstore.ErrNotFound{Key: key}
		}
		return nil, fmt.Errorf("s3store: get %s: %w", key, err)
	}

	return &objectstore.ObjectBody{
		ObjectMeta: objectstore.ObjectMeta{
			Size:        aws.ToInt64(out.ContentLength),
			SHA256:      out.Metadata["sha256"],
			ContentType: aws.ToString(out.ContentType),
			CustomMeta:  out.Metadata,
		},
		Body: out.Body,
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, opts objectstore.PutOptions) error {
	meta := map[string]string{}
	for k, v := range opts.CustomMeta {
		meta[k] = v
	}
	if opts.SHA256 != "" {
		meta["sha256"] = opts.SHA256
	}

	_, err := s.client(key).PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          readSeekerOrWrap(r),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(opts.ContentType),
		Metadata:      meta,
	})
	if err != nil {
		s.Pool.RecordError()
		return fmt.Errorf("s3store: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix, cursor, startAfter string, limit int) (*objectstore.ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}
	if startAfter != "" {
		in.StartAfter = aws.String(startAfter)
	}
	if limit > 0 {
		in.MaxKeys = aws.Int32(int32(limit))
	}

	out, err := s.client(prefix).ListObjectsV2(ctx, in)
	if err != nil {
		s.Pool.RecordError()
		return nil, fmt.Errorf("s3store: list %s: %w", prefix, err)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}

	next := ""
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}

	return &objectstore.ListResult{Keys: keys, NextCursor: next}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client(key).DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.Pool.RecordError()
		return fmt.Errorf("s3store: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client(key).CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.Pool.RecordError()
		return "", fmt.Errorf("s3store: create multipart %s: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *Store) ResumeMultipart(ctx context.Context, key, storeUploadID string) (objectstore.MultipartUpload, error) {
	return &multipart{store: s, key: key, uploadID: storeUploadID}, nil
}

type multipart struct {
	store    *Store
	key      string
	uploadID string
}

func (m *multipart) UploadPart(ctx context.Context, partNumber int, r io.Reader, size int64) (objectstore.Part, error) {
	out, err := m.store.client(m.key).UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(m.store.Bucket),
		Key:           aws.String(m.key),
		UploadId:      aws.String(m.uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          readSeekerOrWrap(r),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		m.store.Pool.RecordError()
		return objectstore.Part{}, fmt.Errorf("s3store: upload part %d: %w", partNumber, err)
	}
	return objectstore.Part{PartNumber: partNumber, ETag: aws.ToString(out.ETag)}, nil
}

func (m *multipart) Complete(ctx context.Context, parts []objectstore.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		})
	}

	_, err := m.store.client(m.key).CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(m.store.Bucket),
		Key:             aws.String(m.key),
		UploadId:        aws.String(m.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		m.store.Pool.RecordError()
		return fmt.Errorf("s3store: complete multipart: %w", err)
	}
	return nil
}

func (m *multipart) Abort(ctx context.Context) error {
	_, err := m.store.client(m.key).AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(m.store.Bucket),
		Key:      aws.String(m.key),
		UploadId: aws.String(m.uploadID),
	})
	if err != nil {
		m.store.Pool.RecordError()
		return fmt.Errorf("s3store: abort multipart: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// readSeekerOrWrap adapts a plain io.Reader to what the SDK needs. The
// SDK only requires io.Reader for PutObject/UploadPart when a
// ContentLength is supplied, which every caller in this package does.
func readSeekerOrWrap(r io.Reader) io.Reader { return r }

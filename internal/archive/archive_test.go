package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
)

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
	err    error
	short  bool
}

func (f *fakePutter) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64,
	opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket, f.key, f.body, f.opts = bucket, key, body, opts
	if f.short {
		size--
	}
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

var base = time.Date(2017, 3, 1, 9, 0, 0, 0, time.UTC)

func testSamples() []models.Sample {
	synced := base.Add(time.Hour)
	return []models.Sample{
		{ID: 2, Latitude: 51.5, Longitude: -0.12, Accuracy: 5, CapturedAt: base.Add(time.Minute), SyncedAt: &synced},
		{ID: 1, Latitude: 51.4, Longitude: -0.11, Accuracy: 8, CapturedAt: base, SyncedAt: &synced},
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		folder string
		want   string
	}{
		{"", "samples-20170301T090000Z-20170301T100000Z.jsonl"},
		{"alice", "alice/samples-20170301T090000Z-20170301T100000Z.jsonl"},
		{"/alice/locations/", "alice/locations/samples-20170301T090000Z-20170301T100000Z.jsonl"},
		{"alice\\locations", "alice/locations/samples-20170301T090000Z-20170301T100000Z.jsonl"},
	}

	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.folder, base, base.Add(time.Hour)))
		})
	}
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testSamples()[:1]))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, float64(2), got["id"])
	assert.Equal(t, 51.5, got["latitude"])
	assert.Equal(t, "2017-03-01T09:01:00Z", got["captured_at"])
	assert.Equal(t, "2017-03-01T10:00:00Z", got["synced_at"])
}

func TestArchive(t *testing.T) {
	putter := &fakePutter{}
	a := NewWithClient(putter, "backups", "alice", zaptest.NewLogger(t))

	key, err := a.Archive(context.Background(), testSamples())
	require.NoError(t, err)
	assert.Equal(t, "alice/samples-20170301T090000Z-20170301T090100Z.jsonl", key)
	assert.Equal(t, "backups", putter.bucket)
	assert.Equal(t, "application/x-ndjson", putter.opts.ContentType)
	assert.Equal(t, "2", putter.opts.UserMetadata["samples"])

	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(putter.body))
	for scanner.Scan() {
		assert.True(t, json.Valid(scanner.Bytes()))
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestArchiveEmpty(t *testing.T) {
	putter := &fakePutter{}
	key, err := NewWithClient(putter, "backups", "", nil).Archive(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, putter.key)
}

func TestArchiveFailures(t *testing.T) {
	t.Run("upload error", func(t *testing.T) {
		putter := &fakePutter{err: minio.ErrorResponse{Code: "AccessDenied", Message: "denied"}}
		_, err := NewWithClient(putter, "backups", "", zaptest.NewLogger(t)).Archive(context.Background(), testSamples())
		require.Error(t, err)

		var minioErr minio.ErrorResponse
		assert.True(t, errors.As(err, &minioErr))
		assert.Equal(t, "AccessDenied", minioErr.Code)
	})

	t.Run("size mismatch", func(t *testing.T) {
		putter := &fakePutter{short: true}
		_, err := NewWithClient(putter, "backups", "", nil).Archive(context.Background(), testSamples())
		assert.ErrorContains(t, err, "size mismatch")
	})
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Config{Endpoint: "localhost:9000"}, nil)
	assert.Error(t, err)

	a, err := New(Config{Endpoint: "localhost:9000", Bucket: "backups", Region: "us-east-1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)
}

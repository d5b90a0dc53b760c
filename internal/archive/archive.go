// Package archive exports synced samples to S3-compatible object storage
// before they are purged from the local queue.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
)

const keyTimeLayout = "20060102T150405Z"

// Config locates the archive bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	Folder    string
	Region    string
	Secure    bool
	AccessKey string
	SecretKey string
}

// ObjectPutter is the subset of *minio.Client used by the Archiver.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver writes batches of samples as JSON lines objects.
type Archiver struct {
	client ObjectPutter
	bucket string
	folder string
	logger *zap.Logger
}

// New creates an Archiver backed by a MinIO client.
func New(cfg Config, logger *zap.Logger) (*Archiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("archive endpoint and bucket are required")
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Transport:    tr,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return NewWithClient(client, cfg.Bucket, cfg.Folder, logger), nil
}

// NewWithClient creates an Archiver on an existing client.
func NewWithClient(client ObjectPutter, bucket, folder string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		folder: folder,
		logger: logger.Named("archive"),
	}
}

// Archive uploads samples as one object and returns its key.
// An empty slice uploads nothing and returns "".
func (a *Archiver) Archive(ctx context.Context, samples []models.Sample) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	from, to := span(samples)
	key := ObjectKey(a.folder, from, to)

	var buf bytes.Buffer
	if err := Encode(&buf, samples); err != nil {
		return "", err
	}

	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{
			ContentType: "application/x-ndjson",
			UserMetadata: map[string]string{
				"samples": strconv.Itoa(len(samples)),
				"from":    from.Format(time.RFC3339),
				"to":      to.Format(time.RFC3339),
			},
		})
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) {
			a.logger.Error("Archive upload rejected",
				zap.String("code", minioErr.Code),
				zap.String("message", minioErr.Message),
				zap.String("bucket", a.bucket),
				zap.String("key", key))
		}
		return "", fmt.Errorf("failed to upload archive %s: %w", key, err)
	}

	if info.Size != int64(buf.Len()) {
		return "", fmt.Errorf("archive %s size mismatch: expected %d bytes, stored %d", key, buf.Len(), info.Size)
	}

	a.logger.Info("Archived samples",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("samples", len(samples)))
	return key, nil
}

// ObjectKey names the archive object for samples captured between from and to.
func ObjectKey(folder string, from, to time.Time) string {
	name := fmt.Sprintf("samples-%s-%s.jsonl", from.UTC().Format(keyTimeLayout), to.UTC().Format(keyTimeLayout))
	folder = strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

type line struct {
	ID         int64      `json:"id"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Accuracy   float64    `json:"accuracy"`
	CapturedAt time.Time  `json:"captured_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

// Encode writes one JSON object per sample.
func Encode(w io.Writer, samples []models.Sample) error {
	enc := json.NewEncoder(w)
	for _, s := range samples {
		l := line{
			ID:         s.ID,
			Latitude:   s.Latitude,
			Longitude:  s.Longitude,
			Accuracy:   s.Accuracy,
			CapturedAt: s.CapturedAt.UTC(),
		}
		if s.SyncedAt != nil {
			t := s.SyncedAt.UTC()
			l.SyncedAt = &t
		}
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("encode sample %d: %w", s.ID, err)
		}
	}
	return nil
}

func span(samples []models.Sample) (from, to time.Time) {
	from, to = samples[0].CapturedAt, samples[0].CapturedAt
	for _, s := range samples[1:] {
		if s.CapturedAt.Before(from) {
			from = s.CapturedAt
		}
		if s.CapturedAt.After(to) {
			to = s.CapturedAt
		}
	}
	return from, to
}

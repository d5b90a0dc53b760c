package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/hat"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/logging"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/utils"
)

// TimestampLayout is the wire format of sample timestamps, always rendered in UTC.
const TimestampLayout = "2006-01-02T15:04:05-0700"

// ack timestamps come back in several ISO 8601 shapes
var ackLayouts = []string{
	time.RFC3339Nano,
	TimestampLayout,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05Z0700",
}

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("hatsync/location-sample"))

// RecordPoster submits records to the HAT.
type RecordPoster interface {
	PostRecords(ctx context.Context, token string, records []hat.RecordValues) ([]hat.RecordAck, error)
}

// UploadResult is a confirmed batch.
type UploadResult struct {
	// IDs are the identifiers of every submitted sample, in batch order.
	IDs []int64
	// Watermark is the earliest lastUpdated among the acknowledgements.
	Watermark time.Time
}

// Uploader posts batches of samples as HAT records.
type Uploader struct {
	client RecordPoster
	logger *zap.Logger
}

func NewUploader(client RecordPoster, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{client: client, logger: logger.Named("uploader")}
}

// Upload posts all samples in one request. It succeeds only when the HAT
// acknowledges every record with a parseable lastUpdated.
func (u *Uploader) Upload(ctx context.Context, token string, samples []models.Sample, schema *models.SchemaDescriptor) (*UploadResult, error) {
	records, err := BuildRecords(samples, schema)
	if err != nil {
		return nil, err
	}

	acks, err := u.client.PostRecords(ctx, token, records)
	if err != nil {
		kind := KindUploadFailed
		switch {
		case errors.Is(err, hat.ErrTableNotFound):
			kind = KindTableGone
		case errors.Is(err, hat.ErrUnauthorized):
			kind = KindAuthRequired
		}
		u.logger.Warn("Upload failed",
			zap.Int("samples", len(samples)),
			zap.Stringer("kind", kind),
			logging.Error(err))
		return nil, newError(kind, "upload", err)
	}

	watermark, err := earliestAck(acks, len(records))
	if err != nil {
		u.logger.Warn("Upload not acknowledged", zap.Int("samples", len(samples)), logging.Error(err))
		return nil, newError(KindUploadFailed, "upload", err)
	}

	ids := make([]int64, len(samples))
	for i, s := range samples {
		ids[i] = s.ID
	}

	u.logger.Debug("Upload acknowledged",
		zap.Int("records", len(acks)),
		zap.Time("watermark", watermark))
	return &UploadResult{IDs: ids, Watermark: watermark}, nil
}

// BuildRecords converts samples to wire records. Every record of the batch
// uses the same resolved field identifiers.
func BuildRecords(samples []models.Sample, schema *models.SchemaDescriptor) ([]hat.RecordValues, error) {
	if !schema.Complete() {
		var missing []string
		if schema != nil {
			missing = schema.Missing(models.SampleFields)
		}
		return nil, newError(KindSchemaIncomplete, "build records",
			fmt.Errorf("unresolved fields %v", missing))
	}

	refs := make(map[string]hat.FieldRef, len(models.SampleFields))
	for _, key := range models.SampleFields {
		f, _ := schema.Field(key)
		refs[key] = hat.FieldRef{ID: f.RemoteID, Name: f.RemoteName}
	}

	records := make([]hat.RecordValues, 0, len(samples))
	for _, s := range samples {
		captured := FormatTimestamp(s.CapturedAt)
		records = append(records, hat.RecordValues{
			Record: hat.Record{Name: RecordName(s), LastUpdated: captured},
			Values: []hat.Value{
				{Field: refs[models.FieldLatitude], Value: utils.FormatDecimal(s.Latitude)},
				{Field: refs[models.FieldLongitude], Value: utils.FormatDecimal(s.Longitude)},
				{Field: refs[models.FieldAccuracy], Value: utils.FormatDecimal(s.Accuracy)},
				{Field: refs[models.FieldTimestamp], Value: captured},
			},
		})
	}
	return records, nil
}

// RecordName derives a stable record name from the sample's capture time and
// position, so a retried batch re-posts the same names.
func RecordName(s models.Sample) string {
	key := fmt.Sprintf("%d|%s|%s|%s",
		s.CapturedAt.UTC().UnixNano(),
		utils.FormatDecimal(s.Latitude),
		utils.FormatDecimal(s.Longitude),
		utils.FormatDecimal(s.Accuracy))
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the ISO 8601 variants the HAT returns.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range ackLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func earliestAck(acks []hat.RecordAck, submitted int) (time.Time, error) {
	if len(acks) == 0 {
		return time.Time{}, errors.New("empty acknowledgement")
	}
	if len(acks) < submitted {
		return time.Time{}, fmt.Errorf("%d of %d records acknowledged", len(acks), submitted)
	}

	var earliest time.Time
	for i, ack := range acks {
		if ack.Record.LastUpdated == "" {
			return time.Time{}, fmt.Errorf("acknowledgement %d has no lastUpdated", i)
		}
		t, err := ParseTimestamp(ack.Record.LastUpdated)
		if err != nil {
			return time.Time{}, fmt.Errorf("acknowledgement %d: %w", i, err)
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest, nil
}

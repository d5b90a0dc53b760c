// Package ingest accepts location samples from the sensor side and writes
// them to the local queue one at a time.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/logging"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/metrics"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
)

// ErrInvalidSample is returned for samples outside the valid coordinate ranges.
var ErrInvalidSample = errors.New("invalid sample")

// Enqueuer persists a single sample.
type Enqueuer interface {
	Enqueue(ctx context.Context, sample models.Sample) (int64, error)
}

// Recorder validates samples and enqueues them immediately.
// Enqueue failures are logged and the sample is dropped.
type Recorder struct {
	store   Enqueuer
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewRecorder(store Enqueuer, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:   store,
		metrics: m,
		logger:  logger.Named("recorder"),
		now:     time.Now,
	}
}

// Validate checks coordinate ranges and accuracy.
func Validate(s models.Sample) error {
	switch {
	case math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidSample, s.Latitude)
	case math.IsNaN(s.Longitude) || s.Longitude < -180 || s.Longitude > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidSample, s.Longitude)
	case math.IsNaN(s.Accuracy) || math.IsInf(s.Accuracy, 0) || s.Accuracy < 0:
		return fmt.Errorf("%w: accuracy %v", ErrInvalidSample, s.Accuracy)
	}
	return nil
}

// Record stores one sample, stamping it with the current time if it has none.
func (r *Recorder) Record(ctx context.Context, s models.Sample) (int64, error) {
	if err := Validate(s); err != nil {
		r.metrics.IncDropped()
		r.logger.Warn("Dropping invalid sample", logging.Error(err))
		return 0, err
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = r.now()
	}
	s.CapturedAt = s.CapturedAt.UTC()
	s.SyncedAt = nil

	id, err := r.store.Enqueue(ctx, s)
	if err != nil {
		r.metrics.IncDropped()
		r.logger.Error("Failed to store sample", logging.Error(err))
		return 0, err
	}

	r.metrics.IncEnqueued()
	r.logger.Debug("Sample recorded",
		zap.Int64("id", id),
		zap.Time("captured_at", s.CapturedAt))
	return id, nil
}

// Run records samples from ch until it is closed or ctx is done.
// It returns the number of samples stored.
func (r *Recorder) Run(ctx context.Context, ch <-chan models.Sample) int {
	stored := 0
	for {
		select {
		case <-ctx.Done():
			return stored
		case s, ok := <-ch:
			if !ok {
				return stored
			}
			if _, err := r.Record(ctx, s); err == nil {
				stored++
			}
		}
	}
}

// Consume records every line of a feed (see ParseRecord). Malformed lines
// are logged and skipped. It returns the number of samples stored.
func (r *Recorder) Consume(ctx context.Context, src io.Reader) (int, error) {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	stored := 0
	for {
		if err := ctx.Err(); err != nil {
			return stored, err
		}

		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return stored, nil
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			r.metrics.IncDropped()
			r.logger.Warn("Skipping malformed feed line", zap.Int("line", parseErr.Line), logging.Error(err))
			continue
		}
		if err != nil {
			return stored, fmt.Errorf("read feed: %w", err)
		}

		sample, err := ParseRecord(fields)
		if err != nil {
			line, _ := reader.FieldPos(0)
			r.metrics.IncDropped()
			r.logger.Warn("Skipping malformed feed line", zap.Int("line", line), logging.Error(err))
			continue
		}

		if _, err := r.Record(ctx, sample); err == nil {
			stored++
		}
	}
}

// ParseRecord parses lat,lon,accuracy[,timestamp]. The timestamp is RFC 3339;
// when absent the sample is stamped at record time.
func ParseRecord(fields []string) (models.Sample, error) {
	if len(fields) < 3 || len(fields) > 4 {
		return models.Sample{}, fmt.Errorf("%w: want 3 or 4 fields, got %d", ErrInvalidSample, len(fields))
	}

	var values [3]float64
	for i, name := range []string{"latitude", "longitude", "accuracy"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return models.Sample{}, fmt.Errorf("%w: %s %q", ErrInvalidSample, name, fields[i])
		}
		values[i] = v
	}

	s := models.Sample{Latitude: values[0], Longitude: values[1], Accuracy: values[2]}
	if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(fields[3]))
		if err != nil {
			return models.Sample{}, fmt.Errorf("%w: timestamp %q", ErrInvalidSample, fields[3])
		}
		s.CapturedAt = t.UTC()
	}
	return s, nil
}

package models

import "time"

// Sample is one location observation captured on the device.
type Sample struct {
	ID         int64
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	CapturedAt time.Time
	SyncedAt   *time.Time
}

// IsSynced reports whether the server has confirmed the sample.
func (s Sample) IsSynced() bool {
	return s.SyncedAt != nil
}

// Field keys posted for every sample.
const (
	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
	FieldAccuracy  = "accuracy"
	FieldTimestamp = "timestamp"
)

// SampleFields lists the local field keys in the order they are posted.
var SampleFields = []string{FieldLatitude, FieldLongitude, FieldAccuracy, FieldTimestamp}

// SchemaField maps a local field key onto its server-assigned identifier.
type SchemaField struct {
	Key        string
	RemoteID   int64
	RemoteName string
	Resolved   bool
}

// SchemaDescriptor is the resolved remote representation of a named table.
type SchemaDescriptor struct {
	SourceName string
	Source     string
	TableID    int64
	Fields     []SchemaField
}

// Field returns the field for a local key.
func (d *SchemaDescriptor) Field(key string) (SchemaField, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return SchemaField{}, false
}

// Missing returns the keys in want that have no resolved remote identifier.
func (d *SchemaDescriptor) Missing(want []string) []string {
	var missing []string
	for _, key := range want {
		if f, ok := d.Field(key); !ok || !f.Resolved {
			missing = append(missing, key)
		}
	}
	return missing
}

// Complete reports whether every sample field is resolved.
func (d *SchemaDescriptor) Complete() bool {
	return d != nil && d.TableID != 0 && len(d.Missing(SampleFields)) == 0
}

// SyncCycleResult describes one coordinator pass.
type SyncCycleResult struct {
	Success          bool
	Skipped          bool
	SamplesConfirmed int
	Message          string
	ServerTimestamp  *time.Time
	StartedAt        time.Time
	Duration         time.Duration
}

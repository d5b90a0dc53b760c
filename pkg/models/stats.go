package models

import "time"

// Stats represents sample queue statistics
type Stats struct {
	TotalSamples   int64
	PendingSamples int64
	SyncedSamples  int64
	OldestPending  *time.Time
	LastSyncedAt   *time.Time
}

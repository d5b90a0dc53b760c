package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
)

// ErrStorage marks failures of the storage engine itself (cannot read or write the queue).
var ErrStorage = errors.New("sample store unavailable")

// DB represents the local sample queue
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// New opens (creating if needed) the SQLite sample queue at path
func New(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")
	logger.Debug("Opening sample store", zap.String("path", path))

	// _txlock=immediate takes the write lock at BEGIN so two writers never
	// deadlock upgrading from a read lock
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return db, nil
}

// Wrap uses an already opened connection; the schema is assumed to exist
func Wrap(sqlDB *sql.DB, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: sqlDB, logger: logger.Named("store")}
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy REAL NOT NULL,
			captured_at INTEGER NOT NULL,
			synced_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_samples_pending ON samples(synced_at, captured_at, id);
		CREATE INDEX IF NOT EXISTS idx_samples_captured ON samples(captured_at);
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// Enqueue inserts a new unsynchronized sample and returns its identifier
func (db *DB) Enqueue(ctx context.Context, sample models.Sample) (int64, error) {
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now()
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO samples (latitude, longitude, accuracy, captured_at, synced_at)
		VALUES (?, ?, ?, ?, NULL)
	`, sample.Latitude, sample.Longitude, sample.Accuracy, toUnix(sample.CapturedAt))
	if err != nil {
		return 0, fmt.Errorf("%w: insert sample: %v", ErrStorage, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert sample: %v", ErrStorage, err)
	}
	return id, nil
}

// PendingBatch returns up to maxSize unsynchronized samples, oldest first.
// An empty queue yields an empty slice, not an error.
func (db *DB) PendingBatch(ctx context.Context, maxSize int) ([]models.Sample, error) {
	if maxSize <= 0 {
		return []models.Sample{}, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, latitude, longitude, accuracy, captured_at
		FROM samples
		WHERE synced_at IS NULL
		ORDER BY captured_at ASC, id ASC
		LIMIT ?
	`, maxSize)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending: %v", ErrStorage, err)
	}
	defer rows.Close()

	samples := make([]models.Sample, 0, maxSize)
	for rows.Next() {
		var (
			s          models.Sample
			capturedAt int64
		)
		if err := rows.Scan(&s.ID, &s.Latitude, &s.Longitude, &s.Accuracy, &capturedAt); err != nil {
			return nil, fmt.Errorf("%w: scan pending: %v", ErrStorage, err)
		}
		s.CapturedAt = fromUnix(capturedAt)
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query pending: %v", ErrStorage, err)
	}
	return samples, nil
}

// MarkSynced sets synced_at for exactly the given samples in a single transaction.
// Samples that are already synced keep their original timestamp, so repeating a
// call is a no-op. Returns how many samples changed state.
func (db *DB) MarkSynced(ctx context.Context, ids []int64, syncedAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE samples
		SET synced_at = ?
		WHERE id = ? AND synced_at IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare mark: %v", ErrStorage, err)
	}
	defer stmt.Close()

	ts := toUnix(syncedAt)
	marked := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, ts, id)
		if err != nil {
			return 0, fmt.Errorf("%w: mark sample %d: %v", ErrStorage, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%w: mark sample %d: %v", ErrStorage, id, err)
		}
		marked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	db.logger.Debug("Marked samples synced",
		zap.Int("requested", len(ids)),
		zap.Int("marked", marked),
		zap.Time("synced_at", syncedAt.UTC()))
	return marked, nil
}

// Get retrieves a sample by id
func (db *DB) Get(ctx context.Context, id int64) (*models.Sample, error) {
	var (
		s          models.Sample
		capturedAt int64
		syncedAt   sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, latitude, longitude, accuracy, captured_at, synced_at
		FROM samples WHERE id = ?
	`, id).Scan(&s.ID, &s.Latitude, &s.Longitude, &s.Accuracy, &capturedAt, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sample %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get sample: %v", ErrStorage, err)
	}

	s.CapturedAt = fromUnix(capturedAt)
	if syncedAt.Valid {
		t := fromUnix(syncedAt.Int64)
		s.SyncedAt = &t
	}
	return &s, nil
}

// SyncedBefore returns synced samples captured before the cutoff, oldest first
func (db *DB) SyncedBefore(ctx context.Context, before time.Time) ([]models.Sample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, latitude, longitude, accuracy, captured_at, synced_at
		FROM samples
		WHERE synced_at IS NOT NULL AND captured_at < ?
		ORDER BY captured_at ASC, id ASC
	`, toUnix(before))
	if err != nil {
		return nil, fmt.Errorf("%w: query synced: %v", ErrStorage, err)
	}
	defer rows.Close()

	var samples []models.Sample
	for rows.Next() {
		var (
			s          models.Sample
			capturedAt int64
			syncedAt   int64
		)
		if err := rows.Scan(&s.ID, &s.Latitude, &s.Longitude, &s.Accuracy, &capturedAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("%w: scan synced: %v", ErrStorage, err)
		}
		s.CapturedAt = fromUnix(capturedAt)
		t := fromUnix(syncedAt)
		s.SyncedAt = &t
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Purge deletes samples captured before the cutoff. Unsynchronized samples are
// only removed when includeUnsynced is set; callers doing so must make sure no
// sync cycle holds them.
func (db *DB) Purge(ctx context.Context, before time.Time, includeUnsynced bool) (int64, error) {
	query := `DELETE FROM samples WHERE captured_at < ? AND synced_at IS NOT NULL`
	if includeUnsynced {
		query = `DELETE FROM samples WHERE captured_at < ?`
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	db.logger.Info("Purged samples",
		zap.Int64("deleted", n),
		zap.Time("before", before.UTC()),
		zap.Bool("include_unsynced", includeUnsynced))
	return n, nil
}

// DeleteSynced deletes the given samples if they are synced. Used after
// archiving so rows synced since the archive snapshot are kept.
func (db *DB) DeleteSynced(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM samples WHERE id = ? AND synced_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare delete: %v", ErrStorage, err)
	}
	defer stmt.Close()

	var deleted int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("%w: delete sample %d: %v", ErrStorage, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%w: delete sample %d: %v", ErrStorage, id, err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return deleted, nil
}

// GetStats returns statistics about the sample queue
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	var (
		stats         models.Stats
		oldestPending sql.NullInt64
		lastSynced    sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total_samples,
			COUNT(CASE WHEN synced_at IS NULL THEN 1 END) as pending_samples,
			COUNT(CASE WHEN synced_at IS NOT NULL THEN 1 END) as synced_samples,
			MIN(CASE WHEN synced_at IS NULL THEN captured_at END) as oldest_pending,
			MAX(synced_at) as last_synced
		FROM samples
	`).Scan(
		&stats.TotalSamples,
		&stats.PendingSamples,
		&stats.SyncedSamples,
		&oldestPending,
		&lastSynced,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get stats: %v", ErrStorage, err)
	}

	if oldestPending.Valid {
		t := fromUnix(oldestPending.Int64)
		stats.OldestPending = &t
	}
	if lastSynced.Valid {
		t := fromUnix(lastSynced.Int64)
		stats.LastSyncedAt = &t
	}
	return &stats, nil
}

// PendingCount returns the number of unsynchronized samples
func (db *DB) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE synced_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count pending: %v", ErrStorage, err)
	}
	return n, nil
}

// Timestamps are stored as UTC unix nanoseconds so ordering is numeric.
func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// Package spool provides the agent's durable forwarding buffer: an embedded
// SQLite store holding one table per telemetry stream, each row carrying a
// monotonic id and a forwarded flag. Rows survive agent restarts and resurface
// from TakeUnforwarded until the server acknowledges them.
package spool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	aegiserrors "github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

// Config holds configuration for the spool store.
type Config struct {
	DBPath        string
	KeepForwarded int           // newest acknowledged rows retained per stream
	PruneInterval time.Duration // how often acknowledged rows are trimmed
}

// DefaultConfig returns sensible defaults for the spool.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:        filepath.Join(dataDir, "spool.db"),
		KeepForwarded: 1000,
		PruneInterval: 10 * time.Minute,
	}
}

// Record is a spooled row awaiting forwarding.
type Record struct {
	ID      int64
	Payload []byte
}

// Store is the embedded spool database. Writes are serialised through a
// single connection; collectors may call Write concurrently while one
// forwarder consumes via TakeUnforwarded/MarkForwarded.
type Store struct {
	db     *sql.DB
	config Config

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

var validStreams = func() map[string]struct{} {
	m := make(map[string]struct{}, len(models.Streams))
	for _, s := range models.Streams {
		m[s] = struct{}{}
	}
	return m
}()

// NewStore opens (creating if necessary) the spool database and starts the
// background prune worker. A failure here is fatal to the agent.
func NewStore(config Config) (*Store, error) {
	const op = "spool.NewStore"

	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, aegiserrors.Fatal(op, fmt.Errorf("create spool directory: %w", err))
	}

	// WAL keeps readers unblocked while the single writer commits.
	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, aegiserrors.Fatal(op, fmt.Errorf("open spool database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if config.KeepForwarded <= 0 {
		config.KeepForwarded = 1000
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = 10 * time.Minute
	}

	store := &Store{
		db:     db,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, aegiserrors.Fatal(op, fmt.Errorf("initialize spool schema: %w", err))
	}

	go store.pruneWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("keepForwarded", config.KeepForwarded).
		Msg("Spool initialized")

	return store, nil
}

// initSchema creates one identical table per stream if missing.
func (s *Store) initSchema() error {
	for _, stream := range models.Streams {
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				payload TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				forwarded INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_%[1]s_forwarded
			ON %[1]s(forwarded, id);
		`, stream)

		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("create %s table: %w", stream, err)
		}
	}
	return nil
}

// Write appends one record to the given stream. The record is JSON-encoded;
// callers pass the telemetry struct itself.
func (s *Store) Write(stream string, record any) error {
	const op = "spool.Write"

	if _, ok := validStreams[stream]; !ok {
		return aegiserrors.Validation(op, "unknown stream %q", stream)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return aegiserrors.Validation(op, "encode %s record: %v", stream, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (payload, created_at, forwarded) VALUES (?, ?, 0)`, stream)
	if _, err := s.db.Exec(query, string(payload), time.Now().Unix()); err != nil {
		return aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("insert %s row: %w", stream, err))
	}
	return nil
}

// TakeUnforwarded returns up to limit oldest unacknowledged rows for the
// stream, id-ascending. Rows stay unforwarded until MarkForwarded, so the
// same batch resurfaces after a crash or a failed upload.
func (s *Store) TakeUnforwarded(stream string, limit int) ([]Record, error) {
	const op = "spool.TakeUnforwarded"

	if _, ok := validStreams[stream]; !ok {
		return nil, aegiserrors.Validation(op, "unknown stream %q", stream)
	}
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, payload FROM %s
		WHERE forwarded = 0
		ORDER BY id ASC
		LIMIT ?
	`, stream)

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("query %s rows: %w", stream, err))
	}
	defer rows.Close()

	var batch []Record
	for rows.Next() {
		var rec Record
		var payload string
		if err := rows.Scan(&rec.ID, &payload); err != nil {
			log.Warn().Err(err).Str("stream", stream).Msg("Failed to scan spool row")
			continue
		}
		rec.Payload = []byte(payload)
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("iterate %s rows: %w", stream, err))
	}
	return batch, nil
}

// MarkForwarded flips forwarded to 1 for the acknowledged ids. The flag only
// ever moves 0 -> 1.
func (s *Store) MarkForwarded(stream string, ids []int64) error {
	const op = "spool.MarkForwarded"

	if _, ok := validStreams[stream]; !ok {
		return aegiserrors.Validation(op, "unknown stream %q", stream)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("begin mark transaction: %w", err))
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`UPDATE %s SET forwarded = 1 WHERE id = ?`, stream))
	if err != nil {
		tx.Rollback()
		return aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("prepare mark statement: %w", err))
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("mark %s row %d: %w", stream, id, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("commit mark transaction: %w", err))
	}
	return nil
}

// PendingCount returns the number of unacknowledged rows in the stream.
func (s *Store) PendingCount(stream string) (int, error) {
	const op = "spool.PendingCount"

	if _, ok := validStreams[stream]; !ok {
		return 0, aegiserrors.Validation(op, "unknown stream %q", stream)
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE forwarded = 0`, stream)
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return 0, aegiserrors.Wrap(aegiserrors.KindTransient, op, fmt.Errorf("count %s rows: %w", stream, err))
	}
	return count, nil
}

// pruneWorker trims acknowledged rows so the spool file stays bounded.
func (s *Store) pruneWorker() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pruneForwarded()
		}
	}
}

// pruneForwarded deletes acknowledged rows beyond the newest KeepForwarded
// per stream. Unacknowledged rows are never touched.
func (s *Store) pruneForwarded() {
	start := time.Now()
	total := int64(0)

	for _, stream := range models.Streams {
		query := fmt.Sprintf(`
			DELETE FROM %[1]s
			WHERE forwarded = 1
			AND id NOT IN (
				SELECT id FROM %[1]s WHERE forwarded = 1
				ORDER BY id DESC LIMIT ?
			)
		`, stream)

		result, err := s.db.Exec(query, s.config.KeepForwarded)
		if err != nil {
			log.Warn().Err(err).Str("stream", stream).Msg("Failed to prune spool stream")
			continue
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}

	if total > 0 {
		log.Debug().
			Int64("deleted", total).
			Dur("duration", time.Since(start)).
			Msg("Pruned forwarded spool rows")
	}
}

// Close stops the prune worker and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	return s.db.Close()
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aegis-siem/aegis/internal/errors"
)

// retentionTables are the append-only streams trimmed by the daily purge.
// Devices, alerts, and incidents are investigation records and are kept.
var retentionTables = []struct {
	name       string
	timeColumn string
}{
	{"logs", "timestamp"},
	{"commands", "timestamp"},
	{"metrics", "timestamp"},
	{"processes_history", "collected_at"},
}

// PurgeOlderThan deletes telemetry rows older than the cutoff and reports
// how many each table lost. Tables are purged independently so one
// failure does not abandon the rest of the run.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	const op = "store.purge_older_than"

	deleted := make(map[string]int64, len(retentionTables))
	var firstErr error
	for _, t := range retentionTables {
		tag, err := s.exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, t.name, t.timeColumn), cutoff)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Transient(op, fmt.Errorf("purge %s: %w", t.name, err))
			}
			continue
		}
		deleted[t.name] = tag.RowsAffected()
	}
	return deleted, firstErr
}

// Reclaim returns purged space to the operating system. VACUUM cannot run
// inside a transaction, so each table is handled as its own statement.
func (s *Store) Reclaim(ctx context.Context) error {
	const op = "store.reclaim"

	for _, t := range retentionTables {
		if _, err := s.exec(ctx, "VACUUM (ANALYZE) "+t.name); err != nil {
			return errors.Transient(op, fmt.Errorf("vacuum %s: %w", t.name, err))
		}
	}
	return nil
}

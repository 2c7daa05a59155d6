package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

// InsertLogs bulk-loads log records via the COPY protocol. The message
// column is denormalized out of fields so correlation probes can match
// on it without JSON operators. Returns the number of rows written.
func (s *Store) InsertLogs(ctx context.Context, agentID string, recs []models.LogRecord) (int64, error) {
	const op = "store.insert_logs"

	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		fields := r.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		rows = append(rows, []any{r.Timestamp, r.Host, agentID, r.Message(), fields})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"logs"},
		[]string{"timestamp", "host", "agent_id", "message", "fields"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return 0, errors.Transient(op, err)
	}
	return n, nil
}

// InsertMetric stores one resource sample.
func (s *Store) InsertMetric(ctx context.Context, agentID string, m *models.MetricSample) error {
	_, err := s.exec(ctx, `
		INSERT INTO metrics (timestamp, agent_id, cpu, memory, disk, network, process)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.Timestamp, agentID, orEmpty(m.CPU), orEmpty(m.Memory), orEmpty(m.Disk),
		orEmpty(m.Network), orEmpty(m.Process))
	return errors.Transient("store.insert_metric", err)
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

var processColumns = []string{
	"agent_id", "collected_at", "pid", "name", "ppid", "username", "status",
	"cmdline", "exe", "cpu_percent", "memory_percent", "memory_rss",
	"memory_vms", "num_threads", "num_fds", "num_connections", "connection_details",
}

func processRow(agentID string, p models.ProcessSnapshot) []any {
	details := p.ConnectionDetails
	if details == nil {
		details = []string{}
	}
	return []any{
		agentID, p.CollectedAt, p.PID, p.Name, p.PPID, p.Username, p.Status,
		p.Cmdline, p.Exe, p.CPUPercent, p.MemoryPercent, int64(p.MemoryRSS),
		int64(p.MemoryVMS), p.NumThreads, p.NumFDs, p.NumConnections, details,
	}
}

// ReplaceProcesses swaps the latest-only projection for an agent and
// appends the same snapshot to history, atomically. Repeatable read keeps
// a concurrent reader from observing the gap between delete and insert.
func (s *Store) ReplaceProcesses(ctx context.Context, agentID string, snaps []models.ProcessSnapshot) error {
	const op = "store.replace_processes"

	rows := make([][]any, 0, len(snaps))
	for _, p := range snaps {
		rows = append(rows, processRow(agentID, p))
	}
	err := s.withTxOptions(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM processes WHERE agent_id = $1`, agentID); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"processes"}, processColumns, pgx.CopyFromRows(rows)); err != nil {
			return err
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"processes_history"}, processColumns, pgx.CopyFromRows(rows))
		return err
	})
	return errors.Transient(op, err)
}

// InsertCommands stores command events, silently dropping rows the server
// has already seen for this agent (same dedup hash). Returns the number
// actually inserted.
func (s *Store) InsertCommands(ctx context.Context, agentID string, cmds []models.CommandEvent) (int64, error) {
	const op = "store.insert_commands"

	if len(cmds) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, c := range cmds {
		batch.Queue(`
			INSERT INTO commands (timestamp, agent_id, username, command, shell, source, working_directory, exit_code, dedup_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (agent_id, dedup_hash) DO NOTHING`,
			c.Timestamp, agentID, c.User, c.Command, c.Shell, c.Source,
			c.WorkingDirectory, c.ExitCode, c.DedupHash())
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range cmds {
		tag, err := results.Exec()
		if err != nil {
			return inserted, errors.Transient(op, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// LastCommandSync returns the newest command timestamp stored for an
// agent, or nil when none exist. Agents resume history scanning from it.
func (s *Store) LastCommandSync(ctx context.Context, agentID string) (*time.Time, error) {
	var ts *time.Time
	err := s.queryRow(ctx,
		`SELECT MAX(timestamp) FROM commands WHERE agent_id = $1`, agentID).Scan(&ts)
	if err != nil {
		return nil, errors.Transient("store.last_command_sync", err)
	}
	return ts, nil
}

// LogFilter narrows ListLogs. AgentID empty means all visible agents.
type LogFilter struct {
	AgentID   string
	Timeframe string
	Limit     int
}

// ListLogs returns visible log records, newest first.
func (s *Store) ListLogs(ctx context.Context, scope Scope, f LogFilter) ([]models.LogRecord, error) {
	const op = "store.list_logs"

	args := []any{timeframeCutoff(f.Timeframe, time.Now().UTC())}
	sql := `SELECT timestamp, host, agent_id, fields FROM logs WHERE timestamp >= $1`
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		sql += ` AND agent_id = $2`
	}
	pred, args := agentScopeSQL(scope, "logs.agent_id", args)
	sql += ` AND ` + pred
	args = append(args, clampLimit(f.Limit))
	sql += ` ORDER BY timestamp DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var recs []models.LogRecord
	for rows.Next() {
		var r models.LogRecord
		if err := rows.Scan(&r.Timestamp, &r.Host, &r.AgentID, &r.Fields); err != nil {
			return nil, errors.Transient(op, err)
		}
		recs = append(recs, r)
	}
	return recs, errors.Transient(op, rows.Err())
}

// ListMetrics returns resource samples for one agent, newest first.
func (s *Store) ListMetrics(ctx context.Context, agentID, timeframe string, limit int) ([]models.MetricSample, error) {
	const op = "store.list_metrics"

	rows, err := s.query(ctx, `
		SELECT timestamp, agent_id, cpu, memory, disk, network, process
		FROM metrics
		WHERE agent_id = $1 AND timestamp >= $2
		ORDER BY timestamp DESC LIMIT $3`,
		agentID, timeframeCutoff(timeframe, time.Now().UTC()), clampLimit(limit))
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var samples []models.MetricSample
	for rows.Next() {
		var m models.MetricSample
		if err := rows.Scan(&m.Timestamp, &m.AgentID, &m.CPU, &m.Memory, &m.Disk, &m.Network, &m.Process); err != nil {
			return nil, errors.Transient(op, err)
		}
		samples = append(samples, m)
	}
	return samples, errors.Transient(op, rows.Err())
}

// ListProcesses pages through the latest snapshot for one agent, busiest
// processes first. The latest projection is small so offset paging is fine.
func (s *Store) ListProcesses(ctx context.Context, agentID string, limit, offset int) ([]models.ProcessSnapshot, error) {
	const op = "store.list_processes"

	if limit <= 0 {
		limit = defaultProcessPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.query(ctx, `
		SELECT collected_at, agent_id, pid, name, ppid, username, status, cmdline, exe,
		       cpu_percent, memory_percent, memory_rss, memory_vms,
		       num_threads, num_fds, num_connections, connection_details
		FROM processes
		WHERE agent_id = $1
		ORDER BY cpu_percent DESC, pid
		LIMIT $2 OFFSET $3`, agentID, clampLimit(limit), offset)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var snaps []models.ProcessSnapshot
	for rows.Next() {
		var (
			p        models.ProcessSnapshot
			rss, vms int64
		)
		err := rows.Scan(&p.CollectedAt, &p.AgentID, &p.PID, &p.Name, &p.PPID, &p.Username,
			&p.Status, &p.Cmdline, &p.Exe, &p.CPUPercent, &p.MemoryPercent,
			&rss, &vms, &p.NumThreads, &p.NumFDs, &p.NumConnections, &p.ConnectionDetails)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		p.MemoryRSS = uint64(rss)
		p.MemoryVMS = uint64(vms)
		snaps = append(snaps, p)
	}
	return snaps, errors.Transient(op, rows.Err())
}

// ListCommands returns visible command events, newest first.
func (s *Store) ListCommands(ctx context.Context, scope Scope, f LogFilter) ([]models.CommandEvent, error) {
	const op = "store.list_commands"

	args := []any{timeframeCutoff(f.Timeframe, time.Now().UTC())}
	sql := `SELECT timestamp, agent_id, username, command, shell, source, working_directory, exit_code
		FROM commands WHERE timestamp >= $1`
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		sql += ` AND agent_id = $2`
	}
	pred, args := agentScopeSQL(scope, "commands.agent_id", args)
	sql += ` AND ` + pred
	args = append(args, clampLimit(f.Limit))
	sql += ` ORDER BY timestamp DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var cmds []models.CommandEvent
	for rows.Next() {
		var c models.CommandEvent
		err := rows.Scan(&c.Timestamp, &c.AgentID, &c.User, &c.Command, &c.Shell,
			&c.Source, &c.WorkingDirectory, &c.ExitCode)
		if err != nil {
			return nil, errors.Transient(op, err)
		}
		cmds = append(cmds, c)
	}
	return cmds, errors.Transient(op, rows.Err())
}

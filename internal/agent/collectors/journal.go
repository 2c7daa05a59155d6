package collectors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/models"
)

// JournalCollector tails the systemd journal from the current end via
// `journalctl --follow`, translating each entry to a LogRecord with
// fields["MESSAGE"] populated. History is never replayed. Non-Linux hosts get
// ErrUnsupported; the agent runs without a log source there.
type JournalCollector struct {
	meta Meta
}

// NewJournalCollector builds the journal tailer.
func NewJournalCollector(meta Meta) *JournalCollector {
	return &JournalCollector{meta: meta}
}

func (c *JournalCollector) Name() string { return "journal" }

// Run streams journal entries until cancelled. A journalctl exit while the
// context is still live is an error; the agent restarts the collector.
func (c *JournalCollector) Run(ctx context.Context, sink Sink) error {
	if runtime.GOOS != "linux" {
		return ErrUnsupported
	}

	cmd := exec.CommandContext(ctx, "journalctl", "--follow", "--output=json", "--lines=0")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("journalctl stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start journalctl: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		rec, ok := c.translate(scanner.Bytes())
		if !ok {
			continue
		}
		if err := sink.Log(rec); err != nil {
			log.Error().Err(err).Msg("Failed to sink log record")
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal stream: %w", err)
	}
	if waitErr != nil {
		return fmt.Errorf("journalctl exited: %w", waitErr)
	}
	return fmt.Errorf("journal stream ended unexpectedly")
}

// translate flattens one journald JSON entry. Values arrive as strings,
// numbers, or byte arrays; everything is coerced to a string.
func (c *JournalCollector) translate(line []byte) (models.LogRecord, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return models.LogRecord{}, false
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	if fields["MESSAGE"] == "" {
		return models.LogRecord{}, false
	}

	rec := models.LogRecord{
		Timestamp: time.Now().UTC(),
		Host:      c.meta.Hostname,
		AgentID:   c.meta.AgentID,
		Fields:    fields,
	}
	if usec, err := strconv.ParseInt(fields["__REALTIME_TIMESTAMP"], 10, 64); err == nil && usec > 0 {
		rec.Timestamp = time.UnixMicro(usec).UTC()
	}
	if host := fields["_HOSTNAME"]; host != "" {
		rec.Host = host
	}
	return rec, true
}

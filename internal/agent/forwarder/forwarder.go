// Package forwarder ships spooled telemetry to the central server in batches,
// marking records forwarded only after the server acknowledges them.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/agent/spool"
	"github.com/aegis-siem/aegis/internal/models"
)

const (
	defaultFlushInterval  = 30 * time.Second
	defaultBatchSize      = 100
	defaultRequestTimeout = 10 * time.Second

	agentIDHeader = "X-Aegis-Agent-ID"
)

// streamPaths maps each spool stream to its upload endpoint.
var streamPaths = map[string]string{
	models.StreamLogs:      "/api/ingest",
	models.StreamMetrics:   "/api/metrics",
	models.StreamProcesses: "/api/processes",
	models.StreamCommands:  "/api/commands",
	models.StreamAlerts:    "/api/alerts",
}

// Spool is the slice of the local store the forwarder consumes.
type Spool interface {
	TakeUnforwarded(stream string, limit int) ([]spool.Record, error)
	MarkForwarded(stream string, ids []int64) error
}

// Config holds forwarder settings.
type Config struct {
	ServerURL          string
	AgentID            string
	FlushInterval      time.Duration
	BatchSize          int
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
	UserAgent          string
}

// DefaultConfig returns forwarder settings with the standard cadence.
func DefaultConfig(serverURL, agentID string) Config {
	return Config{
		ServerURL:      serverURL,
		AgentID:        agentID,
		FlushInterval:  defaultFlushInterval,
		BatchSize:      defaultBatchSize,
		RequestTimeout: defaultRequestTimeout,
	}
}

// Forwarder drains the spool on a timer and uploads each stream's backlog.
type Forwarder struct {
	config     Config
	spool      Spool
	httpClient *http.Client
}

// New builds a forwarder around the given spool.
func New(config Config, sp Spool) *Forwarder {
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaultFlushInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	return &Forwarder{
		config:     config,
		spool:      sp,
		httpClient: newHTTPClient(config),
	}
}

func newHTTPClient(config Config) *http.Client {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	return &http.Client{
		Timeout: config.RequestTimeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
			DialContext:     dialContextWithCache,
		},
	}
}

// Run flushes immediately, then on every tick until the context is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	if err := f.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Initial flush failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.Error().Err(err).Msg("Flush failed")
			}
		}
	}
}

// Flush uploads one batch per stream. A failed stream is logged and retried
// on the next tick; later streams still get their turn.
func (f *Forwarder) Flush(ctx context.Context) error {
	for _, stream := range models.Streams {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := f.spool.TakeUnforwarded(stream, f.config.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("stream", stream).Msg("Failed to read spool backlog")
			continue
		}
		if len(records) == 0 {
			continue
		}

		acked, err := f.send(ctx, stream, records)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Warn().Err(err).
				Str("stream", stream).
				Int("pending", len(records)).
				Msg("Upload failed, will retry next tick")
		}
		if len(acked) == 0 {
			continue
		}

		if err := f.spool.MarkForwarded(stream, acked); err != nil {
			log.Error().Err(err).Str("stream", stream).Msg("Failed to mark records forwarded")
			continue
		}
		log.Debug().Str("stream", stream).Int("count", len(acked)).Msg("Batch forwarded")
	}
	return nil
}

// send uploads records for one stream and returns the ids the server
// acknowledged. Metric samples and process snapshots are spooled as complete
// request bodies and go one record per request; the other streams ship as a
// single JSON array. Either way record order within the batch is preserved.
func (f *Forwarder) send(ctx context.Context, stream string, records []spool.Record) ([]int64, error) {
	if stream == models.StreamMetrics || stream == models.StreamProcesses {
		acked := make([]int64, 0, len(records))
		for _, rec := range records {
			if err := f.post(ctx, streamPaths[stream], rec.Payload); err != nil {
				// Stop on first failure so earlier samples always land first.
				return acked, err
			}
			acked = append(acked, rec.ID)
		}
		return acked, nil
	}

	payloads := make([]json.RawMessage, len(records))
	ids := make([]int64, len(records))
	for i, rec := range records {
		payloads[i] = json.RawMessage(rec.Payload)
		ids[i] = rec.ID
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if err := f.post(ctx, streamPaths[stream], body); err != nil {
		return nil, err
	}
	return ids, nil
}

func (f *Forwarder) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(agentIDHeader, f.config.AgentID)
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server responded with status %s", resp.Status)
	}
	return nil
}

// LastSync asks the server for the newest command timestamp it holds for this
// agent. The zero time means the server has no commands yet.
func (f *Forwarder) LastSync(ctx context.Context) (time.Time, error) {
	url := fmt.Sprintf("%s/api/commands/last-sync/%s", f.config.ServerURL, f.config.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(agentIDHeader, f.config.AgentID)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return time.Time{}, fmt.Errorf("server responded with status %s", resp.Status)
	}

	var payload struct {
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, fmt.Errorf("decode response: %w", err)
	}
	if payload.Timestamp == nil {
		return time.Time{}, nil
	}
	return payload.Timestamp.UTC(), nil
}

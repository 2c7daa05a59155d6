// Package agent wires the host-side pieces together: collectors feed the
// local spool and the rule engine, the forwarder drains the spool, and a
// supervisor restarts any collector that dies.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/aegis-siem/aegis/internal/agent/collectors"
	"github.com/aegis-siem/aegis/internal/agent/forwarder"
	"github.com/aegis-siem/aegis/internal/agent/identity"
	"github.com/aegis-siem/aegis/internal/agent/rules"
	"github.com/aegis-siem/aegis/internal/agent/spool"
	"github.com/aegis-siem/aegis/internal/models"
)

const runOnceTimeout = 30 * time.Second

// collectorRestartDelay is a var so tests can shrink it.
var collectorRestartDelay = 5 * time.Second

// Config holds agent settings. Zero values take the defaults below.
type Config struct {
	DataDir             string
	ServerURL           string // overrides the URL stored at registration
	Hostname            string // overrides os.Hostname
	MetricsInterval     time.Duration
	ProcessInterval     time.Duration
	CommandPollInterval time.Duration
	HistoryGlobs        []string
	FlushInterval       time.Duration
	InsecureSkipVerify  bool
	RunOnce             bool
	Version             string
}

// DefaultConfig returns agent settings with the standard cadences.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:         dataDir,
		MetricsInterval: 60 * time.Second,
		ProcessInterval: 60 * time.Second,
	}
}

// Agent runs the collectors, rule engine, spool and forwarder for one host.
type Agent struct {
	config   Config
	agentID  string
	hostname string
	spool    *spool.Store
	engine   *rules.Engine
	fwd      *forwarder.Forwarder
}

// New loads the registered identity and opens the local spool. It fails when
// the host has not been registered yet.
func New(config Config) (*Agent, error) {
	ids := identity.NewStore(config.DataDir)

	agentID, err := ids.AgentID()
	if err != nil {
		return nil, fmt.Errorf("load agent identity (run 'register' first): %w", err)
	}
	creds, err := ids.LoadCredentials(agentID)
	if err != nil {
		return nil, fmt.Errorf("load registration (run 'register' first): %w", err)
	}

	serverURL := config.ServerURL
	if serverURL == "" {
		serverURL = creds.ServerURL
	}
	if serverURL == "" {
		return nil, fmt.Errorf("no server URL registered or configured")
	}

	hostname := config.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if hostname == "" {
		hostname = creds.Hostname
	}

	sp, err := spool.NewStore(spool.DefaultConfig(config.DataDir))
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}

	ruleCfg := rules.DefaultConfig()
	ruleCfg.Hostname = hostname
	ruleCfg.AgentID = agentID
	engine := rules.NewEngine(ruleCfg, spoolAlertWriter{spool: sp})

	fwdCfg := forwarder.DefaultConfig(serverURL, agentID)
	if config.FlushInterval > 0 {
		fwdCfg.FlushInterval = config.FlushInterval
	}
	fwdCfg.InsecureSkipVerify = config.InsecureSkipVerify
	if config.Version != "" {
		fwdCfg.UserAgent = "aegis-agent/" + config.Version
	}

	return &Agent{
		config:   config,
		agentID:  agentID,
		hostname: hostname,
		spool:    sp,
		engine:   engine,
		fwd:      forwarder.New(fwdCfg, sp),
	}, nil
}

// AgentID returns the registered identity.
func (a *Agent) AgentID() string { return a.agentID }

// Run executes the agent until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	defer a.spool.Close()

	log.Info().
		Str("agent_id", a.agentID).
		Str("hostname", a.hostname).
		Bool("once", a.config.RunOnce).
		Msg("Starting agent")

	if a.config.RunOnce {
		return a.runOnce(ctx)
	}

	sink := &telemetrySink{spool: a.spool, engine: a.engine}
	meta := collectors.Meta{AgentID: a.agentID, Hostname: a.hostname}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.fwd.Run(ctx)
	})

	for _, c := range []collectors.Collector{
		collectors.NewJournalCollector(meta),
		collectors.NewMetricsCollector(meta, a.config.MetricsInterval),
		collectors.NewProcessCollector(meta, a.config.ProcessInterval),
	} {
		g.Go(func() error {
			return supervise(ctx, c, sink)
		})
	}

	// The command collector needs the server's checkpoint before the first
	// scan, so it bootstraps in its own task while the others run.
	g.Go(func() error {
		lastSync, err := a.lastSyncWithRetry(ctx)
		if err != nil {
			return err
		}
		cmd := collectors.NewCommandCollector(collectors.CommandCollectorConfig{
			Meta:         meta,
			HistoryGlobs: a.config.HistoryGlobs,
			PollInterval: a.config.CommandPollInterval,
			LastSync:     lastSync,
		})
		return supervise(ctx, cmd, sink)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runOnce collects a single metrics sample and process snapshot, flushes the
// spool once and returns.
func (a *Agent) runOnce(ctx context.Context) error {
	sink := &telemetrySink{spool: a.spool, engine: a.engine}
	meta := collectors.Meta{AgentID: a.agentID, Hostname: a.hostname}

	collectCtx, cancel := context.WithTimeout(ctx, runOnceTimeout)
	defer cancel()

	gate := &onceGate{Sink: sink, remaining: 2, done: cancel}

	var wg sync.WaitGroup
	for _, c := range []collectors.Collector{
		collectors.NewMetricsCollector(meta, a.config.MetricsInterval),
		collectors.NewProcessCollector(meta, a.config.ProcessInterval),
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(collectCtx, gate); err != nil && collectCtx.Err() == nil {
				log.Error().Err(err).Str("collector", c.Name()).Msg("Collector failed")
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.fwd.Flush(ctx)
}

// lastSyncWithRetry polls the server for the command checkpoint until it
// answers or the context is cancelled.
func (a *Agent) lastSyncWithRetry(ctx context.Context) (time.Time, error) {
	backoff := time.Second
	for {
		ts, err := a.fwd.LastSync(ctx)
		if err == nil {
			return ts, nil
		}
		if ctx.Err() != nil {
			return time.Time{}, ctx.Err()
		}

		log.Warn().Err(err).Dur("retry_in", backoff).Msg("Command checkpoint fetch failed")
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// supervise restarts a collector whenever it exits with an error. A collector
// that reports ErrUnsupported is disabled for the life of the process.
func supervise(ctx context.Context, c collectors.Collector, sink collectors.Sink) error {
	for {
		err := c.Run(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, collectors.ErrUnsupported) {
			log.Info().Str("collector", c.Name()).Msg("Collector not supported on this platform, disabling")
			return nil
		}
		if err == nil {
			return nil
		}

		log.Error().Err(err).Str("collector", c.Name()).Msg("Collector exited, restarting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(collectorRestartDelay):
		}
	}
}

// telemetrySink writes collected records to the spool and hands them to the
// rule engine on the producing collector's goroutine, preserving emit order.
type telemetrySink struct {
	spool  *spool.Store
	engine *rules.Engine
}

func (s *telemetrySink) Log(rec models.LogRecord) error {
	if err := s.spool.Write(models.StreamLogs, rec); err != nil {
		return err
	}
	s.engine.HandleLog(rec)
	return nil
}

func (s *telemetrySink) Metric(sample models.MetricSample) error {
	if err := s.spool.Write(models.StreamMetrics, sample); err != nil {
		return err
	}
	s.engine.HandleMetric(sample)
	return nil
}

// Processes spools the snapshot as one record: the server replaces its
// latest-only projection per upload, so a snapshot must never be split.
func (s *telemetrySink) Processes(snaps []models.ProcessSnapshot) error {
	return s.spool.Write(models.StreamProcesses, snaps)
}

func (s *telemetrySink) Command(cmd models.CommandEvent) error {
	if err := s.spool.Write(models.StreamCommands, cmd); err != nil {
		return err
	}
	s.engine.HandleCommand(cmd)
	return nil
}

// spoolAlertWriter lands fired alerts in the spool's alerts stream.
type spoolAlertWriter struct {
	spool *spool.Store
}

func (w spoolAlertWriter) WriteAlert(alert models.AgentAlert) error {
	return w.spool.Write(models.StreamAlerts, alert)
}

// onceGate stops the one-shot run after each collector has delivered once.
type onceGate struct {
	collectors.Sink
	mu        sync.Mutex
	remaining int
	done      func()
}

func (g *onceGate) Metric(sample models.MetricSample) error {
	err := g.Sink.Metric(sample)
	g.complete()
	return err
}

func (g *onceGate) Processes(snaps []models.ProcessSnapshot) error {
	err := g.Sink.Processes(snaps)
	g.complete()
	return err
}

func (g *onceGate) complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining--
	if g.remaining == 0 {
		g.done()
	}
}

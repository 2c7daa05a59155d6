package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/agent/collectors"
	"github.com/aegis-siem/aegis/internal/agent/identity"
	"github.com/aegis-siem/aegis/internal/agent/rules"
	"github.com/aegis-siem/aegis/internal/agent/spool"
	"github.com/aegis-siem/aegis/internal/models"
)

func newTestSink(t *testing.T) (*telemetrySink, *spool.Store) {
	t.Helper()

	sp, err := spool.NewStore(spool.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() { sp.Close() })

	ruleCfg := rules.DefaultConfig()
	ruleCfg.Hostname = "web-01"
	ruleCfg.AgentID = "agent-1"
	engine := rules.NewEngine(ruleCfg, spoolAlertWriter{spool: sp})

	return &telemetrySink{spool: sp, engine: engine}, sp
}

func TestSinkSpoolsLogsAndFiresRules(t *testing.T) {
	sink, sp := newTestSink(t)

	base := time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := models.LogRecord{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			Host:      "web-01",
			AgentID:   "agent-1",
			Fields: map[string]string{
				"MESSAGE": "Failed password for root from 203.0.113.9 port 52344 ssh2",
			},
		}
		if err := sink.Log(rec); err != nil {
			t.Fatalf("sink log %d: %v", i, err)
		}
	}

	logs, err := sp.TakeUnforwarded(models.StreamLogs, 10)
	if err != nil {
		t.Fatalf("take logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("spooled logs = %d, want 3", len(logs))
	}

	alerts, err := sp.TakeUnforwarded(models.StreamAlerts, 10)
	if err != nil {
		t.Fatalf("take alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("spooled alerts = %d, want 1", len(alerts))
	}

	var alert models.AgentAlert
	if err := json.Unmarshal(alerts[0].Payload, &alert); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if alert.RuleName != rules.RuleSSHBruteForce {
		t.Errorf("rule = %q, want %q", alert.RuleName, rules.RuleSSHBruteForce)
	}
	if alert.AgentID != "agent-1" {
		t.Errorf("agent id = %q, want agent-1", alert.AgentID)
	}
}

func TestSinkSpoolsWholeProcessSnapshot(t *testing.T) {
	sink, sp := newTestSink(t)

	snaps := []models.ProcessSnapshot{
		{AgentID: "agent-1", PID: 1, Name: "systemd"},
		{AgentID: "agent-1", PID: 42, Name: "sshd"},
	}
	if err := sink.Processes(snaps); err != nil {
		t.Fatalf("sink processes: %v", err)
	}

	records, err := sp.TakeUnforwarded(models.StreamProcesses, 10)
	if err != nil {
		t.Fatalf("take processes: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("spooled records = %d, want the snapshot as one record", len(records))
	}

	var got []models.ProcessSnapshot
	if err := json.Unmarshal(records[0].Payload, &got); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(got) != 2 || got[0].PID != 1 || got[1].PID != 42 {
		t.Fatalf("snapshot round trip mismatch: %+v", got)
	}
}

type flakyCollector struct {
	mu       sync.Mutex
	runs     int
	failures int
	blocked  chan struct{}
}

func (f *flakyCollector) Name() string { return "flaky" }

func (f *flakyCollector) Run(ctx context.Context, _ collectors.Sink) error {
	f.mu.Lock()
	f.runs++
	n := f.runs
	f.mu.Unlock()

	if n <= f.failures {
		return fmt.Errorf("crash %d", n)
	}
	close(f.blocked)
	<-ctx.Done()
	return ctx.Err()
}

func (f *flakyCollector) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func TestSuperviseRestartsFailingCollector(t *testing.T) {
	old := collectorRestartDelay
	collectorRestartDelay = time.Millisecond
	defer func() { collectorRestartDelay = old }()

	fc := &flakyCollector{failures: 2, blocked: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- supervise(ctx, fc, nil) }()

	select {
	case <-fc.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("collector never reached a healthy run")
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("supervise returned %v, want context.Canceled", err)
	}
	if got := fc.runCount(); got != 3 {
		t.Fatalf("runs = %d, want 3 (two crashes plus one healthy)", got)
	}
}

type unsupportedCollector struct{ runs int }

func (u *unsupportedCollector) Name() string { return "unsupported" }

func (u *unsupportedCollector) Run(context.Context, collectors.Sink) error {
	u.runs++
	return collectors.ErrUnsupported
}

func TestSuperviseDisablesUnsupportedCollector(t *testing.T) {
	uc := &unsupportedCollector{}
	if err := supervise(context.Background(), uc, nil); err != nil {
		t.Fatalf("supervise: %v", err)
	}
	if uc.runs != 1 {
		t.Fatalf("runs = %d, want 1 (no restart for unsupported)", uc.runs)
	}
}

func TestNewRequiresRegistration(t *testing.T) {
	_, err := New(DefaultConfig(t.TempDir()))
	if err == nil {
		t.Fatal("expected error for unregistered host")
	}
	if !strings.Contains(err.Error(), "register") {
		t.Fatalf("error %q does not point at registration", err)
	}
}

func TestNewLoadsRegisteredIdentity(t *testing.T) {
	dir := t.TempDir()
	ids := identity.NewStore(dir)

	agentID, err := ids.LoadOrCreateAgentID()
	if err != nil {
		t.Fatalf("agent id: %v", err)
	}
	creds := identity.Credentials{
		ServerURL:    "https://siem.example.com:8443",
		Hostname:     "web-01",
		RegisteredAt: time.Now().UTC(),
	}
	if err := ids.SaveCredentials(agentID, creds); err != nil {
		t.Fatalf("save credentials: %v", err)
	}

	a, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer a.spool.Close()

	if a.AgentID() != agentID {
		t.Fatalf("agent id = %q, want %q", a.AgentID(), agentID)
	}
}

type nopSink struct{}

func (nopSink) Log(models.LogRecord) error               { return nil }
func (nopSink) Metric(models.MetricSample) error         { return nil }
func (nopSink) Processes([]models.ProcessSnapshot) error { return nil }
func (nopSink) Command(models.CommandEvent) error        { return nil }

func TestOnceGateStopsAfterBothDeliveries(t *testing.T) {
	var calls int
	gate := &onceGate{Sink: nopSink{}, remaining: 2, done: func() { calls++ }}

	if err := gate.Metric(models.MetricSample{}); err != nil {
		t.Fatalf("metric: %v", err)
	}
	if calls != 0 {
		t.Fatal("done fired before both collectors delivered")
	}
	if err := gate.Processes(nil); err != nil {
		t.Fatalf("processes: %v", err)
	}
	if calls != 1 {
		t.Fatalf("done calls = %d, want 1", calls)
	}

	// Later deliveries must not re-fire the stop signal.
	if err := gate.Metric(models.MetricSample{}); err != nil {
		t.Fatalf("metric: %v", err)
	}
	if calls != 1 {
		t.Fatalf("done calls after extra delivery = %d, want 1", calls)
	}
}

package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/agent/spool"
	"github.com/aegis-siem/aegis/internal/models"
)

type fakeSpool struct {
	mu      sync.Mutex
	records map[string][]spool.Record
	marked  map[string][]int64
}

func newFakeSpool() *fakeSpool {
	return &fakeSpool{
		records: make(map[string][]spool.Record),
		marked:  make(map[string][]int64),
	}
}

func (s *fakeSpool) add(stream string, id int64, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[stream] = append(s.records[stream], spool.Record{ID: id, Payload: []byte(payload)})
}

func (s *fakeSpool) TakeUnforwarded(stream string, limit int) ([]spool.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[stream]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return append([]spool.Record(nil), recs...), nil
}

func (s *fakeSpool) MarkForwarded(stream string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[stream] = append(s.marked[stream], ids...)
	return nil
}

func (s *fakeSpool) markedIDs(stream string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked[stream]...)
}

type capturedRequest struct {
	path    string
	agentID string
	body    []byte
}

func TestFlushMarksOnlyAcknowledged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/commands" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sp := newFakeSpool()
	sp.add(models.StreamLogs, 1, `{"host":"web-01"}`)
	sp.add(models.StreamLogs, 2, `{"host":"web-02"}`)
	sp.add(models.StreamCommands, 7, `{"command":"uptime"}`)

	f := New(DefaultConfig(srv.URL, "agent-1"), sp)
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := sp.markedIDs(models.StreamLogs); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("logs marked = %v, want [1 2]", got)
	}
	if got := sp.markedIDs(models.StreamCommands); len(got) != 0 {
		t.Fatalf("commands marked = %v, want none after server error", got)
	}
}

func TestFlushPreservesBatchOrderAndHeaders(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{
			path:    r.URL.Path,
			agentID: r.Header.Get("X-Aegis-Agent-ID"),
			body:    body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sp := newFakeSpool()
	sp.add(models.StreamLogs, 10, `{"seq":1}`)
	sp.add(models.StreamLogs, 11, `{"seq":2}`)
	sp.add(models.StreamLogs, 12, `{"seq":3}`)

	f := New(DefaultConfig(srv.URL, "agent-9"), sp)
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.path != "/api/ingest" {
		t.Errorf("path = %q, want /api/ingest", req.path)
	}
	if req.agentID != "agent-9" {
		t.Errorf("agent id header = %q, want agent-9", req.agentID)
	}

	var batch []struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(req.body, &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i, item := range batch {
		if item.Seq != i+1 {
			t.Errorf("batch[%d].seq = %d, want %d", i, item.Seq, i+1)
		}
	}
}

func TestMetricsShipOnePerRequest(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/metrics" {
			t.Errorf("path = %q, want /api/metrics", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sp := newFakeSpool()
	sp.add(models.StreamMetrics, 1, `{"n":1}`)
	sp.add(models.StreamMetrics, 2, `{"n":2}`)
	sp.add(models.StreamMetrics, 3, `{"n":3}`)

	f := New(DefaultConfig(srv.URL, "agent-1"), sp)
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), bodies...)
	mu.Unlock()
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	if len(got) != len(want) {
		t.Fatalf("requests = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d body = %s, want %s", i, got[i], want[i])
		}
	}
	if marked := sp.markedIDs(models.StreamMetrics); len(marked) != 3 {
		t.Fatalf("marked = %v, want all three samples", marked)
	}
}

func TestProcessSnapshotsShipOnePerRequest(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/processes" {
			t.Errorf("path = %q, want /api/processes", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sp := newFakeSpool()
	sp.add(models.StreamProcesses, 1, `[{"pid":1},{"pid":2}]`)
	sp.add(models.StreamProcesses, 2, `[{"pid":1},{"pid":3}]`)

	f := New(DefaultConfig(srv.URL, "agent-1"), sp)
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), bodies...)
	mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("requests = %d, want one per snapshot", len(got))
	}
	if got[0] != `[{"pid":1},{"pid":2}]` || got[1] != `[{"pid":1},{"pid":3}]` {
		t.Fatalf("snapshot bodies altered: %v", got)
	}
	if marked := sp.markedIDs(models.StreamProcesses); len(marked) != 2 {
		t.Fatalf("marked = %v, want both snapshots", marked)
	}
}

func TestMetricsPartialFailureMarksAckedPrefix(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sp := newFakeSpool()
	sp.add(models.StreamMetrics, 1, `{"n":1}`)
	sp.add(models.StreamMetrics, 2, `{"n":2}`)
	sp.add(models.StreamMetrics, 3, `{"n":3}`)

	f := New(DefaultConfig(srv.URL, "agent-1"), sp)
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 2 {
		t.Fatalf("requests = %d, want 2 (stop after first failure)", n)
	}
	if marked := sp.markedIDs(models.StreamMetrics); len(marked) != 1 || marked[0] != 1 {
		t.Fatalf("marked = %v, want [1]", marked)
	}
}

func TestFlushEmptySpoolSendsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer srv.Close()

	f := New(DefaultConfig(srv.URL, "agent-1"), newFakeSpool())
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestFlushStopsOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sp := newFakeSpool()
	sp.add(models.StreamLogs, 1, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(DefaultConfig(srv.URL, "agent-1"), sp)
	if err := f.Flush(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if marked := sp.markedIDs(models.StreamLogs); len(marked) != 0 {
		t.Fatalf("marked = %v, want none", marked)
	}
}

func TestLastSync(t *testing.T) {
	when := time.Date(2025, 7, 4, 10, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/commands/last-sync/agent-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprintf(w, `{"timestamp":%q}`, when.Format(time.RFC3339))
	}))
	defer srv.Close()

	f := New(DefaultConfig(srv.URL, "agent-1"), newFakeSpool())
	got, err := f.LastSync(context.Background())
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if !got.Equal(when) {
		t.Fatalf("timestamp = %v, want %v", got, when)
	}
}

func TestLastSyncNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"timestamp":null}`)
	}))
	defer srv.Close()

	f := New(DefaultConfig(srv.URL, "agent-1"), newFakeSpool())
	got, err := f.LastSync(context.Background())
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("timestamp = %v, want zero time", got)
	}
}

func TestRegisterSendsTokenAndIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/device/register" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Token != "invite-token" || req.AgentID != "agent-1" || req.Hostname != "web-01" {
			t.Errorf("unexpected payload: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := Register(context.Background(), DefaultConfig(srv.URL, "agent-1"), "invite-token", "web-01", "web-01 production")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestRegisterSurfacesServerDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail":"invalid or expired invitation token"}`)
	}))
	defer srv.Close()

	err := Register(context.Background(), DefaultConfig(srv.URL, "agent-1"), "bad-token", "web-01", "")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if want := "invalid or expired invitation token"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not mention %q", err, want)
	}
}

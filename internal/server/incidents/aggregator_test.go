package incidents

import (
	"context"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/models"
)

type created struct {
	inc *models.Incident
	ids []string
}

type fakeStore struct {
	alerts  []models.Alert
	loadErr error
	created []created
}

func (f *fakeStore) UngroupedAlerts(ctx context.Context, since time.Time) ([]models.Alert, error) {
	return f.alerts, f.loadErr
}

func (f *fakeStore) CreateIncident(ctx context.Context, inc *models.Incident, alertIDs []string) error {
	f.created = append(f.created, created{inc: inc, ids: alertIDs})
	inc.ID = int64(len(f.created))
	return nil
}

func mkAlert(id, rule, agent string, sev models.Severity, ts time.Time, details map[string]any) models.Alert {
	return models.Alert{
		ID:               id,
		RuleName:         rule,
		Severity:         sev,
		Details:          details,
		AgentID:          agent,
		CreatedAt:        ts,
		AssignmentStatus: models.StatusUnassigned,
	}
}

func TestBruteForceFromOneAddressBecomesOneIncident(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "ssh_brute_force", "agent-1", models.SeverityHigh, base,
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h1"}),
		mkAlert("a2", "ssh_brute_force", "agent-2", models.SeverityHigh, base.Add(10*time.Minute),
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h2"}),
	}}
	agg := New(fs, Options{})

	if got := agg.Aggregate(context.Background()); got != 1 {
		t.Fatalf("Aggregate created %d incidents, want 1", got)
	}
	inc := fs.created[0].inc
	if inc.Name != "Attack from 1.2.3.4" {
		t.Errorf("name = %q", inc.Name)
	}
	if inc.AttackVector != "brute_force" {
		t.Errorf("attack_vector = %q, want brute_force", inc.AttackVector)
	}
	if inc.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high", inc.Severity)
	}
	if len(inc.AffectedDevices) != 2 || inc.AffectedDevices[0] != "h1" || inc.AffectedDevices[1] != "h2" {
		t.Errorf("affected_devices = %v, want [h1 h2]", inc.AffectedDevices)
	}
	if len(fs.created[0].ids) != 2 {
		t.Errorf("linked %d alerts, want 2", len(fs.created[0].ids))
	}
}

func TestSingleAlertNeverFormsAnIncident(t *testing.T) {
	base := time.Now().UTC()
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "ssh_brute_force", "agent-1", models.SeverityHigh, base,
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h1"}),
	}}
	agg := New(fs, Options{})

	if got := agg.Aggregate(context.Background()); got != 0 {
		t.Fatalf("Aggregate created %d incidents from a lone alert", got)
	}
}

func TestAlertsOutsideWindowStaySeparate(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "ssh_brute_force", "agent-1", models.SeverityHigh, base,
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h1"}),
		mkAlert("a2", "ssh_brute_force", "agent-2", models.SeverityHigh, base.Add(31*time.Minute),
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h2"}),
	}}
	agg := New(fs, Options{})

	if got := agg.Aggregate(context.Background()); got != 0 {
		t.Fatalf("created %d incidents from alerts 31m apart", got)
	}
}

func TestGroupingComparesAgainstSeedOnly(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// a2 sits 20m after the seed and 20m before a3. a3 is 40m from the
	// seed, so it must not join even though it is close to a2.
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "ssh_brute_force", "agent-1", models.SeverityHigh, base,
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h1"}),
		mkAlert("a2", "ssh_brute_force", "agent-2", models.SeverityHigh, base.Add(20*time.Minute),
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h2"}),
		mkAlert("a3", "ssh_brute_force", "agent-3", models.SeverityHigh, base.Add(40*time.Minute),
			map[string]any{"source_ip": "1.2.3.4", "hostname": "h3"}),
	}}
	agg := New(fs, Options{})

	if got := agg.Aggregate(context.Background()); got != 1 {
		t.Fatalf("Aggregate created %d incidents, want 1", got)
	}
	if got := len(fs.created[0].ids); got != 2 {
		t.Fatalf("seed group has %d members, want 2 (no transitive closure)", got)
	}
}

func TestThreeHighMembersPromoteToCritical(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	details := map[string]any{"source_ip": "1.2.3.4", "hostname": "h1"}
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "ssh_brute_force", "agent-1", models.SeverityHigh, base, details),
		mkAlert("a2", "ssh_brute_force", "agent-1", models.SeverityHigh, base.Add(time.Minute), details),
		mkAlert("a3", "privilege_escalation", "agent-1", models.SeverityHigh, base.Add(2*time.Minute), details),
	}}
	agg := New(fs, Options{})
	agg.Aggregate(context.Background())

	if len(fs.created) != 1 {
		t.Fatalf("created %d incidents, want 1", len(fs.created))
	}
	if got := fs.created[0].inc.Severity; got != models.SeverityCritical {
		t.Errorf("severity = %s, want critical after 3 high members", got)
	}
}

func TestSameDeviceRuleFamiliesGroup(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "cpu_spike", "agent-1", models.SeverityMedium, base,
			map[string]any{"cpu_percent": 95.0}),
		mkAlert("a2", "coordinated_resource_spike", "agent-1", models.SeverityHigh, base.Add(5*time.Minute),
			map[string]any{"device_count": 2}),
	}}
	agg := New(fs, Options{})

	if got := agg.Aggregate(context.Background()); got != 1 {
		t.Fatalf("resource-family alerts on one device did not group (created %d)", got)
	}
	inc := fs.created[0].inc
	if inc.AttackVector != "resource_abuse" {
		t.Errorf("attack_vector = %q, want resource_abuse", inc.AttackVector)
	}
	if inc.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high (max member)", inc.Severity)
	}
}

func TestUnrelatedRulesOnOneDeviceStaySeparate(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "cpu_spike", "agent-1", models.SeverityMedium, base, map[string]any{}),
		mkAlert("a2", "suspicious_command", "agent-1", models.SeverityHigh, base.Add(time.Minute),
			map[string]any{"command": "nc -e /bin/sh"}),
	}}
	agg := New(fs, Options{})

	if got := agg.Aggregate(context.Background()); got != 0 {
		t.Fatalf("alerts from different families grouped (created %d)", got)
	}
}

func TestNameTemplates(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Same host, no shared address.
	fs := &fakeStore{alerts: []models.Alert{
		mkAlert("a1", "privilege_escalation", "agent-1", models.SeverityHigh, base,
			map[string]any{"hostname": "build-1"}),
		mkAlert("a2", "sudo_failure", "agent-1", models.SeverityMedium, base.Add(time.Minute),
			map[string]any{"hostname": "build-1"}),
	}}
	agg := New(fs, Options{})
	agg.Aggregate(context.Background())
	if len(fs.created) != 1 {
		t.Fatalf("created %d incidents, want 1", len(fs.created))
	}
	if got := fs.created[0].inc.Name; got != "Security incident on build-1" {
		t.Errorf("single-host name = %q", got)
	}

	// Two hosts but no address shared by every member, so the group
	// falls through to the multi-device template.
	fs = &fakeStore{alerts: []models.Alert{
		mkAlert("b1", "ssh_brute_force", "agent-1", models.SeverityHigh, base,
			map[string]any{"source_ip": "9.9.9.9", "hostname": "h1"}),
		mkAlert("b2", "distributed_brute_force", "", models.SeverityCritical, base.Add(time.Minute),
			map[string]any{"source_ip": "9.9.9.9", "hostname": "h2"}),
		mkAlert("b3", "ssh_brute_force", "agent-2", models.SeverityHigh, base.Add(2*time.Minute),
			map[string]any{"source_ip": "8.8.8.8", "hostname": "h1"}),
	}}
	agg = New(fs, Options{})
	agg.Aggregate(context.Background())
	if len(fs.created) != 1 {
		t.Fatalf("created %d incidents, want 1", len(fs.created))
	}
	if got := fs.created[0].inc.Name; got != "Multi-device security incident" {
		t.Errorf("multi-device name = %q", got)
	}
}

func TestAggregatePassesLoadErrors(t *testing.T) {
	fs := &fakeStore{loadErr: context.DeadlineExceeded}
	agg := New(fs, Options{})
	if got := agg.Aggregate(context.Background()); got != 0 {
		t.Fatalf("Aggregate created %d incidents despite load failure", got)
	}
	if len(fs.created) != 0 {
		t.Fatal("incident created despite load failure")
	}
}

func TestRuleFamily(t *testing.T) {
	cases := map[string]string{
		"ssh_brute_force":            "brute_force",
		"distributed_brute_force":    "brute_force",
		"privilege_escalation":       "privilege_escalation",
		"cpu_spike":                  "resource",
		"coordinated_resource_spike": "resource",
		"suspicious_command":         "",
		"ml_anomaly":                 "",
		"port_scan":                  "",
	}
	for rule, want := range cases {
		if got := ruleFamily(rule); got != want {
			t.Errorf("ruleFamily(%q) = %q, want %q", rule, got, want)
		}
	}
}

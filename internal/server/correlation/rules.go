// Package correlation runs periodic SQL-driven detection rules over the
// central store and raises alerts for suspect activity.
package correlation

import (
	"context"
	"strings"
	"time"

	"github.com/aegis-siem/aegis/internal/config"
	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// Rule names double as alert rule_name values, so the incident
// aggregator's family matching keys off them.
const (
	RuleSSHBruteForce         = "ssh_brute_force"
	RuleDistributedBruteForce = "distributed_brute_force"
	RulePrivilegeEscalation   = "privilege_escalation"
	RulePortScan              = "port_scan"
	RuleResourceSpike         = "coordinated_resource_spike"
)

// minCoordinatedDevices is how many devices must spike together before
// the resource rule considers the activity coordinated.
const minCoordinatedDevices = 2

// Finding is one suspect group surfaced by a probe. Key is the semantic
// identity used for duplicate suppression; Details lands in the alert.
type Finding struct {
	AgentID string
	Key     map[string]string
	Details map[string]any
}

// Store is the slice of the central store the correlator reads and writes.
type Store interface {
	FailedLoginGroups(ctx context.Context, since time.Time, threshold int) ([]store.FailedLoginGroup, error)
	DistributedFailedLogins(ctx context.Context, since time.Time, minDevices int) ([]store.DistributedFailedLogin, error)
	FailedPrivilegeEscalations(ctx context.Context, since time.Time, threshold int) ([]store.PrivilegeEscalationGroup, error)
	PortScanGroups(ctx context.Context, since time.Time, minPorts int) ([]store.PortScanGroup, error)
	ResourceSpikes(ctx context.Context, since time.Time, threshold float64) ([]store.ResourceSpike, error)
	RecentAlertMatching(ctx context.Context, ruleName string, key map[string]string, since time.Time) (bool, error)
	InsertAlert(ctx context.Context, a *models.Alert, window time.Duration) (bool, error)
}

type probeFunc func(ctx context.Context, st Store, since time.Time, r Rule) ([]Finding, error)

// Rule is one correlation detector. Threshold means failure count for the
// brute-force rules, attempt count for privilege escalation, distinct
// ports for port scans, and CPU percent for resource spikes.
type Rule struct {
	Name        string
	Enabled     bool
	Severity    models.Severity
	Threshold   int
	DedupWindow time.Duration // zero falls back to the engine lookback

	probe probeFunc
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:      RuleSSHBruteForce,
			Enabled:   true,
			Severity:  models.SeverityHigh,
			Threshold: 3,
			probe:     probeFailedLogins,
		},
		{
			Name:      RuleDistributedBruteForce,
			Enabled:   true,
			Severity:  models.SeverityCritical,
			Threshold: 2,
			probe:     probeDistributedFailedLogins,
		},
		{
			Name:      RulePrivilegeEscalation,
			Enabled:   true,
			Severity:  models.SeverityHigh,
			Threshold: 2,
			probe:     probePrivilegeEscalations,
		},
		{
			Name:      RulePortScan,
			Enabled:   true,
			Severity:  models.SeverityMedium,
			Threshold: 10,
			probe:     probePortScans,
		},
		{
			Name:        RuleResourceSpike,
			Enabled:     true,
			Severity:    models.SeverityHigh,
			Threshold:   90,
			DedupWindow: 30 * time.Minute,
			probe:       probeResourceSpikes,
		},
	}
}

// configureRules applies per-rule overrides keyed by rule name. Unknown
// rule names and unknown severities are rejected so a config typo fails
// startup instead of silently running defaults.
func configureRules(rules []Rule, overrides map[string]config.RuleSetting) ([]Rule, error) {
	const op = "correlation.configure_rules"

	byName := make(map[string]int, len(rules))
	for i, r := range rules {
		byName[r.Name] = i
	}
	for name, setting := range overrides {
		i, ok := byName[name]
		if !ok {
			return nil, errors.Validation(op, "unknown correlation rule %q", name)
		}
		if setting.Enabled != nil {
			rules[i].Enabled = *setting.Enabled
		}
		if setting.Threshold > 0 {
			rules[i].Threshold = setting.Threshold
		}
		if setting.Severity != "" {
			sev := models.Severity(strings.ToLower(strings.TrimSpace(setting.Severity)))
			if !sev.Valid() {
				return nil, errors.Validation(op, "rule %q: unknown severity %q", name, setting.Severity)
			}
			rules[i].Severity = sev
		}
	}
	return rules, nil
}

func probeFailedLogins(ctx context.Context, st Store, since time.Time, r Rule) ([]Finding, error) {
	groups, err := st.FailedLoginGroups(ctx, since, r.Threshold)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(groups))
	for _, g := range groups {
		findings = append(findings, Finding{
			AgentID: g.AgentID,
			Key:     map[string]string{"hostname": g.Hostname, "source_ip": g.SourceIP},
			Details: map[string]any{
				"hostname":        g.Hostname,
				"source_ip":       g.SourceIP,
				"failure_count":   g.FailureCount,
				"first_attempt":   g.FirstAttempt.UTC().Format(time.RFC3339),
				"last_attempt":    g.LastAttempt.UTC().Format(time.RFC3339),
				"sample_messages": g.SampleMessages,
			},
		})
	}
	return findings, nil
}

func probeDistributedFailedLogins(ctx context.Context, st Store, since time.Time, r Rule) ([]Finding, error) {
	groups, err := st.DistributedFailedLogins(ctx, since, r.Threshold)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(groups))
	for _, g := range groups {
		findings = append(findings, Finding{
			Key: map[string]string{"source_ip": g.SourceIP},
			Details: map[string]any{
				"source_ip":     g.SourceIP,
				"device_count":  g.DeviceCount,
				"failure_count": g.FailureCount,
				"hostnames":     g.Hostnames,
				"first_attempt": g.FirstAttempt.UTC().Format(time.RFC3339),
				"last_attempt":  g.LastAttempt.UTC().Format(time.RFC3339),
			},
		})
	}
	return findings, nil
}

func probePrivilegeEscalations(ctx context.Context, st Store, since time.Time, r Rule) ([]Finding, error) {
	groups, err := st.FailedPrivilegeEscalations(ctx, since, r.Threshold)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(groups))
	for _, g := range groups {
		findings = append(findings, Finding{
			AgentID: g.AgentID,
			Key:     map[string]string{"hostname": g.Hostname},
			Details: map[string]any{
				"hostname":        g.Hostname,
				"attempt_count":   g.AttemptCount,
				"first_attempt":   g.FirstAttempt.UTC().Format(time.RFC3339),
				"last_attempt":    g.LastAttempt.UTC().Format(time.RFC3339),
				"sample_messages": g.SampleMessages,
			},
		})
	}
	return findings, nil
}

func probePortScans(ctx context.Context, st Store, since time.Time, r Rule) ([]Finding, error) {
	groups, err := st.PortScanGroups(ctx, since, r.Threshold)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(groups))
	for _, g := range groups {
		findings = append(findings, Finding{
			AgentID: g.AgentID,
			Key:     map[string]string{"hostname": g.Hostname, "source_ip": g.SourceIP},
			Details: map[string]any{
				"hostname":     g.Hostname,
				"source_ip":    g.SourceIP,
				"unique_ports": g.PortCount,
				"packet_count": g.PacketCount,
				"first_seen":   g.FirstSeen.UTC().Format(time.RFC3339),
				"last_seen":    g.LastSeen.UTC().Format(time.RFC3339),
			},
		})
	}
	return findings, nil
}

// probeResourceSpikes raises one platform-wide finding when enough devices
// peak above the CPU threshold in the same window, a pattern that points
// at cryptomining or a worm rather than one busy host.
func probeResourceSpikes(ctx context.Context, st Store, since time.Time, r Rule) ([]Finding, error) {
	spikes, err := st.ResourceSpikes(ctx, since, float64(r.Threshold))
	if err != nil {
		return nil, err
	}
	if len(spikes) < minCoordinatedDevices {
		return nil, nil
	}
	hostnames := make([]string, 0, len(spikes))
	devices := make([]map[string]any, 0, len(spikes))
	peak := 0.0
	for _, sp := range spikes {
		hostnames = append(hostnames, sp.Hostname)
		devices = append(devices, map[string]any{
			"hostname":    sp.Hostname,
			"peak_cpu":    sp.PeakCPU,
			"peak_memory": sp.PeakMemory,
		})
		if sp.PeakCPU > peak {
			peak = sp.PeakCPU
		}
	}
	return []Finding{{
		Key: map[string]string{},
		Details: map[string]any{
			"device_count":  len(spikes),
			"hostnames":     hostnames,
			"devices":       devices,
			"peak_cpu":      peak,
			"cpu_threshold": r.Threshold,
		},
	}}, nil
}

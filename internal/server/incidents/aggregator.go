// Package incidents groups related alerts into incidents on a fixed
// cadence so analysts triage one campaign instead of a page of alerts.
package incidents

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/metrics"
	"github.com/aegis-siem/aegis/internal/models"
)

const (
	defaultInterval = 2 * time.Minute
	defaultLookback = time.Hour

	// pairWindow caps how far a member may sit from its group's seed.
	pairWindow = 30 * time.Minute

	defaultMinGroupSize = 2

	// criticalHighCount promotes an incident to critical when this many
	// members are high severity or above.
	criticalHighCount = 3
)

// Store is the slice of the central store the aggregator needs.
type Store interface {
	UngroupedAlerts(ctx context.Context, since time.Time) ([]models.Alert, error)
	CreateIncident(ctx context.Context, inc *models.Incident, alertIDs []string) error
}

// Broadcaster pushes newly created incidents to connected clients.
type Broadcaster interface {
	BroadcastIncident(inc *models.Incident)
}

// Options tune the aggregation cadence and group floor.
type Options struct {
	Interval     time.Duration
	Lookback     time.Duration
	MinGroupSize int
	Broadcast    Broadcaster
}

// Aggregator periodically partitions ungrouped alerts into related
// clusters and persists clusters that are large enough as incidents.
type Aggregator struct {
	store     Store
	interval  time.Duration
	lookback  time.Duration
	minGroup  int
	broadcast Broadcaster
}

// New builds an aggregator over the given store.
func New(st Store, opts Options) *Aggregator {
	a := &Aggregator{
		store:     st,
		interval:  opts.Interval,
		lookback:  opts.Lookback,
		minGroup:  opts.MinGroupSize,
		broadcast: opts.Broadcast,
	}
	if a.interval <= 0 {
		a.interval = defaultInterval
	}
	if a.lookback <= 0 {
		a.lookback = defaultLookback
	}
	if a.minGroup <= 0 {
		a.minGroup = defaultMinGroupSize
	}
	return a
}

// Run aggregates immediately, then on every tick until the context is
// cancelled. Failed passes are logged and retried on the next tick.
func (a *Aggregator) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", a.interval).
		Dur("lookback", a.lookback).
		Msg("Incident aggregator started")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Aggregate(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Incident aggregator stopped")
			return ctx.Err()
		case <-ticker.C:
			a.Aggregate(ctx)
		}
	}
}

// Aggregate runs one grouping pass and returns how many incidents were
// created. Alerts that fail to cluster stay ungrouped and are
// reconsidered next pass while they remain inside the lookback.
func (a *Aggregator) Aggregate(ctx context.Context) int {
	alerts, err := a.store.UngroupedAlerts(ctx, time.Now().Add(-a.lookback))
	if err != nil {
		log.Error().Err(err).Msg("Failed to load ungrouped alerts")
		return 0
	}
	if len(alerts) == 0 {
		return 0
	}

	created := 0
	for _, group := range groupRelated(alerts) {
		if len(group) < a.minGroup {
			continue
		}
		inc := buildIncident(group)
		ids := make([]string, len(group))
		for i, m := range group {
			ids[i] = m.ID
		}
		if err := a.store.CreateIncident(ctx, inc, ids); err != nil {
			if stderrors.Is(err, context.Canceled) {
				return created
			}
			log.Error().Err(err).Str("name", inc.Name).Msg("Failed to create incident")
			continue
		}
		created++
		metrics.RecordIncidentCreated(inc.AttackVector)
		if a.broadcast != nil {
			a.broadcast.BroadcastIncident(inc)
		}
		log.Info().
			Int64("incident_id", inc.ID).
			Str("name", inc.Name).
			Str("severity", string(inc.Severity)).
			Int("alerts", inc.AlertCount).
			Msg("Incident created")
	}
	return created
}

// groupRelated walks alerts in time order. Each unclaimed alert seeds a
// group and absorbs every later unclaimed alert related to the seed.
// Membership is judged against the seed only, not between members, so no
// transitive closure is computed and a quiet alert cannot bridge two
// separate campaigns.
func groupRelated(alerts []models.Alert) [][]models.Alert {
	used := make([]bool, len(alerts))
	var groups [][]models.Alert
	for i := range alerts {
		if used[i] {
			continue
		}
		used[i] = true
		seed := alerts[i]
		group := []models.Alert{seed}
		for j := i + 1; j < len(alerts); j++ {
			if used[j] {
				continue
			}
			if related(&seed, &alerts[j]) {
				used[j] = true
				group = append(group, alerts[j])
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// related reports whether two alerts belong to the same activity: close
// enough in time, and tied by source address, by device plus rule
// family, or by hostname.
func related(a, b *models.Alert) bool {
	gap := a.CreatedAt.Sub(b.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > pairWindow {
		return false
	}
	if ip := a.DetailString("source_ip"); ip != "" && ip == b.DetailString("source_ip") {
		return true
	}
	if a.AgentID != "" && a.AgentID == b.AgentID {
		fa, fb := ruleFamily(a.RuleName), ruleFamily(b.RuleName)
		if fa != "" && fa == fb {
			return true
		}
	}
	if h := a.DetailString("hostname"); h != "" && h == b.DetailString("hostname") {
		return true
	}
	return false
}

// ruleFamily buckets rule names into coarse behavior families so that,
// for example, agent-side and server-side brute force detections on the
// same device group together.
func ruleFamily(ruleName string) string {
	name := strings.ToLower(ruleName)
	switch {
	case strings.Contains(name, "brute_force") || strings.Contains(name, "failed_login"):
		return "brute_force"
	case strings.Contains(name, "privilege") || strings.Contains(name, "escalation") || strings.Contains(name, "sudo"):
		return "privilege_escalation"
	case strings.Contains(name, "resource") || strings.Contains(name, "cpu") ||
		strings.Contains(name, "memory") || strings.Contains(name, "spike"):
		return "resource"
	default:
		return ""
	}
}

// attackVector labels the incident from its members' rule names.
func attackVector(members []models.Alert) string {
	var names []string
	for _, m := range members {
		names = append(names, strings.ToLower(m.RuleName))
	}
	joined := strings.Join(names, " ")
	switch {
	case strings.Contains(joined, "brute_force") || strings.Contains(joined, "failed_login"):
		return "brute_force"
	case strings.Contains(joined, "privilege") || strings.Contains(joined, "sudo"):
		return "privilege_escalation"
	case strings.Contains(joined, "scan") || strings.Contains(joined, "recon"):
		return "reconnaissance"
	case strings.Contains(joined, "resource") || strings.Contains(joined, "cpu") ||
		strings.Contains(joined, "memory") || strings.Contains(joined, "spike"):
		return "resource_abuse"
	default:
		return "unknown"
	}
}

// incidentSeverity is the highest member severity, promoted to critical
// when enough members are already high.
func incidentSeverity(members []models.Alert) models.Severity {
	top := models.SeverityLow
	high := 0
	for _, m := range members {
		top = models.MaxSeverity(top, m.Severity)
		if m.Severity.Rank() >= models.SeverityHigh.Rank() {
			high++
		}
	}
	if high >= criticalHighCount {
		return models.SeverityCritical
	}
	return top
}

// affectedDevices lists the distinct hostnames touched by the members,
// falling back to agent ids for alerts without a hostname detail.
func affectedDevices(members []models.Alert) []string {
	seen := map[string]bool{}
	var devices []string
	for _, m := range members {
		name := m.DetailString("hostname")
		if name == "" {
			name = m.AgentID
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		devices = append(devices, name)
	}
	sort.Strings(devices)
	return devices
}

// commonDetail returns the detail value shared by every member, or "".
func commonDetail(members []models.Alert, key string) string {
	value := members[0].DetailString(key)
	if value == "" {
		return ""
	}
	for _, m := range members[1:] {
		if m.DetailString(key) != value {
			return ""
		}
	}
	return value
}

// incidentName picks the most specific template the group supports.
func incidentName(members []models.Alert) string {
	if ip := commonDetail(members, "source_ip"); ip != "" {
		return "Attack from " + ip
	}
	devices := affectedDevices(members)
	switch {
	case len(devices) == 1:
		return "Security incident on " + devices[0]
	case len(devices) > 1:
		return "Multi-device security incident"
	default:
		return fmt.Sprintf("Security incident (%d alerts)", len(members))
	}
}

func uniqueRuleNames(members []models.Alert) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range members {
		if seen[m.RuleName] {
			continue
		}
		seen[m.RuleName] = true
		names = append(names, m.RuleName)
	}
	sort.Strings(names)
	return names
}

// buildIncident assembles the incident row for one related group. The
// store fills ID and timestamps on insert.
func buildIncident(members []models.Alert) *models.Incident {
	first, last := members[0].CreatedAt, members[0].CreatedAt
	for _, m := range members[1:] {
		if m.CreatedAt.Before(first) {
			first = m.CreatedAt
		}
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	rules := uniqueRuleNames(members)
	return &models.Incident{
		Name: incidentName(members),
		Description: fmt.Sprintf("%d related alerts (%s) between %s and %s",
			len(members), strings.Join(rules, ", "),
			first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339)),
		Severity:        incidentSeverity(members),
		Status:          models.IncidentOpen,
		AlertCount:      len(members),
		AffectedDevices: affectedDevices(members),
		AttackVector:    attackVector(members),
		Metadata: map[string]any{
			"rule_names":   rules,
			"window_start": first.UTC().Format(time.RFC3339),
			"window_end":   last.UTC().Format(time.RFC3339),
		},
	}
}

package correlation

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/config"
	"github.com/aegis-siem/aegis/internal/metrics"
	"github.com/aegis-siem/aegis/internal/models"
)

const (
	defaultInterval = time.Minute
	defaultLookback = 5 * time.Minute
)

// Broadcaster pushes newly raised alerts to connected clients.
type Broadcaster interface {
	BroadcastAlert(a *models.Alert)
}

// Options tune the engine cadence and rule set.
type Options struct {
	Interval  time.Duration
	Lookback  time.Duration
	Overrides map[string]config.RuleSetting
	Broadcast Broadcaster
}

// Engine evaluates every enabled rule against the central store on a
// fixed cadence and emits alerts for suspect groups.
type Engine struct {
	store     Store
	interval  time.Duration
	lookback  time.Duration
	rules     []Rule
	broadcast Broadcaster
}

// New builds an engine with the built-in rules, adjusted by any
// per-rule overrides.
func New(st Store, opts Options) (*Engine, error) {
	rules, err := configureRules(builtinRules(), opts.Overrides)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:     st,
		interval:  opts.Interval,
		lookback:  opts.Lookback,
		rules:     rules,
		broadcast: opts.Broadcast,
	}
	if e.interval <= 0 {
		e.interval = defaultInterval
	}
	if e.lookback <= 0 {
		e.lookback = defaultLookback
	}
	return e, nil
}

// Rules returns the effective rule set after overrides.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Run analyzes immediately, then on every tick until the context is
// cancelled. Failed passes are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", e.interval).
		Dur("lookback", e.lookback).
		Int("rules", len(e.rules)).
		Msg("Correlation engine started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Analyze(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Correlation engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Analyze(ctx)
		}
	}
}

// Analyze runs one pass over all enabled rules and returns how many
// alerts were raised. A failing probe skips to the next rule.
func (e *Engine) Analyze(ctx context.Context) int {
	start := time.Now()
	since := start.Add(-e.lookback)

	emitted := 0
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		findings, err := r.probe(ctx, e.store, since, r)
		if err != nil {
			if stderrors.Is(err, context.Canceled) {
				return emitted
			}
			log.Error().Err(err).Str("rule", r.Name).Msg("Correlation probe failed")
			continue
		}
		for _, f := range findings {
			ok, err := e.emit(ctx, r, f, start)
			if err != nil {
				if stderrors.Is(err, context.Canceled) {
					return emitted
				}
				log.Error().Err(err).Str("rule", r.Name).Msg("Failed to raise alert")
				continue
			}
			if ok {
				emitted++
			}
		}
	}
	metrics.ObserveCorrelationPass(time.Since(start))
	if emitted > 0 {
		log.Info().Int("alerts", emitted).Dur("took", time.Since(start)).Msg("Correlation pass complete")
	} else {
		log.Debug().Dur("took", time.Since(start)).Msg("Correlation pass complete")
	}
	return emitted
}

// emit raises one alert for the finding unless an alert with the same
// rule and semantic key already exists inside the dedup window.
func (e *Engine) emit(ctx context.Context, r Rule, f Finding, now time.Time) (bool, error) {
	window := r.DedupWindow
	if window <= 0 {
		window = e.lookback
	}
	dup, err := e.store.RecentAlertMatching(ctx, r.Name, f.Key, now.Add(-window))
	if err != nil {
		return false, err
	}
	if dup {
		metrics.RecordAlertSuppressed(r.Name)
		log.Debug().Str("rule", r.Name).Interface("key", f.Key).Msg("Duplicate alert suppressed")
		return false, nil
	}

	alert := &models.Alert{
		ID:               ulid.Make().String(),
		RuleName:         r.Name,
		Severity:         r.Severity,
		Details:          f.Details,
		AgentID:          f.AgentID,
		CreatedAt:        now.UTC(),
		AssignmentStatus: models.StatusUnassigned,
	}
	inserted, err := e.store.InsertAlert(ctx, alert, 0)
	if err != nil {
		return false, err
	}
	if !inserted {
		metrics.RecordAlertSuppressed(r.Name)
		return false, nil
	}

	metrics.RecordAlertEmitted(r.Name, string(r.Severity))
	if e.broadcast != nil {
		e.broadcast.BroadcastAlert(alert)
	}
	log.Info().
		Str("rule", r.Name).
		Str("severity", string(r.Severity)).
		Str("agent_id", f.AgentID).
		Str("alert_id", alert.ID).
		Msg("Alert raised")
	return true, nil
}

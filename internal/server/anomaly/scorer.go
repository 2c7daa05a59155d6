package anomaly

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/metrics"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/store"
)

// RuleName marks alerts raised by the anomaly scorer.
const RuleName = "ml_anomaly"

const (
	defaultInterval = 10 * time.Minute

	// deviceWindow bounds how recently a device must have reported to
	// be scored; featureWindow is the aggregation span per device.
	deviceWindow  = 2 * time.Hour
	featureWindow = time.Hour

	// minActivityEvents skips hosts too idle to score meaningfully.
	minActivityEvents = 5
)

// Store is the slice of the central store the scorer needs.
type Store interface {
	ActiveDevices(ctx context.Context, since time.Time) ([]models.Device, error)
	DeviceActivitySince(ctx context.Context, agentID string, since time.Time) (*store.DeviceActivity, error)
	InsertAlert(ctx context.Context, a *models.Alert, window time.Duration) (bool, error)
}

// Broadcaster pushes newly raised alerts to connected clients.
type Broadcaster interface {
	BroadcastAlert(a *models.Alert)
}

// Options tune the scoring cadence.
type Options struct {
	Interval  time.Duration
	Broadcast Broadcaster
}

// Scorer periodically builds a feature window per online device and
// scores it through the model, alerting on anomalies.
type Scorer struct {
	store     Store
	model     *Model
	interval  time.Duration
	broadcast Broadcaster
	now       func() time.Time
}

// NewScorer builds a scorer around a loaded model.
func NewScorer(st Store, model *Model, opts Options) *Scorer {
	s := &Scorer{
		store:     st,
		model:     model,
		interval:  opts.Interval,
		broadcast: opts.Broadcast,
		now:       time.Now,
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	return s
}

// Run scores immediately, then on every tick until the context is
// cancelled. Failed passes are logged and retried on the next tick.
func (s *Scorer) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", s.interval).
		Int("features", len(s.model.FeatureNames())).
		Msg("Anomaly scorer started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ScoreOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Anomaly scorer stopped")
			return ctx.Err()
		case <-ticker.C:
			s.ScoreOnce(ctx)
		}
	}
}

// ScoreOnce scores every recently seen online device and returns how
// many alerts were raised. A failing device skips to the next.
func (s *Scorer) ScoreOnce(ctx context.Context) int {
	now := s.now()
	devices, err := s.store.ActiveDevices(ctx, now.Add(-deviceWindow))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices for scoring")
		return 0
	}

	raised := 0
	for _, d := range devices {
		if ctx.Err() != nil {
			return raised
		}
		emitted, err := s.scoreDevice(ctx, d, now)
		if err != nil {
			if stderrors.Is(err, context.Canceled) {
				return raised
			}
			log.Error().Err(err).Str("agent_id", d.AgentID).Msg("Failed to score device")
			continue
		}
		if emitted {
			raised++
		}
	}
	if raised > 0 {
		log.Info().Int("alerts", raised).Int("devices", len(devices)).Msg("Scoring pass complete")
	} else {
		log.Debug().Int("devices", len(devices)).Msg("Scoring pass complete")
	}
	return raised
}

func (s *Scorer) scoreDevice(ctx context.Context, d models.Device, now time.Time) (bool, error) {
	activity, err := s.store.DeviceActivitySince(ctx, d.AgentID, now.Add(-featureWindow))
	if err != nil {
		return false, err
	}
	if activity.LogCount+activity.CommandCount+activity.ProcessCount < minActivityEvents {
		metrics.RecordDeviceScored("skipped")
		return false, nil
	}

	features := featureVector(activity, now)
	anomalous, score, severity := s.model.Predict(features)
	if !anomalous {
		metrics.RecordDeviceScored("normal")
		return false, nil
	}
	metrics.RecordDeviceScored("anomaly")

	alert := &models.Alert{
		ID:       ulid.Make().String(),
		RuleName: RuleName,
		Severity: severity,
		Details: map[string]any{
			"hostname": d.Hostname,
			"score":    score,
			"features": features,
		},
		AgentID:          d.AgentID,
		CreatedAt:        now.UTC(),
		AssignmentStatus: models.StatusUnassigned,
	}
	inserted, err := s.store.InsertAlert(ctx, alert, store.AlertDedupWindow)
	if err != nil {
		return false, err
	}
	if !inserted {
		metrics.RecordAlertSuppressed(RuleName)
		return false, nil
	}
	metrics.RecordAlertEmitted(RuleName, string(severity))
	if s.broadcast != nil {
		s.broadcast.BroadcastAlert(alert)
	}
	log.Info().
		Str("agent_id", d.AgentID).
		Str("hostname", d.Hostname).
		Float64("score", score).
		Str("severity", string(severity)).
		Msg("Anomalous device activity")
	return true, nil
}

// featureVector names the 15 model inputs for one device window.
func featureVector(a *store.DeviceActivity, now time.Time) map[string]float64 {
	isWeekend := 0.0
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		isWeekend = 1
	}
	return map[string]float64{
		"hour":               float64(now.Hour()),
		"weekday":            float64(now.Weekday()),
		"is_weekend":         isWeekend,
		"cpu_percent":        a.CPUPercent,
		"memory_percent":     a.MemoryPercent,
		"disk_percent":       a.DiskPercent,
		"network_mb_sent":    a.NetworkMBSent,
		"network_mb_recv":    a.NetworkMBRecv,
		"process_count":      a.ProcessCount,
		"max_process_cpu":    a.MaxProcessCPU,
		"max_process_memory": a.MaxProcessMemory,
		"command_count":      a.CommandCount,
		"sudo_count":         a.SudoCount,
		"log_count":          a.LogCount,
		"error_count":        a.ErrorCount,
	}
}

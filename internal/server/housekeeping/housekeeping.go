// Package housekeeping runs the server's maintenance loops: the daily
// telemetry purge and the device liveness refresh.
package housekeeping

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/metrics"
	"github.com/aegis-siem/aegis/internal/models"
)

const (
	defaultRetentionDays  = 180
	defaultStatusInterval = 30 * time.Second
)

// Store is the slice of the central store the maintenance loops need.
type Store interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error)
	DeleteExpiredInvitations(ctx context.Context) (int64, error)
	Reclaim(ctx context.Context) error
	MarkStaleDevices(ctx context.Context, threshold time.Duration) (int64, error)
	ActiveDevices(ctx context.Context, since time.Time) ([]models.Device, error)
}

// Options tune retention depth and refresh cadence.
type Options struct {
	RetentionDays  int
	RetentionHour  int // local hour of day for the daily purge
	StatusInterval time.Duration
	OfflineAfter   time.Duration
}

// Keeper owns the retention and device status loops.
type Keeper struct {
	store          Store
	retentionDays  int
	retentionHour  int
	statusInterval time.Duration
	offlineAfter   time.Duration
}

// New builds a keeper over the given store.
func New(st Store, opts Options) *Keeper {
	k := &Keeper{
		store:          st,
		retentionDays:  opts.RetentionDays,
		retentionHour:  opts.RetentionHour,
		statusInterval: opts.StatusInterval,
		offlineAfter:   opts.OfflineAfter,
	}
	if k.retentionDays <= 0 {
		k.retentionDays = defaultRetentionDays
	}
	if k.retentionHour < 0 || k.retentionHour > 23 {
		k.retentionHour = 3
	}
	if k.statusInterval <= 0 {
		k.statusInterval = defaultStatusInterval
	}
	if k.offlineAfter <= 0 {
		k.offlineAfter = models.StalenessThreshold
	}
	return k
}

// RunRetention purges once a day at the configured local hour until the
// context is cancelled. A failed purge is retried the next day; rows it
// missed are still older than the cutoff then.
func (k *Keeper) RunRetention(ctx context.Context) error {
	log.Info().
		Int("retention_days", k.retentionDays).
		Int("hour", k.retentionHour).
		Msg("Retention loop started")

	for {
		next := nextPurgeTime(time.Now(), k.retentionHour)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Retention loop stopped")
			return ctx.Err()
		case <-timer.C:
			k.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce deletes telemetry past the retention window, then reclaims the
// space if anything was removed. Returns the total rows purged.
func (k *Keeper) PurgeOnce(ctx context.Context) int64 {
	cutoff := time.Now().AddDate(0, 0, -k.retentionDays)
	deleted, err := k.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("Retention purge failed")
	}

	var total int64
	for table, n := range deleted {
		metrics.RecordRowsPurged(table, n)
		total += n
	}

	if n, err := k.store.DeleteExpiredInvitations(ctx); err != nil {
		log.Warn().Err(err).Msg("Expired invitation cleanup failed")
	} else if n > 0 {
		metrics.RecordRowsPurged("invitations", n)
		log.Info().Int64("invitations", n).Msg("Removed expired invitations")
	}

	if total == 0 {
		return 0
	}

	if err := k.store.Reclaim(ctx); err != nil {
		log.Warn().Err(err).Msg("Space reclaim failed")
	}
	log.Info().
		Int64("rows", total).
		Time("cutoff", cutoff).
		Msg("Retention purge finished")
	return total
}

// nextPurgeTime returns the next occurrence of the given local hour,
// strictly after now.
func nextPurgeTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunStatusRefresh flips silent devices offline on every tick and keeps
// the online-devices gauge current.
func (k *Keeper) RunStatusRefresh(ctx context.Context) error {
	log.Info().
		Dur("interval", k.statusInterval).
		Dur("offline_after", k.offlineAfter).
		Msg("Device status loop started")

	ticker := time.NewTicker(k.statusInterval)
	defer ticker.Stop()

	k.RefreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Device status loop stopped")
			return ctx.Err()
		case <-ticker.C:
			k.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce runs one staleness sweep. Returns how many devices were
// flipped offline.
func (k *Keeper) RefreshOnce(ctx context.Context) int64 {
	flipped, err := k.store.MarkStaleDevices(ctx, k.offlineAfter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark stale devices")
		return 0
	}
	if flipped > 0 {
		log.Info().
			Int64("devices", flipped).
			Dur("threshold", k.offlineAfter).
			Msg("Devices marked offline")
	}

	online, err := k.store.ActiveDevices(ctx, time.Now().Add(-k.offlineAfter))
	if err != nil {
		log.Error().Err(err).Msg("Failed to count online devices")
		return flipped
	}
	metrics.SetDevicesOnline(len(online))
	return flipped
}

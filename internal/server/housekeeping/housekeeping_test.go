package housekeeping

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

type fakeStore struct {
	purged       map[string]int64
	purgeErr     error
	purgeCutoff  time.Time
	reclaimed    bool
	invitesSwept bool
	expiredInv   int64

	flipped        int64
	markErr        error
	staleThreshold time.Duration
	online         []models.Device
}

func (f *fakeStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	f.purgeCutoff = cutoff
	return f.purged, f.purgeErr
}

func (f *fakeStore) DeleteExpiredInvitations(ctx context.Context) (int64, error) {
	f.invitesSwept = true
	return f.expiredInv, nil
}

func (f *fakeStore) Reclaim(ctx context.Context) error {
	f.reclaimed = true
	return nil
}

func (f *fakeStore) MarkStaleDevices(ctx context.Context, threshold time.Duration) (int64, error) {
	f.staleThreshold = threshold
	return f.flipped, f.markErr
}

func (f *fakeStore) ActiveDevices(ctx context.Context, since time.Time) ([]models.Device, error) {
	return f.online, nil
}

func TestPurgeOnce(t *testing.T) {
	st := &fakeStore{purged: map[string]int64{"logs": 100, "commands": 20}}
	k := New(st, Options{RetentionDays: 30})

	total := k.PurgeOnce(context.Background())
	if total != 120 {
		t.Errorf("total = %d, want 120", total)
	}
	if !st.reclaimed {
		t.Error("space should be reclaimed after deleting rows")
	}

	want := time.Now().AddDate(0, 0, -30)
	if diff := st.purgeCutoff.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", st.purgeCutoff, want)
	}
}

func TestPurgeOnceNothingToDelete(t *testing.T) {
	st := &fakeStore{purged: map[string]int64{}}
	k := New(st, Options{})

	if total := k.PurgeOnce(context.Background()); total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if st.reclaimed {
		t.Error("nothing was deleted, reclaim should be skipped")
	}
	if !st.invitesSwept {
		t.Error("expired invitations should be swept on every pass")
	}
}

func TestPurgeOnceKeepsPartialProgress(t *testing.T) {
	st := &fakeStore{
		purged:   map[string]int64{"metrics": 5},
		purgeErr: errors.Transient("store.purge_older_than", stderrors.New("deadlock on commands")),
	}
	k := New(st, Options{})

	if total := k.PurgeOnce(context.Background()); total != 5 {
		t.Errorf("total = %d, want the rows from the tables that did purge", total)
	}
	if !st.reclaimed {
		t.Error("partial purges still free space worth reclaiming")
	}
}

func TestRefreshOncePassesThreshold(t *testing.T) {
	st := &fakeStore{flipped: 2}
	k := New(st, Options{OfflineAfter: 2 * time.Minute})

	if flipped := k.RefreshOnce(context.Background()); flipped != 2 {
		t.Errorf("flipped = %d, want 2", flipped)
	}
	if st.staleThreshold != 2*time.Minute {
		t.Errorf("threshold = %v, want 2m", st.staleThreshold)
	}
}

func TestRefreshOnceToleratesStoreFailure(t *testing.T) {
	st := &fakeStore{markErr: errors.Transient("store.mark_stale_devices", stderrors.New("connection reset"))}
	k := New(st, Options{})

	if flipped := k.RefreshOnce(context.Background()); flipped != 0 {
		t.Errorf("flipped = %d, want 0 on failure", flipped)
	}
}

func TestNextPurgeTime(t *testing.T) {
	base := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{"hour already passed", base, 3, time.Date(2025, 6, 4, 3, 0, 0, 0, time.UTC)},
		{"hour still ahead", base, 15, time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)},
		{"exactly at the hour", time.Date(2025, 6, 3, 3, 0, 0, 0, time.UTC), 3, time.Date(2025, 6, 4, 3, 0, 0, 0, time.UTC)},
		{"midnight schedule", base, 0, time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextPurgeTime(tt.now, tt.hour); !got.Equal(tt.want) {
				t.Errorf("nextPurgeTime(%v, %d) = %v, want %v", tt.now, tt.hour, got, tt.want)
			}
		})
	}
}

func TestOptionDefaults(t *testing.T) {
	k := New(&fakeStore{}, Options{RetentionHour: 25})
	if k.retentionDays != defaultRetentionDays {
		t.Errorf("retentionDays = %d, want %d", k.retentionDays, defaultRetentionDays)
	}
	if k.retentionHour != 3 {
		t.Errorf("retentionHour = %d, want the 03:00 fallback", k.retentionHour)
	}
	if k.statusInterval != defaultStatusInterval {
		t.Errorf("statusInterval = %v, want %v", k.statusInterval, defaultStatusInterval)
	}
	if k.offlineAfter != models.StalenessThreshold {
		t.Errorf("offlineAfter = %v, want %v", k.offlineAfter, models.StalenessThreshold)
	}
}

func TestRunStatusRefreshStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	k := New(&fakeStore{}, Options{StatusInterval: time.Hour})
	if err := k.RunStatusRefresh(ctx); !stderrors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

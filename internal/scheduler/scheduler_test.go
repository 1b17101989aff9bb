package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_AddTaskValidatesSpec(t *testing.T) {
	s := NewScheduler().WithLogger(quietLogger())
	noop := func(context.Context) error { return nil }

	assert.NoError(t, s.AddTask("every-second", "* * * * * *", noop))
	assert.NoError(t, s.AddTask("hourly", "@hourly", noop))
	assert.NoError(t, s.AddTask("disabled", "", noop))
	assert.Error(t, s.AddTask("five-fields", "*/5 * * * *", noop))
	assert.Error(t, s.AddTask("every-second", "* * * * * *", noop), "duplicate name")

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "every-second", status[0].Name)
	assert.Equal(t, "hourly", status[1].Name)
}

func TestScheduler_RunsTasks(t *testing.T) {
	s := NewScheduler().WithLogger(quietLogger())

	var runs atomic.Int32
	require.NoError(t, s.AddTask("tick", "* * * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	status := s.Status()
	require.Len(t, status, 1)
	assert.Positive(t, status[0].Runs)
	assert.False(t, status[0].LastRun.IsZero())
}

func TestScheduler_RunNowRecordsError(t *testing.T) {
	s := NewScheduler().WithLogger(quietLogger())
	require.NoError(t, s.AddTask("broken", "@daily", func(context.Context) error {
		return errors.New("disk full")
	}))

	err := s.RunNow(context.Background(), "broken")
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, "disk full", s.Status()[0].LastError)

	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestScheduler_ValidateCron(t *testing.T) {
	s := NewScheduler()

	assert.NoError(t, s.ValidateCron("@hourly"))
	assert.NoError(t, s.ValidateCron("0 */5 * * * *"))
	assert.Error(t, s.ValidateCron("not a cron"))
}

type fakeMaintainer struct {
	workDir string
	active  map[string]bool
	cutoff  time.Time
	marked  int
}

func (f *fakeMaintainer) FailStale(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.marked, nil
}

func (f *fakeMaintainer) IsProcessing(assetID string) bool { return f.active[assetID] }

func (f *fakeMaintainer) WorkDir() string { return f.workDir }

func agedDir(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), []byte("x"), 0o644))
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, ts, ts))
}

func TestOrphanSweep(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)

	active := models.NewULID().String()
	orphan := models.NewULID().String()
	media := &fakeMaintainer{workDir: t.TempDir(), active: map[string]bool{active: true}}
	agedDir(t, filepath.Join(media.workDir, active), 48*time.Hour)
	agedDir(t, filepath.Join(media.workDir, orphan), 48*time.Hour)

	staging := filepath.Join(store.Root(), storage.RenditionsPrefix, orphan+".publish-00ff00ff")
	agedDir(t, staging, 48*time.Hour)
	empty := filepath.Join(store.Root(), storage.ThumbnailsPrefix, "leftover")
	require.NoError(t, os.MkdirAll(empty, 0o755))

	err = OrphanSweep(media, store, 24*time.Hour, quietLogger())(context.Background())
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(media.workDir, active))
	assert.NoDirExists(t, filepath.Join(media.workDir, orphan))
	assert.NoDirExists(t, staging)
	assert.NoDirExists(t, empty)
}

func TestStaleSweep(t *testing.T) {
	media := &fakeMaintainer{marked: 2}
	before := time.Now()

	require.NoError(t, StaleSweep(media, time.Hour, quietLogger())(context.Background()))
	assert.WithinDuration(t, before.Add(-time.Hour), media.cutoff, time.Second)
}

func TestRegisterMaintenance(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)

	s := NewScheduler().WithLogger(quietLogger())
	err = RegisterMaintenance(s, config.MaintenanceConfig{
		OrphanSweepCron:      "0 30 * * * *",
		OrphanMaxAge:         time.Hour,
		StaleSweepCron:       "0 */5 * * * *",
		StaleProcessingAfter: time.Hour,
	}, &fakeMaintainer{workDir: t.TempDir()}, store, quietLogger())
	require.NoError(t, err)

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, TaskOrphanSweep, status[0].Name)
	assert.Equal(t, TaskStaleSweep, status[1].Name)

	require.NoError(t, s.RunNow(context.Background(), TaskStaleSweep))
}

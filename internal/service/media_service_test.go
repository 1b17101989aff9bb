package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/ffmpeg/ffmpegtest"
	"github.com/jmylchreest/vodarr/internal/hls"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/storage"
)

type mediaFixture struct {
	svc     *MediaService
	repo    repository.MediaAssetRepository
	store   *storage.LocalStore
	runner  *ffmpegtest.FakeRunner
	pool    *TranscodePool
	workDir string
}

func newMediaFixture(t *testing.T, mode string) *mediaFixture {
	t.Helper()
	return newMediaFixtureWithStore(t, mode, nil)
}

// newMediaFixtureWithStore builds a fixture whose service sees the local
// store through wrap, when given.
func newMediaFixtureWithStore(t *testing.T, mode string, wrap func(storage.BlobStore) storage.BlobStore) *mediaFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.MediaAsset{}))

	store, err := storage.NewLocalStore(t.TempDir(), "http://media.test")
	require.NoError(t, err)

	runner := ffmpegtest.NewFakeRunner()
	repo := repository.NewMediaAssetRepository(db)
	pool := NewTranscodePool(TranscodePoolConfig{WorkerCount: 1, QueueSize: 4})
	workDir := t.TempDir()

	renditioner := ffmpeg.NewRenditioner("ffmpeg", runner, ffmpeg.RenditionerOptions{
		Ladder:         ffmpeg.LadderFromConfig(config.DefaultLadder()),
		SegmentSeconds: 4,
		Preset:         "veryfast",
		AudioBitrateK:  128,
	}, nil)

	var blobs storage.BlobStore = store
	if wrap != nil {
		blobs = wrap(store)
	}

	svc := NewMediaService(
		repo,
		blobs,
		ffmpeg.NewProber("ffprobe", runner),
		renditioner,
		ffmpeg.NewThumbnailGenerator("ffmpeg", runner, 640, nil),
		pool,
		MediaServiceConfig{WorkDir: workDir, Mode: mode, MaxUploadSize: 1 << 20},
	)

	return &mediaFixture{svc: svc, repo: repo, store: store, runner: runner, pool: pool, workDir: workDir}
}

func videoRequest(owner string) IngestRequest {
	return IngestRequest{
		File:        strings.NewReader("not really a video"),
		Filename:    "My Holiday.mp4",
		ContentType: "video/mp4",
		Kind:        models.MediaKindVideo,
		OwnerID:     owner,
		Fields:      MetadataFields{Title: "Holiday"},
	}
}

func (f *mediaFixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.store.Exists(key)
	require.NoError(t, err)
	return ok
}

func (f *mediaFixture) read(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := f.store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func (f *mediaFixture) frameCaptures() int {
	n := 0
	for _, c := range f.runner.Calls() {
		if c.HasArg("-frames:v") {
			n++
		}
	}
	return n
}

func (f *mediaFixture) count(t *testing.T) int64 {
	t.Helper()
	_, total, err := f.repo.ListAll(context.Background(), 0, 100)
	require.NoError(t, err)
	return total
}

func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			t.Errorf("leftover work file %s", p)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMediaService_IngestVideo(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	id := asset.ID.String()

	assert.Equal(t, models.ProcessingReady, asset.ProcessingState)
	assert.Equal(t, "http://media.test/media/renditions/"+id+"/master.m3u8", asset.ManifestLocator)
	assert.Equal(t, []string{"480p", "720p", "1080p"}, asset.RenditionLabels())
	assert.Equal(t, "My_Holiday.mp4", asset.OriginalFilename)
	assert.Equal(t, storage.OriginalKey(id, "My Holiday.mp4"), asset.OriginalPath)
	require.NotNil(t, asset.Width)
	assert.Equal(t, 1920, *asset.Width)
	require.NotNil(t, asset.DurationSeconds)
	assert.InDelta(t, 10.0, *asset.DurationSeconds, 0.001)
	assert.NotNil(t, asset.ProcessedAt)
	assert.Empty(t, asset.ProcessingError)

	assert.True(t, f.exists(t, asset.OriginalPath))
	assert.Equal(t, storage.ThumbnailKey(id), asset.ThumbnailPath)
	assert.True(t, f.exists(t, asset.ThumbnailPath))

	rc, err := f.store.Open(ctx, path.Join(storage.RenditionPrefix(id), hls.MasterName))
	require.NoError(t, err)
	master, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)

	uris, err := hls.ParseMasterURIs(master)
	require.NoError(t, err)
	require.Len(t, uris, 3)
	for _, uri := range uris {
		assert.True(t, f.exists(t, path.Join(storage.RenditionPrefix(id), uri)), uri)
	}

	assert.Len(t, f.runner.EncodeCalls(), 1)
	assertWorkDirEmpty(t, f.workDir)
}

func TestMediaService_IngestAudio(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	f.runner.ProbeOutput = ffmpegtest.AudioProbeJSON(30, false)

	asset, err := f.svc.Ingest(context.Background(), IngestRequest{
		File:        strings.NewReader("mp3 bytes"),
		Filename:    "song.mp3",
		ContentType: "audio/mpeg",
		Kind:        models.MediaKindAudio,
		OwnerID:     "alice",
		Fields:      MetadataFields{Title: "Song"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.ProcessingReady, asset.ProcessingState)
	assert.Equal(t, []string{ffmpeg.AudioLabel}, asset.RenditionLabels())
	assert.Nil(t, asset.Width)
	assert.Empty(t, asset.ThumbnailLocator)
}

func TestMediaService_IngestRejectsUnsupportedFormat(t *testing.T) {
	f := newMediaFixture(t, ModeSync)

	req := videoRequest("alice")
	req.Filename = "notes.txt"
	_, err := f.svc.Ingest(context.Background(), req)

	var unsupported *models.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, ".txt", unsupported.Extension)
	assert.Zero(t, f.count(t))
	assert.Empty(t, f.runner.Calls())
}

func TestMediaService_IngestRequiresTitle(t *testing.T) {
	f := newMediaFixture(t, ModeSync)

	req := videoRequest("alice")
	req.Fields.Title = "  "
	_, err := f.svc.Ingest(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrTitleRequired)
	assert.Zero(t, f.count(t))
}

func TestMediaService_IngestProbeFailureLeavesNothing(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	f.runner.ProbeExitCode = 1

	_, err := f.svc.Ingest(context.Background(), videoRequest("alice"))

	var probeErr *models.ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Zero(t, f.count(t))
	assert.Empty(t, f.runner.EncodeCalls())

	entries, err := os.ReadDir(filepath.Join(f.store.Root(), storage.OriginalsPrefix))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assertWorkDirEmpty(t, f.workDir)
}

func TestMediaService_IngestAudioWithoutAudioStream(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	f.runner.ProbeOutput = ffmpegtest.VideoProbeJSON(1280, 720, 5, false)

	req := videoRequest("alice")
	req.Kind = models.MediaKindAudio
	req.Filename = "clip.m4a"
	req.ContentType = ""
	_, err := f.svc.Ingest(context.Background(), req)

	var probeErr *models.ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Zero(t, f.count(t))
}

func TestMediaService_IngestTooLarge(t *testing.T) {
	f := newMediaFixture(t, ModeSync)

	req := videoRequest("alice")
	req.File = bytes.NewReader(make([]byte, (1<<20)+1))
	_, err := f.svc.Ingest(context.Background(), req)

	assert.ErrorIs(t, err, ErrUploadTooLarge)
	assert.Zero(t, f.count(t))
	assertWorkDirEmpty(t, f.workDir)
}

func TestMediaService_RenditionFailureMarksFailed(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	f.runner.EncodeExitCode = 1

	asset, err := f.svc.Ingest(context.Background(), videoRequest("alice"))
	require.NoError(t, err)

	assert.Equal(t, models.ProcessingFailed, asset.ProcessingState)
	assert.Contains(t, asset.ProcessingError, "Conversion failed!")
	assert.Empty(t, asset.ManifestLocator)
	assert.Empty(t, asset.RenditionLabels())
	assert.True(t, f.exists(t, asset.OriginalPath), "original is retained for retry")
	assert.NoDirExists(t, filepath.Join(f.store.Root(), storage.RenditionPrefix(asset.ID.String())))
	assertWorkDirEmpty(t, f.workDir)
}

func TestMediaService_MissingTierFailsAsset(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	f.runner.OmitTiers = map[string]bool{"720p": true}

	asset, err := f.svc.Ingest(context.Background(), videoRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, asset.ProcessingState)
	assert.Empty(t, asset.ManifestLocator)
}

func TestMediaService_ThumbnailFailureDoesNotFailAsset(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	f.runner.ThumbnailExitCode = 1

	asset, err := f.svc.Ingest(context.Background(), videoRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingReady, asset.ProcessingState)
	assert.Empty(t, asset.ThumbnailLocator)
}

func TestMediaService_UserThumbnailReplacesCapture(t *testing.T) {
	f := newMediaFixture(t, ModeSync)

	req := videoRequest("alice")
	req.Thumbnail = &UploadedFile{
		Reader:      bytes.NewReader(createTestPNG(t, 32, 32)),
		Filename:    "cover.png",
		ContentType: "image/png",
	}
	asset, err := f.svc.Ingest(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, f.exists(t, asset.ThumbnailPath))
	for _, c := range f.runner.Calls() {
		assert.False(t, c.HasArg("-frames:v"), "frame capture should be skipped")
	}
}

func TestMediaService_IngestRejectsBadThumbnail(t *testing.T) {
	f := newMediaFixture(t, ModeSync)

	req := videoRequest("alice")
	req.Thumbnail = &UploadedFile{Reader: strings.NewReader("<svg/>"), ContentType: "image/svg+xml"}
	_, err := f.svc.Ingest(context.Background(), req)

	var unsupported *models.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Zero(t, f.count(t))
}

func TestMediaService_Delete(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	id := asset.ID.String()

	report, err := f.svc.Delete(ctx, asset.ID, "alice")
	require.NoError(t, err)
	assert.True(t, report.OK())

	_, err = f.svc.Get(ctx, asset.ID)
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	assert.False(t, f.exists(t, asset.OriginalPath))
	assert.False(t, f.exists(t, storage.ThumbnailKey(id)))
	assert.NoDirExists(t, filepath.Join(f.store.Root(), storage.RenditionPrefix(id)))
}

func TestMediaService_DeleteRequiresOwner(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, asset.ID, "mallory")
	var authErr *models.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "mallory", authErr.RequesterID)

	_, err = f.svc.Get(ctx, asset.ID)
	assert.NoError(t, err)
	assert.True(t, f.exists(t, asset.OriginalPath))
}

func TestMediaService_DeleteUnknown(t *testing.T) {
	f := newMediaFixture(t, ModeSync)

	_, err := f.svc.Delete(context.Background(), models.NewULID(), "alice")
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestMediaService_DeleteDuringProcessing(t *testing.T) {
	f := newMediaFixture(t, ModeAsync)
	f.runner.Gate = make(chan struct{})
	f.runner.Started = make(chan *ffmpeg.Command, 1)
	require.NoError(t, f.pool.Start(context.Background()))
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingRenditioning, asset.ProcessingState)
	assert.Empty(t, asset.ManifestLocator)

	select {
	case <-f.runner.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("encode did not start")
	}
	assert.True(t, f.svc.IsProcessing(asset.ID.String()))

	_, err = f.svc.Delete(ctx, asset.ID, "alice")
	require.NoError(t, err)
	close(f.runner.Gate)
	f.pool.Stop()

	found, err := f.repo.GetByID(ctx, asset.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.NoDirExists(t, filepath.Join(f.store.Root(), storage.RenditionPrefix(asset.ID.String())))
	assert.False(t, f.exists(t, storage.ThumbnailKey(asset.ID.String())))
	assert.NoDirExists(t, filepath.Join(f.workDir, asset.ID.String()))
}

func TestMediaService_AsyncIngestCompletes(t *testing.T) {
	f := newMediaFixture(t, ModeAsync)
	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := f.svc.Get(ctx, asset.ID)
		return err == nil && got.ProcessingState == models.ProcessingReady && got.ManifestLocator != ""
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMediaService_AsyncPoolStoppedFailsAsset(t *testing.T) {
	f := newMediaFixture(t, ModeAsync)

	asset, err := f.svc.Ingest(context.Background(), videoRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, asset.ProcessingState)
	assert.Contains(t, asset.ProcessingError, "scheduling rendition")
	assertWorkDirEmpty(t, f.workDir)
}

func TestMediaService_Retry(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()
	f.runner.EncodeExitCode = 1

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	require.Equal(t, models.ProcessingFailed, asset.ProcessingState)

	f.runner.EncodeExitCode = 0
	asset, err = f.svc.Retry(ctx, asset.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingReady, asset.ProcessingState)
	assert.Empty(t, asset.ProcessingError)
	assert.NotEmpty(t, asset.ManifestLocator)

	_, err = f.svc.Retry(ctx, asset.ID, "alice")
	assert.ErrorIs(t, err, models.ErrNotRetryable)
}

func TestMediaService_RetryKeepsCustomThumbnail(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()
	f.runner.EncodeExitCode = 1

	req := videoRequest("alice")
	req.Thumbnail = &UploadedFile{
		Reader:      bytes.NewReader(createTestPNG(t, 32, 32)),
		Filename:    "cover.png",
		ContentType: "image/png",
	}
	asset, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.ProcessingFailed, asset.ProcessingState)
	require.True(t, asset.ThumbnailCustom)
	custom := f.read(t, asset.ThumbnailPath)

	f.runner.EncodeExitCode = 0
	asset, err = f.svc.Retry(ctx, asset.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.ProcessingReady, asset.ProcessingState)

	assert.Equal(t, custom, f.read(t, asset.ThumbnailPath))
	assert.Zero(t, f.frameCaptures())
}

func TestMediaService_ReplaceKeepsCustomThumbnail(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	require.False(t, asset.ThumbnailCustom)
	require.Equal(t, 1, f.frameCaptures())

	asset, err = f.svc.ReplaceThumbnail(ctx, asset.ID, "alice", UploadedFile{
		Reader: bytes.NewReader(createTestPNG(t, 24, 24)), ContentType: "image/png",
	})
	require.NoError(t, err)
	require.True(t, asset.ThumbnailCustom)
	custom := f.read(t, asset.ThumbnailPath)

	replaced, err := f.svc.Replace(ctx, asset.ID, "alice", UploadedFile{
		Reader:      strings.NewReader("second cut"),
		Filename:    "second.mp4",
		ContentType: "video/mp4",
	})
	require.NoError(t, err)
	require.Equal(t, models.ProcessingReady, replaced.ProcessingState)

	assert.True(t, replaced.ThumbnailCustom)
	assert.Equal(t, custom, f.read(t, replaced.ThumbnailPath))
	assert.Equal(t, 1, f.frameCaptures())
}

func TestMediaService_Replace(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	oldOriginal := asset.OriginalPath

	f.runner.ProbeOutput = ffmpegtest.VideoProbeJSON(1280, 720, 20, true)
	replaced, err := f.svc.Replace(ctx, asset.ID, "alice", UploadedFile{
		Reader:      strings.NewReader("second cut"),
		Filename:    "second.mov",
		ContentType: "video/quicktime",
	})
	require.NoError(t, err)

	assert.Equal(t, models.ProcessingReady, replaced.ProcessingState)
	assert.Equal(t, "second.mov", replaced.OriginalFilename)
	assert.False(t, f.exists(t, oldOriginal))
	assert.True(t, f.exists(t, replaced.OriginalPath))
	require.NotNil(t, replaced.Width)
	assert.Equal(t, 1280, *replaced.Width)
	assert.InDelta(t, 20.0, *replaced.DurationSeconds, 0.001)
	assertWorkDirEmpty(t, f.workDir)
}

func TestMediaService_ReplaceProbeFailureKeepsAsset(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)

	f.runner.ProbeExitCode = 1
	_, err = f.svc.Replace(ctx, asset.ID, "alice", UploadedFile{
		Reader: strings.NewReader("garbage"), Filename: "broken.mp4",
	})
	var probeErr *models.ProbeError
	require.ErrorAs(t, err, &probeErr)

	got, err := f.svc.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingReady, got.ProcessingState)
	assert.Equal(t, asset.ManifestLocator, got.ManifestLocator)
	assert.True(t, f.exists(t, asset.OriginalPath))
}

func TestMediaService_ReplaceThumbnail(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	f.runner.ProbeOutput = ffmpegtest.AudioProbeJSON(30, false)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, IngestRequest{
		File: strings.NewReader("flac"), Filename: "track.flac", Kind: models.MediaKindAudio,
		OwnerID: "alice", Fields: MetadataFields{Title: "Track"},
	})
	require.NoError(t, err)
	require.Empty(t, asset.ThumbnailLocator)

	asset, err = f.svc.ReplaceThumbnail(ctx, asset.ID, "alice", UploadedFile{
		Reader: bytes.NewReader(createTestPNG(t, 16, 16)), ContentType: "image/png",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, asset.ThumbnailLocator)
	assert.True(t, f.exists(t, asset.ThumbnailPath))
}

func TestMediaService_UpdateAndStatus(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)

	title := "Renamed"
	cat := uint(7)
	updated, err := f.svc.Update(ctx, asset.ID, "alice", MetadataUpdate{Title: &title, CategoryID: &cat})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	require.NotNil(t, updated.CategoryID)
	assert.Equal(t, uint(7), *updated.CategoryID)
	assert.Equal(t, models.ProcessingReady, updated.ProcessingState)

	empty := ""
	_, err = f.svc.Update(ctx, asset.ID, "alice", MetadataUpdate{Title: &empty})
	assert.ErrorIs(t, err, models.ErrTitleRequired)

	_, err = f.svc.Update(ctx, asset.ID, "bob", MetadataUpdate{Title: &title})
	var authErr *models.AuthorizationError
	assert.ErrorAs(t, err, &authErr)

	hidden, err := f.svc.SetStatus(ctx, asset.ID, "alice", models.MediaStatusInactive)
	require.NoError(t, err)
	assert.Equal(t, models.MediaStatusInactive, hidden.Status)

	_, err = f.svc.SetStatus(ctx, asset.ID, "alice", models.MediaStatus("GONE"))
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
}

func TestMediaService_ViewAndList(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	a, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, videoRequest("bob"))
	require.NoError(t, err)

	viewed, err := f.svc.View(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), viewed.Views)

	_, err = f.svc.View(ctx, models.NewULID())
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	mine, total, err := f.svc.ListByOwner(ctx, "alice", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	_, total, err = f.svc.ListAll(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestMediaService_FailStale(t *testing.T) {
	f := newMediaFixture(t, ModeSync)
	ctx := context.Background()

	stuck := &models.MediaAsset{
		OwnerID: "alice", Kind: models.MediaKindVideo, Title: "stuck",
		ProcessingState: models.ProcessingRenditioning,
	}
	require.NoError(t, f.repo.Create(ctx, stuck))

	busy := &models.MediaAsset{
		OwnerID: "alice", Kind: models.MediaKindVideo, Title: "busy",
		ProcessingState: models.ProcessingProbing,
	}
	require.NoError(t, f.repo.Create(ctx, busy))

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.pool.Run(context.Background(), &TranscodeJob{
			AssetID: busy.ID.String(),
			Run: func(context.Context) error {
				<-release
				return nil
			},
		})
	}()
	require.Eventually(t, func() bool { return f.pool.IsTracked(busy.ID.String()) }, time.Second, 5*time.Millisecond)

	marked, err := f.svc.FailStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	close(release)
	require.NoError(t, <-done)

	got, err := f.svc.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingState)
	assert.Equal(t, "processing interrupted", got.ProcessingError)

	got, err = f.svc.Get(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingProbing, got.ProcessingState)
}

// stallingStore writes one segment of a publish and then blocks until the
// job is cancelled, leaving a partially populated rendition prefix.
type stallingStore struct {
	storage.BlobStore
	once    sync.Once
	started chan struct{}
}

func (s *stallingStore) PublishDir(ctx context.Context, prefix, _ string) error {
	if _, err := s.Put(ctx, path.Join(prefix, "480p", "segment_00000.ts"), strings.NewReader("ts")); err != nil {
		return err
	}
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestMediaService_FailStaleRemovesInterruptedPublish(t *testing.T) {
	stall := &stallingStore{started: make(chan struct{})}
	f := newMediaFixtureWithStore(t, ModeAsync, func(inner storage.BlobStore) storage.BlobStore {
		stall.BlobStore = inner
		return stall
	})
	require.NoError(t, f.pool.Start(context.Background()))
	ctx := context.Background()

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	id := asset.ID.String()

	select {
	case <-stall.started:
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not start")
	}
	f.pool.Stop()

	partial := path.Join(storage.RenditionPrefix(id), "480p", "segment_00000.ts")
	require.True(t, f.exists(t, partial))

	marked, err := f.svc.FailStale(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	got, err := f.svc.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, got.ProcessingState)
	assert.Empty(t, got.ManifestLocator)
	assert.False(t, f.exists(t, partial))
	assert.NoDirExists(t, filepath.Join(f.store.Root(), storage.RenditionPrefix(id)))
	assert.True(t, f.exists(t, got.OriginalPath), "original is retained for retry")
}

// cancellingStore cancels the caller's context on the first delete, as a
// client disconnecting mid-request would, and refuses cancelled contexts.
type cancellingStore struct {
	storage.BlobStore
	cancel context.CancelFunc
}

func (s *cancellingStore) Delete(ctx context.Context, key string) error {
	s.cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.BlobStore.Delete(ctx, key)
}

func (s *cancellingStore) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.BlobStore.DeletePrefix(ctx, prefix)
}

func TestMediaService_DeleteOutlivesCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newMediaFixtureWithStore(t, ModeSync, func(inner storage.BlobStore) storage.BlobStore {
		return &cancellingStore{BlobStore: inner, cancel: cancel}
	})

	asset, err := f.svc.Ingest(ctx, videoRequest("alice"))
	require.NoError(t, err)
	id := asset.ID.String()

	report, err := f.svc.Delete(ctx, asset.ID, "alice")
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.True(t, report.OK(), "failures: %v", report.Failures)

	found, err := f.repo.GetByID(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.False(t, f.exists(t, asset.OriginalPath))
	assert.False(t, f.exists(t, storage.ThumbnailKey(id)))
	assert.NoDirExists(t, filepath.Join(f.store.Root(), storage.RenditionPrefix(id)))
}

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		name        string
		kind        models.MediaKind
		filename    string
		contentType string
		ok          bool
	}{
		{"mp4 video", models.MediaKindVideo, "a.MP4", "video/mp4", true},
		{"octet stream", models.MediaKindVideo, "a.mkv", "application/octet-stream", true},
		{"no content type", models.MediaKindAudio, "a.flac", "", true},
		{"params", models.MediaKindAudio, "a.ogg", "audio/ogg; codecs=opus", true},
		{"audio ext for video", models.MediaKindVideo, "a.mp3", "video/mp4", false},
		{"mismatched type", models.MediaKindVideo, "a.mp4", "audio/mp4", false},
		{"no extension", models.MediaKindVideo, "clip", "", false},
		{"unknown kind", models.MediaKind("image"), "a.png", "", false},
		{"malformed type", models.MediaKindVideo, "a.mp4", "video/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFormat(tt.kind, tt.filename, tt.contentType)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var unsupported *models.UnsupportedFormatError
			assert.True(t, errors.As(err, &unsupported), "got %v", err)
		})
	}
}

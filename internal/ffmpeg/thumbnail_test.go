package ffmpeg_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/ffmpeg/ffmpegtest"
	"github.com/jmylchreest/vodarr/internal/models"
)

func TestThumbnailTimestamp(t *testing.T) {
	assert.Equal(t, 5.0, ffmpeg.ThumbnailTimestamp(10))
	assert.Equal(t, 1.0, ffmpeg.ThumbnailTimestamp(1.5))
	assert.Equal(t, 1.0, ffmpeg.ThumbnailTimestamp(0))
	assert.Equal(t, 1800.0, ffmpeg.ThumbnailTimestamp(3600))
}

func TestThumbnailGenerator_Generate(t *testing.T) {
	runner := ffmpegtest.NewFakeRunner()
	gen := ffmpeg.NewThumbnailGenerator("ffmpeg", runner, 640, nil)
	outDir := filepath.Join(t.TempDir(), "thumb")

	path, err := gen.Generate(context.Background(), "/src/clip.mp4", 10, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, ffmpeg.ThumbnailName), path)
	assert.FileExists(t, path)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	cmd := calls[0]
	assert.Equal(t, "5.000", cmd.ArgValue("-ss"))
	assert.Equal(t, "1", cmd.ArgValue("-frames:v"))
	assert.Equal(t, "scale=640:-2", cmd.ArgValue("-vf"))
	assert.Equal(t, "2", cmd.ArgValue("-q:v"))
	assert.Equal(t, path, cmd.Args[len(cmd.Args)-1])
}

func TestThumbnailGenerator_Failures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*ffmpegtest.FakeRunner)
	}{
		{"non-zero exit", func(f *ffmpegtest.FakeRunner) { f.ThumbnailExitCode = 1 }},
		{"no output file", func(f *ffmpegtest.FakeRunner) { f.ThumbnailNoOutput = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := ffmpegtest.NewFakeRunner()
			tt.configure(runner)
			gen := ffmpeg.NewThumbnailGenerator("ffmpeg", runner, 320, nil)

			path, err := gen.Generate(context.Background(), "/src/clip.mp4", 10, t.TempDir())
			assert.Empty(t, path)
			var thumbErr *models.ThumbnailError
			assert.True(t, errors.As(err, &thumbErr))
		})
	}
}

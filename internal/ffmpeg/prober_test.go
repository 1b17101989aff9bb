package ffmpeg_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/ffmpeg/ffmpegtest"
	"github.com/jmylchreest/vodarr/internal/models"
)

func writeSource(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestProbeMedia_Video(t *testing.T) {
	runner := ffmpegtest.NewFakeRunner()
	prober := ffmpeg.NewProber("ffprobe", runner)
	src := writeSource(t, "clip.mp4", []byte("not really an mp4"))

	info, err := prober.ProbeMedia(context.Background(), src, models.MediaKindVideo)
	require.NoError(t, err)

	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.InDelta(t, 10.0, info.DurationSeconds, 0.001)
	assert.InDelta(t, 24.0, info.Framerate, 0.001)
	assert.True(t, info.HasVideo)
	assert.True(t, info.HasAudio)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, 48000, info.SampleRate)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ffprobe", calls[0].Binary)
	assert.Equal(t, src, calls[0].Args[len(calls[0].Args)-1])
}

func TestProbeMedia_AudioWithCoverArt(t *testing.T) {
	runner := ffmpegtest.NewFakeRunner()
	runner.ProbeOutput = ffmpegtest.AudioProbeJSON(180, true)
	prober := ffmpeg.NewProber("ffprobe", runner)
	src := writeSource(t, "song.mp3", []byte("id3"))

	info, err := prober.ProbeMedia(context.Background(), src, models.MediaKindAudio)
	require.NoError(t, err)
	assert.True(t, info.HasAudio)
	assert.False(t, info.HasVideo)
	assert.Equal(t, 500, info.Width)
	assert.InDelta(t, 180.0, info.DurationSeconds, 0.001)

	// Cover art is not a video stream.
	_, err = prober.ProbeMedia(context.Background(), src, models.MediaKindVideo)
	var probeErr *models.ProbeError
	require.True(t, errors.As(err, &probeErr))
	assert.Equal(t, "no video stream", probeErr.Reason)
}

func TestProbeMedia_Failures(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		configure  func(*ffmpegtest.FakeRunner)
		kind       models.MediaKind
		wantReason string
		wantCalls  int
	}{
		{
			name:       "empty file",
			data:       []byte{},
			kind:       models.MediaKindVideo,
			wantReason: "empty file",
		},
		{
			name:       "tool exits non-zero",
			data:       []byte("garbage"),
			configure:  func(f *ffmpegtest.FakeRunner) { f.ProbeExitCode = 1 },
			kind:       models.MediaKindVideo,
			wantReason: "could not inspect media",
			wantCalls:  1,
		},
		{
			name:       "unparsable output",
			data:       []byte("garbage"),
			configure:  func(f *ffmpegtest.FakeRunner) { f.ProbeOutput = []byte("{not json") },
			kind:       models.MediaKindVideo,
			wantReason: "could not inspect media",
			wantCalls:  1,
		},
		{
			name:       "audio declared but only video",
			data:       []byte("video"),
			configure:  func(f *ffmpegtest.FakeRunner) { f.ProbeOutput = ffmpegtest.VideoProbeJSON(640, 360, 5, false) },
			kind:       models.MediaKindAudio,
			wantReason: "no audio stream",
			wantCalls:  1,
		},
		{
			name:       "zero duration",
			data:       []byte("video"),
			configure:  func(f *ffmpegtest.FakeRunner) { f.ProbeOutput = ffmpegtest.VideoProbeJSON(640, 360, 0, true) },
			kind:       models.MediaKindVideo,
			wantReason: "duration is not positive",
			wantCalls:  1,
		},
		{
			name: "non-finite duration",
			data: []byte("video"),
			configure: func(f *ffmpegtest.FakeRunner) {
				f.ProbeOutput = []byte(`{"format":{"duration":"inf"},"streams":[` +
					`{"codec_type":"video","codec_name":"h264","width":640,"height":360,"duration":"nan"}]}`)
			},
			kind:       models.MediaKindVideo,
			wantReason: "duration is not positive",
			wantCalls:  1,
		},
		{
			name:       "zero dimensions",
			data:       []byte("video"),
			configure:  func(f *ffmpegtest.FakeRunner) { f.ProbeOutput = ffmpegtest.VideoProbeJSON(0, 0, 5, true) },
			kind:       models.MediaKindVideo,
			wantReason: "video stream has no dimensions",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := ffmpegtest.NewFakeRunner()
			if tt.configure != nil {
				tt.configure(runner)
			}
			prober := ffmpeg.NewProber("ffprobe", runner)
			src := writeSource(t, "upload.bin", tt.data)

			info, err := prober.ProbeMedia(context.Background(), src, tt.kind)
			assert.Nil(t, info)

			var probeErr *models.ProbeError
			require.True(t, errors.As(err, &probeErr), "got %v", err)
			assert.Equal(t, tt.wantReason, probeErr.Reason)
			assert.Len(t, runner.Calls(), tt.wantCalls)
		})
	}
}

func TestProbeMedia_MissingFile(t *testing.T) {
	prober := ffmpeg.NewProber("ffprobe", ffmpegtest.NewFakeRunner())

	_, err := prober.ProbeMedia(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), models.MediaKindVideo)
	var probeErr *models.ProbeError
	require.True(t, errors.As(err, &probeErr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProbeResult_DurationFallsBackToStreams(t *testing.T) {
	result := &ffmpeg.ProbeResult{
		Format: ffmpeg.ProbeFormat{Duration: "N/A"},
		Streams: []ffmpeg.ProbeStream{
			{CodecType: "audio", Duration: "12.5"},
			{CodecType: "audio", Duration: "3.0"},
		},
	}
	assert.InDelta(t, 12.5, result.DurationSeconds(), 0.001)
}

func TestProbeResult_DurationIgnoresNonFiniteValues(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		streams []string
		want    float64
	}{
		{"nan format", "nan", []string{"4.0"}, 4.0},
		{"inf format", "inf", []string{"6.5"}, 6.5},
		{"negative inf format", "-Inf", nil, 0},
		{"nan stream", "N/A", []string{"NaN", "2.0"}, 2.0},
		{"all non-finite", "+inf", []string{"nan"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &ffmpeg.ProbeResult{Format: ffmpeg.ProbeFormat{Duration: tt.format}}
			for _, d := range tt.streams {
				result.Streams = append(result.Streams, ffmpeg.ProbeStream{CodecType: "video", Duration: d})
			}
			got := result.DurationSeconds()
			assert.False(t, math.IsNaN(got) || math.IsInf(got, 0))
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

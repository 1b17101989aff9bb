// Package ffmpegtest provides a scripted ffmpeg.ToolRunner for tests.
package ffmpegtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
)

// FakeRunner emulates ffprobe and ffmpeg. Probe calls return ProbeOutput;
// encode calls materialize HLS playlists and segments at the requested
// output paths; thumbnail calls write a small JPEG-like file.
type FakeRunner struct {
	mu    sync.Mutex
	calls []*ffmpeg.Command

	// ProbeOutput is returned as ffprobe stdout.
	ProbeOutput   []byte
	ProbeExitCode int

	// EncodeExitCode makes HLS encodes fail after writing nothing.
	EncodeExitCode int
	// OmitTiers skips writing these variant labels.
	OmitTiers map[string]bool
	// SegmentsPerVariant defaults to 2. Zero segments is an invalid playlist.
	SegmentsPerVariant int
	// EmptyPlaylist writes unparsable variant playlists.
	EmptyPlaylist bool

	ThumbnailExitCode int
	// ThumbnailNoOutput exits 0 without writing a file.
	ThumbnailNoOutput bool

	// Delay holds every call until it elapses or the context ends.
	Delay time.Duration
	// Gate, when non-nil, holds encode calls until closed or the context ends.
	Gate chan struct{}
	// Started receives every encode command when it begins.
	Started chan *ffmpeg.Command

	VersionOutput  string
	EncodersOutput string
}

// NewFakeRunner returns a runner that probes as a 1920x1080, 10s video with audio.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		ProbeOutput:        VideoProbeJSON(1920, 1080, 10, true),
		SegmentsPerVariant: 2,
		VersionOutput:      "ffmpeg version 7.1 Copyright (c) 2000-2024 the FFmpeg developers\n",
		EncodersOutput: "Encoders:\n ------\n" +
			" V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC\n" +
			" A....D aac                  AAC (Advanced Audio Coding)\n",
	}
}

// Calls returns the commands run so far.
func (f *FakeRunner) Calls() []*ffmpeg.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ffmpeg.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// EncodeCalls returns only the HLS encode commands.
func (f *FakeRunner) EncodeCalls() []*ffmpeg.Command {
	var out []*ffmpeg.Command
	for _, c := range f.Calls() {
		if isEncode(c) {
			out = append(out, c)
		}
	}
	return out
}

// Run implements ffmpeg.ToolRunner.
func (f *FakeRunner) Run(ctx context.Context, cmd *ffmpeg.Command) (*ffmpeg.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return &ffmpeg.ToolResult{ExitCode: -1}, ctx.Err()
		}
	}

	switch {
	case cmd.HasArg("-show_streams"):
		if f.ProbeExitCode != 0 {
			return &ffmpeg.ToolResult{ExitCode: f.ProbeExitCode, Stderr: []byte("Invalid data found when processing input")}, nil
		}
		return &ffmpeg.ToolResult{Stdout: f.ProbeOutput}, nil

	case cmd.HasArg("-version"):
		return &ffmpeg.ToolResult{Stdout: []byte(f.VersionOutput)}, nil

	case cmd.HasArg("-encoders"):
		return &ffmpeg.ToolResult{Stdout: []byte(f.EncodersOutput)}, nil

	case cmd.HasArg("-frames:v"):
		return f.thumbnail(cmd)

	case isEncode(cmd):
		if f.Started != nil {
			select {
			case f.Started <- cmd:
			case <-ctx.Done():
			}
		}
		if f.Gate != nil {
			select {
			case <-f.Gate:
			case <-ctx.Done():
				return &ffmpeg.ToolResult{ExitCode: -1}, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return &ffmpeg.ToolResult{ExitCode: -1}, err
		}
		return f.encode(cmd)
	}

	return nil, fmt.Errorf("ffmpegtest: unexpected command %s", cmd.String())
}

func isEncode(cmd *ffmpeg.Command) bool {
	return cmd.ArgValue("-f") == "hls"
}

func (f *FakeRunner) thumbnail(cmd *ffmpeg.Command) (*ffmpeg.ToolResult, error) {
	if f.ThumbnailExitCode != 0 {
		return &ffmpeg.ToolResult{ExitCode: f.ThumbnailExitCode, Stderr: []byte("Output file is empty, nothing was encoded")}, nil
	}
	if f.ThumbnailNoOutput {
		return &ffmpeg.ToolResult{}, nil
	}
	// JPEG SOI/EOI markers around a token payload.
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0, 'f', 'a', 'k', 'e', 0xFF, 0xD9}
	if err := os.WriteFile(cmd.Output, data, 0o644); err != nil {
		return nil, err
	}
	return &ffmpeg.ToolResult{}, nil
}

func (f *FakeRunner) encode(cmd *ffmpeg.Command) (*ffmpeg.ToolResult, error) {
	if f.EncodeExitCode != 0 {
		return &ffmpeg.ToolResult{ExitCode: f.EncodeExitCode, Stderr: []byte("Conversion failed!")}, nil
	}

	labels := []string{""}
	if m := cmd.ArgValue("-var_stream_map"); m != "" {
		labels = labels[:0]
		for _, group := range strings.Fields(m) {
			for _, part := range strings.Split(group, ",") {
				if name, ok := strings.CutPrefix(part, "name:"); ok {
					labels = append(labels, name)
				}
			}
		}
	}

	segments := f.SegmentsPerVariant
	segPattern := cmd.ArgValue("-hls_segment_filename")

	for _, label := range labels {
		if label != "" && f.OmitTiers[label] {
			continue
		}
		playlistPath := strings.ReplaceAll(cmd.Output, "%v", label)
		dir := filepath.Dir(playlistPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}

		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")
		for i := 0; i < segments; i++ {
			segPath := strings.ReplaceAll(segPattern, "%v", label)
			segPath = fmt.Sprintf(segPath, i)
			if err := os.WriteFile(segPath, []byte("ts"), 0o644); err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "#EXTINF:4.000000,\n%s\n", filepath.Base(segPath))
		}
		b.WriteString("#EXT-X-ENDLIST\n")

		content := b.String()
		if f.EmptyPlaylist {
			content = ""
		}
		if err := os.WriteFile(playlistPath, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}

	return &ffmpeg.ToolResult{}, nil
}

var _ ffmpeg.ToolRunner = (*FakeRunner)(nil)

type probeStream struct {
	Index       int            `json:"index"`
	CodecName   string         `json:"codec_name"`
	CodecType   string         `json:"codec_type"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	SampleRate  string         `json:"sample_rate,omitempty"`
	Channels    int            `json:"channels,omitempty"`
	AvgFrame    string         `json:"avg_frame_rate,omitempty"`
	Disposition map[string]int `json:"disposition"`
}

type probeDoc struct {
	Format  map[string]any `json:"format"`
	Streams []probeStream  `json:"streams"`
}

// VideoProbeJSON returns ffprobe output for an H.264 file.
func VideoProbeJSON(width, height int, duration float64, withAudio bool) []byte {
	doc := probeDoc{
		Format: map[string]any{
			"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
			"duration":    fmt.Sprintf("%.6f", duration),
			"bit_rate":    "4000000",
		},
		Streams: []probeStream{{
			Index: 0, CodecName: "h264", CodecType: "video",
			Width: width, Height: height, AvgFrame: "24/1",
			Disposition: map[string]int{"default": 1, "attached_pic": 0},
		}},
	}
	if withAudio {
		doc.Streams = append(doc.Streams, probeStream{
			Index: 1, CodecName: "aac", CodecType: "audio",
			SampleRate: "48000", Channels: 2,
			Disposition: map[string]int{"default": 1},
		})
	}
	data, _ := json.Marshal(doc)
	return data
}

// AudioProbeJSON returns ffprobe output for an MP3 file, optionally with cover art.
func AudioProbeJSON(duration float64, withCoverArt bool) []byte {
	doc := probeDoc{
		Format: map[string]any{
			"format_name": "mp3",
			"duration":    fmt.Sprintf("%.6f", duration),
			"bit_rate":    "192000",
		},
		Streams: []probeStream{{
			Index: 0, CodecName: "mp3", CodecType: "audio",
			SampleRate: "44100", Channels: 2,
			Disposition: map[string]int{"default": 1},
		}},
	}
	if withCoverArt {
		doc.Streams = append(doc.Streams, probeStream{
			Index: 1, CodecName: "mjpeg", CodecType: "video",
			Width: 500, Height: 500,
			Disposition: map[string]int{"attached_pic": 1},
		})
	}
	data, _ := json.Marshal(doc)
	return data
}

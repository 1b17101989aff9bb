package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// Rendition output layout inside a rendition directory.
const (
	VariantPlaylistName = "index.m3u8"
	SegmentPattern      = "segment_%05d.ts"
)

// Variant is one produced rendition.
type Variant struct {
	Label        string
	Width        int
	Height       int
	BandwidthBPS int
	// PlaylistPath is the variant playlist relative to the rendition directory.
	PlaylistPath string
	AudioOnly    bool
}

// RenditionSet is a published rendition directory and its variants in ladder order.
type RenditionSet struct {
	Dir      string
	Variants []Variant
}

// Labels returns the variant labels in order.
func (s *RenditionSet) Labels() []string {
	labels := make([]string, len(s.Variants))
	for i, v := range s.Variants {
		labels[i] = v.Label
	}
	return labels
}

// RenditionerOptions configures encoding.
type RenditionerOptions struct {
	Ladder         []Tier
	SegmentSeconds int
	Preset         string
	// AudioBitrateK is used for audio uploads.
	AudioBitrateK int
}

// Renditioner produces HLS renditions with a single FFmpeg invocation per asset.
//
// Output is written to a sibling staging directory and renamed onto the
// requested directory only after every variant playlist has been verified,
// so the requested directory is either complete or absent.
type Renditioner struct {
	ffmpegPath string
	runner     ToolRunner
	opts       RenditionerOptions
	logger     *slog.Logger
}

// NewRenditioner creates a renditioner.
func NewRenditioner(ffmpegPath string, runner ToolRunner, opts RenditionerOptions, logger *slog.Logger) *Renditioner {
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 4
	}
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if opts.AudioBitrateK <= 0 {
		opts.AudioBitrateK = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renditioner{
		ffmpegPath: ffmpegPath,
		runner:     runner,
		opts:       opts,
		logger:     observability.WithComponent(logger, "renditioner"),
	}
}

// Ladder returns the configured ladder.
func (r *Renditioner) Ladder() []Tier {
	return r.opts.Ladder
}

// RenderVideo encodes every ladder tier from one decode of src.
func (r *Renditioner) RenderVideo(ctx context.Context, src string, info *MediaInfo, outDir string) (set *RenditionSet, err error) {
	if len(r.opts.Ladder) == 0 {
		return nil, &models.RenditionError{Reason: "empty quality ladder"}
	}
	if info == nil || info.Width <= 0 || info.Height <= 0 {
		return nil, &models.RenditionError{Reason: "source has no video dimensions"}
	}

	defer observability.TimedOperationWithError(ctx, r.logger, "render_video", &err)()

	staging, err := r.prepareStaging(outDir)
	if err != nil {
		return nil, err
	}

	ladder := r.opts.Ladder
	widths := make([]int, len(ladder))
	heights := make([]int, len(ladder))
	variants := make([]Variant, len(ladder))
	streamMap := make([]string, len(ladder))

	for i, t := range ladder {
		widths[i] = ScaledWidth(info.Width, info.Height, t.Height)
		heights[i] = t.Height
		bandwidth := t.VideoBitrateK * 1000
		if info.HasAudio {
			bandwidth = t.BandwidthBPS()
		}
		variants[i] = Variant{
			Label:        t.Label,
			Width:        widths[i],
			Height:       heights[i],
			BandwidthBPS: bandwidth,
			PlaylistPath: filepath.ToSlash(filepath.Join(t.Label, VariantPlaylistName)),
		}
		if err := os.MkdirAll(filepath.Join(staging, t.Label), 0o755); err != nil {
			_ = os.RemoveAll(staging)
			return nil, &models.RenditionError{Tier: t.Label, Reason: "creating variant directory", Err: err}
		}
		if info.HasAudio {
			streamMap[i] = fmt.Sprintf("v:%d,a:%d,name:%s", i, i, t.Label)
		} else {
			streamMap[i] = fmt.Sprintf("v:%d,name:%s", i, t.Label)
		}
	}

	b := NewCommandBuilder(r.ffmpegPath).
		HideBanner().
		NoStdin().
		Overwrite().
		Input(src).
		FilterComplex(splitFilter(widths, heights))

	for i := range ladder {
		b.Map(fmt.Sprintf("[out%d]", i))
		if info.HasAudio {
			b.Map("0:a:0")
		}
	}

	b.VideoCodec(VideoEncoder).
		VideoPreset(r.opts.Preset).
		OutputArgs("-pix_fmt", "yuv420p").
		KeyframeInterval(KeyframeFrames(info.Framerate))

	if info.HasAudio {
		b.AudioCodec(AudioEncoder).OutputArgs("-ac", "2")
	}

	for i, t := range ladder {
		b.StreamBitrates(i, t.VideoBitrateK, t.MaxRateK, t.BufSizeK, t.AudioBitrateK, info.HasAudio)
	}

	cmd := b.VODHLSArgs(r.opts.SegmentSeconds, filepath.Join(staging, "%v", SegmentPattern)).
		VarStreamMap(strings.Join(streamMap, " ")).
		Output(filepath.Join(staging, "%v", VariantPlaylistName)).
		Build()

	return r.execute(ctx, cmd, staging, outDir, variants)
}

// RenderAudio repackages the first audio stream into a single AAC rendition.
func (r *Renditioner) RenderAudio(ctx context.Context, src string, info *MediaInfo, outDir string) (set *RenditionSet, err error) {
	if info != nil && !info.HasAudio {
		return nil, &models.RenditionError{Tier: AudioLabel, Reason: "source has no audio stream"}
	}

	defer observability.TimedOperationWithError(ctx, r.logger, "render_audio", &err)()

	staging, err := r.prepareStaging(outDir)
	if err != nil {
		return nil, err
	}

	variantDir := filepath.Join(staging, AudioLabel)
	if err := os.MkdirAll(variantDir, 0o755); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &models.RenditionError{Tier: AudioLabel, Reason: "creating variant directory", Err: err}
	}

	cmd := NewCommandBuilder(r.ffmpegPath).
		HideBanner().
		NoStdin().
		Overwrite().
		Input(src).
		NoVideo().
		Map("0:a:0").
		AudioCodec(AudioEncoder).
		AudioBitrate(kbps(r.opts.AudioBitrateK)).
		VODHLSArgs(r.opts.SegmentSeconds, filepath.Join(variantDir, SegmentPattern)).
		Output(filepath.Join(variantDir, VariantPlaylistName)).
		Build()

	variants := []Variant{{
		Label:        AudioLabel,
		BandwidthBPS: r.opts.AudioBitrateK * 1000,
		PlaylistPath: AudioLabel + "/" + VariantPlaylistName,
		AudioOnly:    true,
	}}

	return r.execute(ctx, cmd, staging, outDir, variants)
}

// execute runs cmd into staging, verifies every variant and publishes staging onto outDir.
func (r *Renditioner) execute(ctx context.Context, cmd *Command, staging, outDir string, variants []Variant) (*RenditionSet, error) {
	r.logger.DebugContext(ctx, "running encoder",
		slog.String("command", cmd.String()),
		slog.Int("variants", len(variants)),
	)

	res, err := r.runner.Run(ctx, cmd)
	if err != nil {
		_ = os.RemoveAll(staging)
		reason := "encoder could not run"
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		return nil, &models.RenditionError{Reason: reason, Stderr: res.StderrTail(), Err: err}
	}
	if res.ExitCode != 0 {
		_ = os.RemoveAll(staging)
		return nil, &models.RenditionError{
			Reason:   "encoder exited with an error",
			ExitCode: res.ExitCode,
			Stderr:   res.StderrTail(),
		}
	}

	for _, v := range variants {
		if err := verifyVariantPlaylist(filepath.Join(staging, filepath.FromSlash(v.PlaylistPath))); err != nil {
			_ = os.RemoveAll(staging)
			return nil, &models.RenditionError{Tier: v.Label, Reason: "variant output invalid", Err: err}
		}
	}

	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &models.RenditionError{Reason: "cancelled", Err: err}
	}

	if err := publishDir(staging, outDir); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &models.RenditionError{Reason: "publishing renditions", Err: err}
	}

	return &RenditionSet{Dir: outDir, Variants: variants}, nil
}

// prepareStaging creates a fresh staging directory next to outDir.
func (r *Renditioner) prepareStaging(outDir string) (string, error) {
	parent := filepath.Dir(outDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", &models.RenditionError{Reason: "creating output parent", Err: err}
	}
	staging, err := os.MkdirTemp(parent, filepath.Base(outDir)+".staging-")
	if err != nil {
		return "", &models.RenditionError{Reason: "creating staging directory", Err: err}
	}
	return staging, nil
}

// verifyVariantPlaylist checks that a variant playlist exists and is a media
// playlist with at least one segment.
func verifyVariantPlaylist(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading playlist: %w", err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("parsing playlist: %w", err)
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return errors.New("expected media playlist, got multivariant")
	}
	if len(media.Segments) == 0 {
		return errors.New("playlist has no segments")
	}

	dir := filepath.Dir(path)
	for _, seg := range media.Segments {
		if seg == nil || strings.Contains(seg.URI, "://") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(seg.URI))); err != nil {
			return fmt.Errorf("segment %s missing: %w", seg.URI, err)
		}
	}
	return nil
}

// publishDir replaces outDir with the verified staging tree.
func publishDir(staging, outDir string) error {
	sb, err := storage.NewSandbox(filepath.Dir(outDir))
	if err != nil {
		return err
	}
	return sb.PublishDir(staging, filepath.Base(outDir))
}

package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
)

// ProbeResult contains the complete ffprobe output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename       string            `json:"filename"`
	NumStreams     int               `json:"nb_streams"`
	FormatName     string            `json:"format_name"`
	FormatLongName string            `json:"format_long_name"`
	Duration       string            `json:"duration"`
	Size           string            `json:"size"`
	BitRate        string            `json:"bit_rate"`
	Tags           map[string]string `json:"tags"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"` // video, audio, subtitle, data
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	PixFmt       string            `json:"pix_fmt,omitempty"`
	SampleRate   string            `json:"sample_rate,omitempty"`
	Channels     int               `json:"channels,omitempty"`
	RFrameRate   string            `json:"r_frame_rate,omitempty"`
	AvgFrameRate string            `json:"avg_frame_rate,omitempty"`
	Duration     string            `json:"duration,omitempty"`
	BitRate      string            `json:"bit_rate,omitempty"`
	Disposition  ProbeDisposition  `json:"disposition,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// ProbeDisposition contains stream disposition flags.
type ProbeDisposition struct {
	Default     int `json:"default"`
	AttachedPic int `json:"attached_pic"`
}

// MediaInfo is the subset of probe output the pipeline acts on.
type MediaInfo struct {
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Framerate       float64 `json:"framerate,omitempty"`
	VideoCodec      string  `json:"video_codec,omitempty"`
	AudioCodec      string  `json:"audio_codec,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	BitRate         int     `json:"bit_rate,omitempty"`
	FormatName      string  `json:"format_name,omitempty"`
	HasVideo        bool    `json:"has_video"`
	HasAudio        bool    `json:"has_audio"`
}

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	runner      ToolRunner
	timeout     time.Duration
}

// NewProber creates a new prober.
func NewProber(ffprobePath string, runner ToolRunner) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		runner:      runner,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// Probe runs ffprobe on a local file and decodes its JSON output.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := &Command{
		Binary: p.ffprobePath,
		Args: []string{
			"-v", "quiet",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
		Input: path,
	}

	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ffprobe exited with code %d: %s", res.ExitCode, res.StderrTail())
	}

	var result ProbeResult
	if err := json.Unmarshal(res.Stdout, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	return &result, nil
}

// ProbeMedia inspects an uploaded file and checks that it carries a decodable
// stream of the declared kind with a positive duration.
func (p *Prober) ProbeMedia(ctx context.Context, path string, kind models.MediaKind) (*MediaInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &models.ProbeError{Path: path, Reason: "file not readable", Err: err}
	}
	if fi.IsDir() {
		return nil, &models.ProbeError{Path: path, Reason: "not a regular file"}
	}
	if fi.Size() == 0 {
		return nil, &models.ProbeError{Path: path, Reason: "empty file"}
	}

	result, err := p.Probe(ctx, path)
	if err != nil {
		return nil, &models.ProbeError{Path: path, Reason: "could not inspect media", Err: err}
	}

	info := result.MediaInfo()

	switch kind {
	case models.MediaKindVideo:
		if !info.HasVideo {
			return nil, &models.ProbeError{Path: path, Reason: "no video stream"}
		}
		if info.Width <= 0 || info.Height <= 0 {
			return nil, &models.ProbeError{Path: path, Reason: "video stream has no dimensions"}
		}
	case models.MediaKindAudio:
		if !info.HasAudio {
			return nil, &models.ProbeError{Path: path, Reason: "no audio stream"}
		}
	default:
		return nil, &models.ProbeError{Path: path, Reason: fmt.Sprintf("unknown media kind %q", kind)}
	}

	if info.DurationSeconds <= 0 || !finite(info.DurationSeconds) {
		return nil, &models.ProbeError{Path: path, Reason: "duration is not positive"}
	}

	return info, nil
}

// MediaInfo reduces a probe result to the fields the pipeline needs.
// Attached pictures (cover art) never count as a video stream, but supply
// dimensions when nothing else does.
func (r *ProbeResult) MediaInfo() *MediaInfo {
	info := &MediaInfo{
		FormatName: r.Format.FormatName,
		BitRate:    r.Bitrate(),
	}

	if v := r.GetVideoStream(); v != nil {
		info.HasVideo = true
		info.VideoCodec = v.CodecName
		info.Width = v.Width
		info.Height = v.Height
		info.Framerate = v.Framerate()
	} else if art := r.attachedPicture(); art != nil {
		info.Width = art.Width
		info.Height = art.Height
	}

	if a := r.GetAudioStream(); a != nil {
		info.HasAudio = true
		info.AudioCodec = a.CodecName
		info.Channels = a.Channels
		info.SampleRate, _ = strconv.Atoi(a.SampleRate)
	}

	info.DurationSeconds = r.DurationSeconds()
	return info
}

// GetVideoStream returns the first real video stream, skipping cover art.
func (r *ProbeResult) GetVideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" && r.Streams[i].Disposition.AttachedPic == 0 {
			return &r.Streams[i]
		}
	}
	return nil
}

// GetAudioStream returns the first audio stream from probe result.
func (r *ProbeResult) GetAudioStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "audio" {
			return &r.Streams[i]
		}
	}
	return nil
}

func (r *ProbeResult) attachedPicture() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" && r.Streams[i].Disposition.AttachedPic == 1 {
			return &r.Streams[i]
		}
	}
	return nil
}

// DurationSeconds returns the container duration, falling back to the
// longest stream duration for containers that do not report one.
func (r *ProbeResult) DurationSeconds() float64 {
	if d := parseSeconds(r.Format.Duration); d > 0 {
		return d
	}
	var longest float64
	for _, s := range r.Streams {
		if d := parseSeconds(s.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

// Bitrate returns the overall bitrate in bits per second.
func (r *ProbeResult) Bitrate() int {
	if r.Format.BitRate == "" {
		return 0
	}
	if br, err := strconv.Atoi(r.Format.BitRate); err == nil {
		return br
	}
	return 0
}

// Framerate returns the framerate for a video stream.
func (s *ProbeStream) Framerate() float64 {
	if fr := parseFramerate(s.AvgFrameRate); fr > 0 {
		return fr
	}
	return parseFramerate(s.RFrameRate)
}

// parseSeconds parses an ffprobe duration. Missing, malformed and
// non-finite values ("nan", "inf") parse as 0.
func parseSeconds(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return d
}

// parseFramerate parses a framerate string like "30000/1001" or "25/1".
func parseFramerate(fr string) float64 {
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil && finite(f) {
			return f
		}
		return 0
	}

	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 || !finite(num) || !finite(den) {
		return 0
	}

	return num / den
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Package ffmpeg wraps the FFmpeg and FFprobe tools used to inspect uploads,
// produce HLS renditions and capture thumbnails.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/vodarr/internal/util"
)

// Encoders used for every rendition.
const (
	VideoEncoder = "libx264"
	AudioEncoder = "aac"
)

// Oldest FFmpeg release whose HLS muxer handles var_stream_map with
// independent segments the way the renditioner expects.
const (
	MinMajorVersion = 4
	MinMinorVersion = 1
)

// RequiredEncoders lists the encoders the renditioner invokes.
var RequiredEncoders = []string{VideoEncoder, AudioEncoder}

// Environment variables that override binary discovery.
const (
	FFmpegBinaryEnv  = "VODARR_FFMPEG_BINARY"
	FFprobeBinaryEnv = "VODARR_FFPROBE_BINARY"
)

// BinaryInfo contains information about the FFmpeg/FFprobe installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
}

// BinaryDetector handles detection and caching of FFmpeg binaries.
type BinaryDetector struct {
	runner      ToolRunner
	ffmpegPath  string
	ffprobePath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. Empty paths are discovered via
// the environment, the working directory and PATH.
func NewBinaryDetector(runner ToolRunner, ffmpegPath, ffprobePath string) *BinaryDetector {
	return &BinaryDetector{
		runner:      runner,
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		cacheTTL:    5 * time.Minute,
	}
}

// WithCacheTTL sets how long a successful detection is reused. Zero or
// negative disables caching.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect detects FFmpeg and FFprobe binaries and their capabilities.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	ffmpegPath := d.ffmpegPath
	if ffmpegPath == "" {
		p, err := util.FindBinary("ffmpeg", FFmpegBinaryEnv, siblingDir(d.ffprobePath))
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		ffmpegPath = p
	}
	info.FFmpegPath = ffmpegPath

	ffprobePath := d.ffprobePath
	if ffprobePath == "" {
		// A configured ffmpeg usually has its ffprobe alongside.
		p, err := util.FindBinary("ffprobe", FFprobeBinaryEnv, siblingDir(d.ffmpegPath))
		if err != nil {
			return nil, fmt.Errorf("ffprobe not found: %w", err)
		}
		ffprobePath = p
	}
	info.FFprobePath = ffprobePath

	version, err := d.getVersion(ctx, ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info.Version = version.Full
	info.MajorVersion = version.Major
	info.MinorVersion = version.Minor

	if encoders, err := d.getEncoders(ctx, ffmpegPath); err == nil {
		info.Encoders = encoders
	}

	return info, nil
}

type versionInfo struct {
	Full  string
	Major int
	Minor int
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

func (d *BinaryDetector) getVersion(ctx context.Context, ffmpegPath string) (*versionInfo, error) {
	res, err := d.runner.Run(ctx, &Command{Binary: ffmpegPath, Args: []string{"-version"}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ffmpeg -version exited with code %d", res.ExitCode)
	}
	return parseVersion(string(res.Stdout))
}

// parseVersion reads "ffmpeg version 6.0 ..." or "ffmpeg version n6.0-2-g...".
func parseVersion(output string) (*versionInfo, error) {
	info := &versionInfo{}
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 3 {
			info.Full = parts[2]
			if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
				info.Major, _ = strconv.Atoi(m[1])
				info.Minor, _ = strconv.Atoi(m[2])
			}
		}
		break
	}
	if info.Full == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

func (d *BinaryDetector) getEncoders(ctx context.Context, ffmpegPath string) ([]string, error) {
	res, err := d.runner.Run(ctx, &Command{Binary: ffmpegPath, Args: []string{"-encoders", "-hide_banner"}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ffmpeg -encoders exited with code %d", res.ExitCode)
	}
	return parseEncoders(string(res.Stdout)), nil
}

// parseEncoders reads the "V....D name description" table after the dashed separator.
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}
		if parts := strings.Fields(strings.TrimSpace(line[6:])); len(parts) >= 1 {
			encoders = append(encoders, parts[0])
		}
	}
	return encoders
}

func siblingDir(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// MissingEncoders lists required encoders that the installation lacks.
// An empty encoder list is treated as unknown, not missing.
func (info *BinaryInfo) MissingEncoders(required ...string) []string {
	if len(info.Encoders) == 0 {
		return nil
	}
	var missing []string
	for _, name := range required {
		if !info.HasEncoder(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// JSON returns the binary info as JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// SupportsMinVersion returns true if FFmpeg version meets minimum requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}

package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
)

// ThumbnailName is the file written by ThumbnailGenerator.Generate.
const ThumbnailName = "thumbnail.jpg"

// ThumbnailGenerator captures a single representative frame as JPEG.
type ThumbnailGenerator struct {
	ffmpegPath string
	runner     ToolRunner
	width      int
	logger     *slog.Logger
}

// NewThumbnailGenerator creates a generator producing frames width pixels wide.
func NewThumbnailGenerator(ffmpegPath string, runner ToolRunner, width int, logger *slog.Logger) *ThumbnailGenerator {
	if width <= 0 {
		width = 640
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbnailGenerator{
		ffmpegPath: ffmpegPath,
		runner:     runner,
		width:      width,
		logger:     observability.WithComponent(logger, "thumbnail"),
	}
}

// ThumbnailTimestamp returns the capture point: the midpoint, but never before 1s.
func ThumbnailTimestamp(durationSeconds float64) float64 {
	if math.IsNaN(durationSeconds) {
		return 1
	}
	return math.Max(durationSeconds/2, 1)
}

// Generate writes outDir/thumbnail.jpg and returns its path.
func (g *ThumbnailGenerator) Generate(ctx context.Context, src string, durationSeconds float64, outDir string) (path string, err error) {
	defer observability.TimedOperationWithError(ctx, g.logger, "generate_thumbnail", &err)()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", &models.ThumbnailError{Reason: "creating output directory", Err: err}
	}

	out := filepath.Join(outDir, ThumbnailName)
	cmd := NewCommandBuilder(g.ffmpegPath).
		HideBanner().
		NoStdin().
		Overwrite().
		Seek(ThumbnailTimestamp(durationSeconds)).
		Input(src).
		OutputArgs("-frames:v", "1").
		VideoFilter(fmt.Sprintf("scale=%d:-2", g.width)).
		OutputArgs("-q:v", "2").
		Output(out).
		Build()

	res, err := g.runner.Run(ctx, cmd)
	if err != nil {
		_ = os.Remove(out)
		return "", &models.ThumbnailError{Reason: "frame capture did not run", Err: err}
	}
	if res.ExitCode != 0 {
		_ = os.Remove(out)
		return "", &models.ThumbnailError{Reason: fmt.Sprintf("frame capture exited with code %d: %s", res.ExitCode, res.StderrTail())}
	}

	fi, err := os.Stat(out)
	if err != nil {
		return "", &models.ThumbnailError{Reason: "no frame produced", Err: err}
	}
	if fi.Size() == 0 {
		_ = os.Remove(out)
		return "", &models.ThumbnailError{Reason: "empty frame produced"}
	}

	return out, nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/service"
)

var probeKind string

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Inspect a media file the way uploads are inspected",
	Long: `Run the upload format check and ffprobe against a local file and print
the extracted media info as JSON. Exits non-zero if the file would be
rejected on upload.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeKind, "kind", string(models.MediaKindVideo), "declared media kind (video, audio)")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	kind, err := models.ParseMediaKind(probeKind)
	if err != nil {
		return err
	}
	path := args[0]
	if err := service.CheckFormat(kind, filepath.Base(path), ""); err != nil {
		return err
	}

	runner := ffmpeg.NewExecRunner()
	binaries, err := ffmpeg.NewBinaryDetector(runner, cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath).Detect(cmd.Context())
	if err != nil {
		return fmt.Errorf("detecting ffprobe: %w", err)
	}

	info, err := ffmpeg.NewProber(binaries.FFprobePath, runner).
		WithTimeout(cfg.FFmpeg.ProbeTimeout).
		ProbeMedia(cmd.Context(), path, kind)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

package ffmpeg

import (
	"fmt"
	"math"
	"sort"

	"github.com/jmylchreest/vodarr/internal/config"
)

// AudioLabel names the single rendition produced for audio uploads.
const AudioLabel = "audio"

// Tier is one rung of the video quality ladder. Bitrates are in kbit/s.
type Tier struct {
	Label         string
	Height        int
	VideoBitrateK int
	MaxRateK      int
	BufSizeK      int
	AudioBitrateK int
}

// BandwidthBPS is the peak-ish bandwidth advertised in the master playlist.
func (t Tier) BandwidthBPS() int {
	return (t.VideoBitrateK + t.AudioBitrateK) * 1000
}

// LadderFromConfig converts configured tiers, ordered by ascending video bitrate.
func LadderFromConfig(tiers []config.TierConfig) []Tier {
	ladder := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		ladder = append(ladder, Tier{
			Label:         t.Label,
			Height:        t.Height,
			VideoBitrateK: t.VideoBitrateK,
			MaxRateK:      t.MaxRateK,
			BufSizeK:      t.BufSizeK,
			AudioBitrateK: t.AudioBitrateK,
		})
	}
	sort.SliceStable(ladder, func(i, j int) bool {
		return ladder[i].VideoBitrateK < ladder[j].VideoBitrateK
	})
	return ladder
}

// ScaledWidth keeps the source aspect ratio at the target height and rounds
// to the even width H.264 requires.
func ScaledWidth(srcWidth, srcHeight, targetHeight int) int {
	if srcWidth <= 0 || srcHeight <= 0 || targetHeight <= 0 {
		return 2
	}
	w := int(math.Round(float64(srcWidth) * float64(targetHeight) / float64(srcHeight)))
	if w%2 != 0 {
		w++
	}
	if w < 2 {
		w = 2
	}
	return w
}

// KeyframeFrames returns a two second GOP for the given frame rate.
// Segment durations are whole seconds, so every variant cuts on the same keyframes.
func KeyframeFrames(fps float64) int {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 48
	}
	g := int(math.Round(fps * 2))
	if g < 2 {
		g = 2
	}
	return g
}

// splitFilter builds "[0:v:0]split=N[v0][v1];[v0]scale=W:H[out0];...".
func splitFilter(widths, heights []int) string {
	n := len(heights)
	graph := fmt.Sprintf("[0:v:0]split=%d", n)
	for i := 0; i < n; i++ {
		graph += fmt.Sprintf("[v%d]", i)
	}
	for i := 0; i < n; i++ {
		graph += fmt.Sprintf(";[v%d]scale=%d:%d[out%d]", i, widths[i], heights[i], i)
	}
	return graph
}

package ffmpeg

import (
	"strconv"
	"strings"
)

// Command represents an FFmpeg or FFprobe invocation.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// HasArg reports whether flag appears in the argument list.
func (c *Command) HasArg(flag string) bool {
	for _, a := range c.Args {
		if a == flag {
			return true
		}
	}
	return false
}

// ArgValue returns the argument following flag, or "" when flag is absent.
func (c *Command) ArgValue(flag string) string {
	for i := 0; i < len(c.Args)-1; i++ {
		if c.Args[i] == flag {
			return c.Args[i+1]
		}
	}
	return ""
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary        string
	globalArgs    []string
	inputArgs     []string
	input         string
	filterComplex string
	filterArgs    []string
	outputArgs    []string
	output        string
	logLevel      string
	overwrite     bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops FFmpeg from reading the terminal.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// Seek sets an input seek position in seconds. Placed before -i for fast seeking.
func (b *CommandBuilder) Seek(seconds float64) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-ss", strconv.FormatFloat(seconds, 'f', 3, 64))
	return b
}

// FilterComplex sets a -filter_complex graph. It replaces any -vf chain.
func (b *CommandBuilder) FilterComplex(graph string) *CommandBuilder {
	b.filterComplex = graph
	return b
}

// VideoFilter adds a video filter.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// Map adds a -map selector.
func (b *CommandBuilder) Map(spec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-map", spec)
	return b
}

// NoVideo drops video streams from the output.
func (b *CommandBuilder) NoVideo() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-vn")
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// KeyframeInterval pins the GOP so that segment boundaries line up across variants.
func (b *CommandBuilder) KeyframeInterval(frames int) *CommandBuilder {
	gop := strconv.Itoa(frames)
	b.outputArgs = append(b.outputArgs,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0")
	return b
}

// StreamBitrates sets rate control for output variant index i.
func (b *CommandBuilder) StreamBitrates(i, videoK, maxRateK, bufSizeK, audioK int, withAudio bool) *CommandBuilder {
	idx := strconv.Itoa(i)
	b.outputArgs = append(b.outputArgs,
		"-b:v:"+idx, kbps(videoK),
		"-maxrate:v:"+idx, kbps(maxRateK),
		"-bufsize:v:"+idx, kbps(bufSizeK))
	if withAudio {
		b.outputArgs = append(b.outputArgs, "-b:a:"+idx, kbps(audioK))
	}
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// VODHLSArgs adds HLS muxer arguments for a complete on-demand playlist.
// segmentPattern and the output may contain %v for multi-variant output.
func (b *CommandBuilder) VODHLSArgs(segmentTime int, segmentPattern string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentTime),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern)
	return b
}

// VarStreamMap sets the HLS variant grouping.
func (b *CommandBuilder) VarStreamMap(mapping string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-var_stream_map", mapping)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	switch {
	case b.filterComplex != "":
		args = append(args, "-filter_complex", b.filterComplex)
	case len(b.filterArgs) > 0:
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
		Input:  b.input,
		Output: b.output,
	}
}

func kbps(k int) string {
	return strconv.Itoa(k) + "k"
}

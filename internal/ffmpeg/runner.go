package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// maxStderrLines bounds the stderr tail kept for error reports.
const maxStderrLines = 40

// ToolResult is the outcome of a finished tool invocation.
type ToolResult struct {
	ExitCode int
	Stdout   []byte
	// Stderr holds the last lines the tool wrote to stderr.
	Stderr   []byte
	Duration time.Duration
}

// StderrTail returns the captured stderr as a trimmed string.
func (r *ToolResult) StderrTail() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Stderr))
}

// ToolRunner executes FFmpeg and FFprobe commands.
//
// Run returns an error only when the process could not be started or the
// context ended before it exited. A process that ran and exited non-zero
// returns a result with ExitCode set and a nil error.
type ToolRunner interface {
	Run(ctx context.Context, cmd *Command) (*ToolResult, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// KillGrace is how long a process gets after SIGTERM before it is killed.
	KillGrace time.Duration
}

// NewExecRunner creates a runner with a 5s kill grace period.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{KillGrace: 5 * time.Second}
}

// Run implements ToolRunner.
func (r *ExecRunner) Run(ctx context.Context, c *Command) (*ToolResult, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	// Let FFmpeg finalize and exit on its own terms first.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.KillGrace

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Binary, err)
	}

	// All pipe reads must finish before Wait closes the pipe.
	tail := newLineTail(maxStderrLines)
	tail.consume(stderr)

	waitErr := cmd.Wait()
	result := &ToolResult{
		Stdout:   stdout.Bytes(),
		Stderr:   tail.bytes(),
		Duration: time.Since(started),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("waiting for %s: %w", c.Binary, waitErr)
	}

	return result, nil
}

// lineTail keeps the most recent lines written by a process.
type lineTail struct {
	max   int
	lines []string
}

func newLineTail(max int) *lineTail {
	return &lineTail{max: max, lines: make([]string, 0, max)}
}

func (t *lineTail) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(t.lines) >= t.max {
			t.lines = t.lines[1:]
		}
		t.lines = append(t.lines, line)
	}
	// Drain whatever the scanner refused so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (t *lineTail) bytes() []byte {
	return []byte(strings.Join(t.lines, "\n"))
}

var _ ToolRunner = (*ExecRunner)(nil)

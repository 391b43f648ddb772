package audio

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Prober determines the playback length of an audio file.
type Prober struct {
	FFprobePath string
}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{FFprobePath: ffprobePath}
}

// DurationSeconds returns the length of the file in seconds, or 0 when it cannot be determined.
func (p *Prober) DurationSeconds(ctx context.Context, path string) float64 {
	if format, err := Inspect(path); err == nil && format.Duration > 0 {
		return format.Duration.Seconds()
	}

	cmd := exec.CommandContext(ctx, p.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	output, err := cmd.Output()
	if err != nil {
		slog.Debug("ffprobe failed, duration unknown", "file", path, "error", err)
		return 0
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil || seconds < 0 {
		slog.Debug("Unparseable ffprobe duration", "file", path, "output", string(output))
		return 0
	}
	return seconds
}

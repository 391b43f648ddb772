package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// ConversionError reports a failed ffmpeg normalization.
type ConversionError struct {
	Input  string
	Stderr string
	Err    error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("audio conversion failed for %s", e.Input)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ", stderr: " + stderr
	}
	return msg
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Converter resamples arbitrary input into 16kHz mono PCM for Whisper.
type Converter struct {
	FFmpegPath string
}

// NewConverter returns a converter using the given ffmpeg binary, "ffmpeg" when empty.
func NewConverter(ffmpegPath string) *Converter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Converter{FFmpegPath: ffmpegPath}
}

// ToWhisperWav writes a whisper-ready copy of inputPath to outputPath.
func (c *Converter) ToWhisperWav(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-i", inputPath,
		"-vn",
		"-ar", fmt.Sprintf("%d", WhisperSampleRate),
		"-ac", "1",
		"-acodec", "pcm_s16le",
		"-y", // Overwrite output file
		outputPath,
	}

	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("Running ffmpeg", "command", cmd.String())

	if err := cmd.Run(); err != nil {
		return &ConversionError{Input: inputPath, Stderr: stderr.String(), Err: err}
	}

	if _, err := os.Stat(outputPath); err != nil {
		return &ConversionError{Input: inputPath, Stderr: stderr.String(), Err: fmt.Errorf("output missing: %w", err)}
	}

	return nil
}

// Prepare returns a path whisper can read directly. Uploads that already are
// 16kHz mono PCM WAV are used as is; anything else is converted to outputPath.
// converted reports whether outputPath was written and must be cleaned up.
func (c *Converter) Prepare(ctx context.Context, inputPath, outputPath string) (path string, converted bool, err error) {
	if format, err := Inspect(inputPath); err == nil && format.WhisperReady() {
		slog.Debug("Input already whisper-ready, skipping conversion", "file", inputPath)
		return inputPath, false, nil
	}

	if err := c.ToWhisperWav(ctx, inputPath, outputPath); err != nil {
		return "", false, err
	}
	return outputPath, true, nil
}

package scribe

import (
	"fmt"
	"strings"

	"github.com/bosley/whisperwire/audio"
)

// NotFoundError is returned before spawning when a required file is missing.
type NotFoundError struct {
	What string // "binary", "model" or "input"
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Path)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// ProcessFailure is a non-zero exit or an empty transcript.
type ProcessFailure struct {
	ExitCode int
	Stderr   string
	Reason   string
	Err      error
}

func (e *ProcessFailure) Error() string {
	msg := fmt.Sprintf("transcription failed: %s (exit=%d)", e.Reason, e.ExitCode)
	if stderr := lastLines(e.Stderr, 5); stderr != "" {
		msg += ", stderr: " + stderr
	}
	return msg
}

func (e *ProcessFailure) Unwrap() error {
	return e.Err
}

// ConversionFailure is an upstream ffmpeg normalization error.
type ConversionFailure = audio.ConversionError

// TransportFailure reports that a message could not reach a client. It never
// aborts a job.
type TransportFailure struct {
	ClientID string
	Err      error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("delivery to client %s failed: %v", e.ClientID, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}

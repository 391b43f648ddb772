package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/whisperwire/metrics"
)

// JobState tracks the lifecycle of one transcription run.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// How long a cancelled job waits for the killed process to be reaped.
const killWait = time.Second

// JobRequest describes the audio to transcribe and who to report progress to.
type JobRequest struct {
	AudioPath string
	ClientID  string
	Duration  float64 // seconds, 0 when unknown
}

// Job is one audio-to-transcript run bound to a client.
type Job struct {
	ID          string
	AudioPath   string
	ClientID    string
	Duration    float64
	StartedAt   time.Time
	State       JobState
	LastPercent int
	ErrorSeen   bool
	ExitCode    int
	Transcript  string
}

func (j *Job) transition(to JobState) error {
	if !isValidTransition(j.State, to) {
		return fmt.Errorf("invalid job transition: %s -> %s", j.State, to)
	}
	j.State = to
	return nil
}

func isValidTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobFailed || to == JobCancelled
	case JobRunning:
		return to == JobSucceeded || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

// Coordinator runs jobs: it launches the engine, feeds its output through the
// parser into a progress relay and decides the outcome from the exit status
// and the captured transcript.
type Coordinator struct {
	launcher Launcher
	parser   *Parser
	metrics  *metrics.Metrics
}

func NewCoordinator(launcher Launcher, parser *Parser, m *metrics.Metrics) *Coordinator {
	if parser == nil {
		parser = NewParser()
	}
	return &Coordinator{launcher: launcher, parser: parser, metrics: m}
}

// Run transcribes req.AudioPath, reporting progress to sink. The returned job
// is never nil; on success Job.Transcript holds the text.
func (c *Coordinator) Run(ctx context.Context, req JobRequest, sink Sink) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		AudioPath: req.AudioPath,
		ClientID:  req.ClientID,
		Duration:  req.Duration,
		StartedAt: time.Now(),
		State:     JobPending,
	}
	defer func() {
		c.metrics.JobFinished(string(job.State), time.Since(job.StartedAt))
	}()

	if err := ctx.Err(); err != nil {
		job.transition(JobCancelled)
		return job, fmt.Errorf("transcription cancelled: %w", err)
	}

	proc, err := c.launcher.Launch(ctx, req.AudioPath)
	if err != nil {
		job.transition(JobFailed)
		return job, err
	}
	defer removeArtifact(proc.ArtifactPath())

	job.transition(JobRunning)
	slog.Info("Transcription started",
		"jobID", job.ID,
		"clientID", job.ClientID,
		"file", job.AudioPath,
		"duration", job.Duration)

	relay := NewRelay(req.ClientID, sink, c.metrics)
	relay.Start(ctx)

	var segments []string
	var stderr strings.Builder
	stdoutLines, stderrLines := proc.Stdout(), proc.Stderr()

	offer := func(sample ProgressSample) {
		job.LastPercent = sample.Percent
		relay.Offer(sample)
	}

	diagnostic := func(line string) {
		stderr.WriteString(line)
		stderr.WriteByte('\n')
		if IsErrorLine(line) {
			job.ErrorSeen = true
		}
		if sample, ok := c.parser.ParseDiagnostic(line, job.Duration); ok {
			offer(sample)
		}
	}

	segment := func(line string) {
		segments = append(segments, line)
		if sample, ok := c.parser.ParseTimeline(line, job.Duration); ok {
			offer(sample)
		}
	}

	cancelled := func() (*Job, error) {
		proc.Kill()
		relay.Abandon()
		waitReaped(proc)
		job.transition(JobCancelled)
		slog.Info("Transcription cancelled", "jobID", job.ID, "clientID", job.ClientID)
		return job, fmt.Errorf("transcription cancelled: %w", ctx.Err())
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return cancelled()

		case line, ok := <-stderrLines:
			if !ok {
				stderrLines = nil
				continue
			}
			diagnostic(line)

		case line, ok := <-stdoutLines:
			if !ok {
				stdoutLines = nil
				continue
			}
			segment(line)

		case <-proc.Done():
			// Both readers have finished; consume whatever is still buffered.
			if stderrLines != nil {
				for line := range stderrLines {
					diagnostic(line)
				}
			}
			if stdoutLines != nil {
				for line := range stdoutLines {
					segment(line)
				}
			}
			break loop
		}
	}

	// The context kills the process too; a cancellation that races the exit
	// still counts as cancelled.
	if ctx.Err() != nil {
		return cancelled()
	}

	job.ExitCode = proc.ExitCode()
	if job.ErrorSeen {
		slog.Warn("Engine reported errors", "jobID", job.ID, "exitCode", job.ExitCode)
	}

	if job.ExitCode != 0 {
		relay.Close(ctx, false)
		job.transition(JobFailed)
		return job, &ProcessFailure{
			ExitCode: job.ExitCode,
			Stderr:   stderr.String(),
			Reason:   "non-zero exit status",
			Err:      proc.WaitErr(),
		}
	}

	text, err := readTranscript(proc.ArtifactPath(), segments)
	if err != nil {
		relay.Close(ctx, false)
		job.transition(JobFailed)
		return job, &ProcessFailure{
			ExitCode: job.ExitCode,
			Stderr:   stderr.String(),
			Reason:   "could not read transcript",
			Err:      err,
		}
	}
	if text == "" {
		relay.Close(ctx, false)
		job.transition(JobFailed)
		return job, &ProcessFailure{
			ExitCode: job.ExitCode,
			Stderr:   stderr.String(),
			Reason:   "empty transcript",
		}
	}

	relay.Close(ctx, true)
	job.LastPercent = percentMaximum
	job.Transcript = text
	job.transition(JobSucceeded)

	slog.Info("Successfully transcribed audio",
		"jobID", job.ID,
		"clientID", job.ClientID,
		"elapsed", time.Since(job.StartedAt).Round(time.Millisecond),
		"length", len(text))

	return job, nil
}

// readTranscript prefers the engine's text artifact and falls back to the
// segments printed on stdout.
func readTranscript(artifactPath string, segments []string) (string, error) {
	data, err := os.ReadFile(artifactPath)
	switch {
	case err == nil:
		if text := strings.TrimSpace(string(data)); text != "" {
			return text, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("failed to read output file: %w", err)
	}
	return extractText(segments), nil
}

func extractText(lines []string) string {
	var builder strings.Builder

	for _, line := range lines {
		text := strings.TrimSpace(line)

		// Skip empty lines and blank audio markers
		if text == "" || strings.Contains(text, "[BLANK_AUDIO]") {
			continue
		}

		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(text)
	}

	return builder.String()
}

func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove transcript artifact", "path", path, "error", err)
	}
}

func waitReaped(proc *Process) {
	timer := time.NewTimer(killWait)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		slog.Warn("Killed whisper process not reaped in time")
	}
}

package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

func (s *Scribe) worker(ctx context.Context) {
	slog.Debug("Worker starting")
	defer func() {
		slog.Debug("Worker shutting down")
		s.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker context cancelled")
			return

		case job, ok := <-s.queue:
			if !ok {
				slog.Debug("Worker queue closed")
				return
			}

			if err := s.processJob(ctx, job); err != nil {
				slog.Error("Failed to process transcription job",
					"error", err,
					"file", job.FilePath,
					"clientID", job.ClientID)
			}
		}
	}
}

// processJob transcribes one inbox file. Summaries are added when a server
// side key is configured; a summary failure still keeps the transcript.
func (s *Scribe) processJob(ctx context.Context, job TranscriptionJob) error {
	slog.Info("Processing audio file",
		"file", job.FilePath,
		"clientID", job.ClientID,
		"queued", time.Since(job.Timestamp).Round(time.Millisecond))

	var sink Sink = logSink(job.FilePath)
	if job.ClientID != inboxClientID {
		sink = multiSink{sink, s.registry.ProgressSink(job.ClientID)}
	}

	result, err := s.transcribe(ctx, job.FilePath, job.ClientID, sink)
	if err != nil {
		return err
	}

	withSummary := s.config.OpenAIKey != ""
	if _, err := s.finalize(ctx, result.Transcript, withSummary, ""); err != nil {
		if !withSummary {
			return err
		}
		slog.Warn("Summaries failed, saving transcript only",
			"error", err,
			"file", filepath.Base(job.FilePath))
		if _, err := s.finalize(ctx, result.Transcript, false, ""); err != nil {
			return err
		}
	}

	slog.Info("Successfully processed audio file",
		"clientID", job.ClientID,
		"file", filepath.Base(job.FilePath),
		"chars", len(result.Transcript))

	return nil
}

// logSink reports inbox progress through the logger.
func logSink(file string) Sink {
	name := filepath.Base(file)
	return SinkFunc(func(_ context.Context, percent int) error {
		slog.Info("Transcription progress", "file", name, "progress", percent)
		return nil
	})
}

// multiSink delivers every value to each sink in turn.
type multiSink []Sink

func (m multiSink) SendProgress(ctx context.Context, percent int) error {
	var errs []error
	for _, sink := range m {
		if err := sink.SendProgress(ctx, percent); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("progress delivery: %w", errors.Join(errs...))
	}
	return nil
}

package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
)

// Client ids for jobs that have no WebSocket peer.
const (
	inboxClientID = "inbox"
	localClientID = "local"
)

var audioExtensions = []string{".wav", ".mp3", ".m4a", ".ogg", ".flac", ".webm", ".mp4", ".aac", ".opus"}

// watchInbox registers the inbox and its existing client directories with
// the watcher. Files dropped into a subdirectory report progress to the
// client named by it. Producers should write to a .tmp name and rename when
// complete.
func (s *Scribe) watchInbox() error {
	// Start watching the inbox directory
	if err := s.watcher.Add(s.config.InboxDir); err != nil {
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}

	entries, err := os.ReadDir(s.config.InboxDir)
	if err != nil {
		return fmt.Errorf("failed to list inbox directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			s.watchClientDir(filepath.Join(s.config.InboxDir, entry.Name()))
		}
	}

	slog.Info("Started watching inbox directory", "path", s.config.InboxDir)
	return nil
}

// watchFiles feeds new audio files from the inbox into the queue.
func (s *Scribe) watchFiles(ctx context.Context) {
	defer close(s.watchDone)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			// Handle the file system event
			if err := s.handleFSEvent(event); err != nil {
				slog.Error("Failed to handle file system event",
					"error", err,
					"event", event)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (s *Scribe) handleFSEvent(event fsnotify.Event) error {
	// Skip temporary files and non-create events
	if strings.HasSuffix(event.Name, ".tmp") || !event.Has(fsnotify.Create) {
		return nil
	}

	// Get the relative path from the inbox directory
	relPath, err := filepath.Rel(s.config.InboxDir, event.Name)
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}
	parts := strings.Split(relPath, string(filepath.Separator))

	info, err := os.Stat(event.Name)
	if err != nil {
		// Already gone, nothing to do
		return nil
	}

	if info.IsDir() {
		if len(parts) == 1 {
			s.watchClientDir(event.Name)
		}
		return nil
	}

	if !isAudioFile(event.Name) {
		return nil
	}

	clientID := inboxClientID
	switch len(parts) {
	case 1:
	case 2:
		clientID = parts[0]
	default:
		return nil
	}

	slog.Info("Found new audio file", "clientID", clientID, "file", relPath)
	return s.handleNewAudioFile(clientID, event.Name)
}

func (s *Scribe) watchClientDir(path string) {
	if err := s.watcher.Add(path); err != nil {
		slog.Error("Failed to watch client directory",
			"error", err,
			"path", path)
		return
	}
	slog.Info("Watching client directory", "clientID", filepath.Base(path), "path", path)
}

func (s *Scribe) handleNewAudioFile(clientID, filePath string) error {
	// Create a new transcription job
	job := TranscriptionJob{
		FilePath:  filePath,
		ClientID:  clientID,
		Timestamp: time.Now(),
	}

	// Add the job to the processing queue
	select {
	case s.queue <- job:
		slog.Info("Queued new audio file for processing",
			"clientID", clientID,
			"file", filepath.Base(filePath))
	default:
		return fmt.Errorf("job queue is full")
	}

	return nil
}

func isAudioFile(path string) bool {
	return lo.Contains(audioExtensions, strings.ToLower(filepath.Ext(path)))
}

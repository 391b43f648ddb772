// Package store persists finished transcriptions as JSON and Markdown.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const timestampLayout = "20060102_150405"

// Result is the document returned to clients and written to disk.
type Result struct {
	Transcription string `json:"transcription"`
	PetitResume   string `json:"petitResume,omitempty"`
	GrosResume    string `json:"grosResume,omitempty"`
}

// Paths lists the files written for one result.
type Paths struct {
	JSON     string
	Markdown string
}

// Store writes results into a single directory.
type Store struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save writes result_<timestamp>.json and result_<timestamp>.md. A numeric
// suffix keeps results finishing within the same second apart.
func (s *Store) Save(result Result) (Paths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamp := s.now().Format(timestampLayout)
	base := s.uniqueBase(timestamp)

	paths := Paths{
		JSON:     base + ".json",
		Markdown: base + ".md",
	}

	data, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return Paths{}, fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(paths.JSON, data, 0644); err != nil {
		return Paths{}, fmt.Errorf("failed to write %s: %w", paths.JSON, err)
	}
	slog.Info("JSON saved", "path", paths.JSON)

	if err := os.WriteFile(paths.Markdown, []byte(Markdown(result, timestamp)), 0644); err != nil {
		return Paths{}, fmt.Errorf("failed to write %s: %w", paths.Markdown, err)
	}
	slog.Info("Markdown saved", "path", paths.Markdown)

	return paths, nil
}

func (s *Store) uniqueBase(timestamp string) string {
	base := filepath.Join(s.dir, "result_"+timestamp)
	for i := 1; ; i++ {
		if _, err := os.Stat(base + ".json"); os.IsNotExist(err) {
			return base
		}
		base = filepath.Join(s.dir, fmt.Sprintf("result_%s_%d", timestamp, i))
	}
}

// Markdown renders a result as a human readable report.
func Markdown(result Result, timestamp string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Transcription %s\n### Transcription:\n%s\n", timestamp, result.Transcription)
	if result.PetitResume != "" {
		fmt.Fprintf(&b, "\n### Key Points:\n%s\n", result.PetitResume)
	}
	if result.GrosResume != "" {
		fmt.Fprintf(&b, "\n### Detailed Summary:\n%s\n", result.GrosResume)
	}
	return b.String()
}

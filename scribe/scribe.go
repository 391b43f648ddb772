package scribe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"

	"github.com/bosley/whisperwire/audio"
	"github.com/bosley/whisperwire/metrics"
	"github.com/bosley/whisperwire/store"
	"github.com/bosley/whisperwire/summary"
)

const (
	defaultWorkers   = 2
	defaultMaxUpload = 512 << 20
	queueSize        = 100
	shutdownTimeout  = 10 * time.Second
)

// Configuration for the Scribe service
type Config struct {
	// Certificate files for TLS, leave both empty for plain HTTP
	CertFile string
	KeyFile  string

	// HTTP server address
	HTTPAddr string

	// Origins allowed for CORS and WebSocket upgrades; "*" allows any
	AllowedOrigins []string

	MaxUploadBytes int64

	// Path to whisper executable
	WhisperPath string

	// Path to whisper model
	WhisperModel string

	Language string
	Threads  int
	Prompt   string

	FFmpegPath  string
	FFprobePath string

	// Scratch space for uploads, converted audio and engine output
	WorkDir string

	// Where results are persisted
	ResultsDir string

	// Drop folder watched for new audio, empty to disable
	InboxDir string

	// Number of worker threads for processing inbox files
	Workers int

	// Fallback credential and endpoint for summaries
	OpenAIKey      string
	SummaryModel   string
	SummaryBaseURL string
}

// Summarizer produces the optional summaries of a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, apiKey string) (summary.Summaries, error)
}

// Scribe manages the transcription service
type Scribe struct {
	config Config

	registry    *Registry
	coordinator *Coordinator
	converter   *audio.Converter
	prober      *audio.Prober
	store       *store.Store
	summarizer  Summarizer

	metrics      *metrics.Metrics
	promRegistry *prometheus.Registry

	// File system watcher, nil without an inbox
	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	// Processing queue
	queue   chan TranscriptionJob
	workers sync.WaitGroup

	// HTTP/Websocket
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a new Scribe instance
func New(cfg Config) (*Scribe, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "whisperwire")
	}

	var tlsConfig *tls.Config
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	results, err := store.New(cfg.ResultsDir)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	engine := &Engine{
		BinaryPath: cfg.WhisperPath,
		ModelPath:  cfg.WhisperModel,
		Language:   cfg.Language,
		Threads:    cfg.Threads,
		Prompt:     cfg.Prompt,
		OutputDir:  cfg.WorkDir,
	}

	s := &Scribe{
		config:      cfg,
		registry:    NewRegistry(m),
		coordinator: NewCoordinator(engine, NewParser(), m),
		converter:   audio.NewConverter(cfg.FFmpegPath),
		prober:      audio.NewProber(cfg.FFprobePath),
		store:       results,
		summarizer: summary.New(summary.Config{
			Model:   cfg.SummaryModel,
			BaseURL: cfg.SummaryBaseURL,
		}),
		metrics:      m,
		promRegistry: promRegistry,
		queue:        make(chan TranscriptionJob, queueSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
		server: &http.Server{
			Addr:      cfg.HTTPAddr,
			TLSConfig: tlsConfig,
		},
	}

	if cfg.InboxDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		s.watcher = watcher
	}

	return s, nil
}

// Start begins the Scribe service and blocks until ctx is cancelled or the
// HTTP server fails.
func (s *Scribe) Start(ctx context.Context) error {
	if err := s.startInbox(ctx); err != nil {
		return err
	}

	// Start the HTTP server
	return s.startHTTP(ctx)
}

// startInbox launches the worker pool and the drop-folder watcher.
func (s *Scribe) startInbox(ctx context.Context) error {
	if s.watcher == nil {
		return nil
	}

	if err := os.MkdirAll(s.config.InboxDir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}
	if err := s.watchInbox(); err != nil {
		return err
	}

	// Start the worker pool
	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx)
	}

	// Start the file system watcher
	s.watchDone = make(chan struct{})
	go s.watchFiles(ctx)
	return nil
}

// Stop gracefully shuts down the Scribe service
func (s *Scribe) Stop(ctx context.Context) error {
	var errs []error

	// Stop the HTTP server
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
		}
	}
	s.registry.CloseAll()

	if s.watcher != nil {
		// Close the file watcher, then stop accepting new jobs
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file watcher: %w", err))
		}
		if s.watchDone != nil {
			<-s.watchDone
		}
		close(s.queue)

		// Wait for workers to finish
		done := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(done)
		}()

		// Wait for workers or context timeout
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown timed out"))
		}
	}

	return errors.Join(errs...)
}

// Registry exposes the connection registry.
func (s *Scribe) Registry() *Registry {
	return s.registry
}

// TranscribeFile runs a local file through the whole pipeline, reporting
// progress to sink, and persists the result.
func (s *Scribe) TranscribeFile(ctx context.Context, path string, sink Sink, withSummary bool, apiKey string) (store.Result, error) {
	job, err := s.transcribe(ctx, path, localClientID, sink)
	if err != nil {
		return store.Result{}, err
	}
	return s.finalize(ctx, job.Transcript, withSummary, apiKey)
}

// transcribe normalizes inputPath, probes its duration and runs one job whose
// progress goes to sink.
func (s *Scribe) transcribe(ctx context.Context, inputPath, clientID string, sink Sink) (*Job, error) {
	wavPath := filepath.Join(s.config.WorkDir, uuid.NewString()+".wav")
	path, converted, err := s.converter.Prepare(ctx, inputPath, wavPath)
	if err != nil {
		removeFile(wavPath)
		return nil, err
	}
	if converted {
		defer removeFile(wavPath)
	}

	duration := s.prober.DurationSeconds(ctx, path)
	s.registry.SetDuration(clientID, duration)
	defer s.registry.ClearDuration(clientID)

	return s.coordinator.Run(ctx, JobRequest{
		AudioPath: path,
		ClientID:  clientID,
		Duration:  duration,
	}, sink)
}

// finalize adds the optional summaries to a transcript and persists the result.
func (s *Scribe) finalize(ctx context.Context, transcript string, withSummary bool, apiKey string) (store.Result, error) {
	result := store.Result{Transcription: transcript}

	if withSummary {
		if apiKey == "" {
			apiKey = s.config.OpenAIKey
		}
		summaries, err := s.summarizer.Summarize(ctx, transcript, apiKey)
		if err != nil {
			return store.Result{}, fmt.Errorf("summary generation failed: %w", err)
		}
		result.PetitResume = summaries.Bullets
		result.GrosResume = summaries.Detailed
	}

	if _, err := s.store.Save(result); err != nil {
		return store.Result{}, err
	}
	return result, nil
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || lo.Contains(allowed, "*") {
		return true
	}
	return lo.Contains(allowed, origin)
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove temporary file", "path", path, "error", err)
	}
}

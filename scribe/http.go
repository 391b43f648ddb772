package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Multipart parts above this size are spooled to disk by net/http.
const multipartMemory = 32 << 20

// Handler builds the router with every endpoint and CORS applied.
func (s *Scribe) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/transcribe/", s.handleTranscribe).Methods("POST")
	router.HandleFunc("/transcribe", s.handleTranscribe).Methods("POST")
	router.HandleFunc("/ws/{clientID}", s.handleWebSocket)

	// API routes
	router.HandleFunc("/api/clients", s.handleListClients).Methods("GET")
	router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})).Methods("GET")

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.config.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(true),
	)

	return recovery(cors(router))
}

func (s *Scribe) startHTTP(ctx context.Context) error {
	s.server.Handler = s.Handler()

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if s.server.TLSConfig != nil {
			slog.Info("HTTPS server listening", "addr", s.server.Addr)
			err = s.server.ListenAndServeTLS("", "")
		} else {
			slog.Info("HTTP server listening", "addr", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// handleTranscribe accepts a multipart upload, transcribes it while streaming
// progress to the client's WebSocket and replies with the result.
func (s *Scribe) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	clientID := strings.TrimSpace(r.FormValue("client_id"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	enableSummary, _ := strconv.ParseBool(r.FormValue("enable_summary"))
	apiKey := strings.TrimSpace(r.FormValue("api_key"))

	slog.Info("Received transcription request",
		"clientID", clientID,
		"file", header.Filename,
		"size", header.Size,
		"summary", enableSummary)

	uploadPath, err := s.saveUpload(file, header)
	if err != nil {
		slog.Error("Failed to store upload", "error", err, "clientID", clientID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer removeFile(uploadPath)

	job, err := s.transcribe(r.Context(), uploadPath, clientID, s.registry.ProgressSink(clientID))
	if err != nil {
		slog.Error("Transcription failed", "error", err, "clientID", clientID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.finalize(r.Context(), job.Transcript, enableSummary, apiKey)
	if err != nil {
		slog.Error("Failed to finalize result", "error", err, "clientID", clientID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// saveUpload copies the uploaded file into the work directory under a unique
// name that keeps its extension.
func (s *Scribe) saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	path := filepath.Join(s.config.WorkDir, uuid.NewString()+strings.ToLower(filepath.Ext(header.Filename)))

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		removeFile(path)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	if err := out.Close(); err != nil {
		removeFile(path)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	return path, nil
}

func (s *Scribe) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	clientID := strings.TrimSpace(vars["clientID"])
	if clientID == "" {
		http.Error(w, "Invalid client ID", http.StatusBadRequest)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err, "clientID", clientID)
		return
	}

	s.registry.Register(clientID, conn)
}

// handleListClients returns the connected clients
func (s *Scribe) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients := s.registry.Clients()

	slog.Debug("Sending client list", "numClients", len(clients))

	writeJSON(w, http.StatusOK, clients)
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Inbox   bool   `json:"inbox"`
}

func (s *Scribe) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: len(s.registry.Clients()),
		Inbox:   s.watcher != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// recoveryLogger routes panics caught by the recovery handler to slog.
type recoveryLogger struct{}

func (recoveryLogger) Println(args ...interface{}) {
	slog.Error("Recovered from panic in HTTP handler", "detail", fmt.Sprint(args...))
}

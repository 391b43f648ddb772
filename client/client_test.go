package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/whisperwire/scribe"
	"github.com/bosley/whisperwire/store"
)

type valueSink struct {
	mu     sync.Mutex
	values []int
}

func (s *valueSink) SendProgress(_ context.Context, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, percent)
	return nil
}

func (s *valueSink) Values() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.values...)
}

// fakeServer speaks the server's wire protocol: a connected message on the
// socket, progress pushed while the upload is handled, then the result.
type fakeServer struct {
	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	form    map[string]string
	content []byte
	status  int
	reply   any
}

func newFakeServer(t *testing.T, useTLS bool) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{
		conns:  make(map[string]*websocket.Conn),
		status: http.StatusOK,
		reply:  store.Result{Transcription: "Bonjour à tous."},
	}
	upgrader := websocket.Upgrader{}

	router := mux.NewRouter()
	router.HandleFunc("/ws/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		id := mux.Vars(r)["clientID"]
		f.mu.Lock()
		f.conns[id] = ws
		f.mu.Unlock()
		ws.WriteJSON(scribe.ConnectedMessage{Type: scribe.MessageConnected, Message: "ok"})

		// echo the close handshake
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					ws.Close()
					return
				}
			}
		}()
	})
	router.HandleFunc("/transcribe/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		content, _ := io.ReadAll(file)

		id := r.FormValue("client_id")
		f.mu.Lock()
		f.form = map[string]string{
			"client_id":      id,
			"enable_summary": r.FormValue("enable_summary"),
			"api_key":        r.FormValue("api_key"),
		}
		f.content = content
		ws := f.conns[id]
		status, reply := f.status, f.reply
		f.mu.Unlock()

		if ws != nil {
			for _, v := range []int{0, 30, 70, 100} {
				ws.WriteJSON(scribe.ProgressMessage{Type: scribe.MessageProgress, Value: v})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(reply)
	}).Methods("POST")

	var srv *httptest.Server
	if useTLS {
		srv = httptest.NewTLSServer(router)
	} else {
		srv = httptest.NewServer(router)
	}
	t.Cleanup(srv.Close)
	return f, srv
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF fake audio"), 0o644))
	return path
}

func TestTranscribeUploadsAndFollowsProgress(t *testing.T) {
	fake, srv := newFakeServer(t, false)
	c, err := New(Options{ServerURL: srv.URL + "/", EnableSummary: true, APIKey: "sk-test"})
	require.NoError(t, err)

	sink := &valueSink{}
	result, err := c.Transcribe(context.Background(), writeAudio(t), sink)
	require.NoError(t, err)

	assert.Equal(t, "Bonjour à tous.", result.Transcription)
	assert.Equal(t, []int{0, 30, 70, 100}, sink.Values())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.conns, fake.form["client_id"])
	assert.Equal(t, "true", fake.form["enable_summary"])
	assert.Equal(t, "sk-test", fake.form["api_key"])
	assert.Equal(t, []byte("RIFF fake audio"), fake.content)
}

func TestTranscribeReportsServerDetail(t *testing.T) {
	fake, srv := newFakeServer(t, false)
	fake.mu.Lock()
	fake.status = http.StatusInternalServerError
	fake.reply = map[string]string{"detail": "whisper exited with code 1"}
	fake.mu.Unlock()

	c, err := New(Options{ServerURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), writeAudio(t), &valueSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "whisper exited with code 1")
}

func TestTranscribeMissingFile(t *testing.T) {
	_, srv := newFakeServer(t, false)
	c, err := New(Options{ServerURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), &valueSink{})
	assert.ErrorContains(t, err, "failed to open audio file")
}

func TestTranscribeServerUnreachable(t *testing.T) {
	_, srv := newFakeServer(t, false)
	srv.Close()

	c, err := New(Options{ServerURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), writeAudio(t), &valueSink{})
	assert.ErrorContains(t, err, "failed to connect to server")
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"ftp://host", "localhost:8000", "http://", "://bad"} {
		_, err := New(Options{ServerURL: raw})
		assert.Error(t, err, raw)
	}
}

func TestCreateTLSConfig(t *testing.T) {
	cfg, err := createTLSConfig(true, "")
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	cfg, err = createTLSConfig(false, "")
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)

	_, err = createTLSConfig(false, filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cert"), 0o644))
	_, err = createTLSConfig(false, garbage)
	assert.ErrorContains(t, err, "failed to append server certificate")
}

func TestTranscribeOverTLS(t *testing.T) {
	_, srv := newFakeServer(t, true)

	// self-signed certificate is not trusted by default
	c, err := New(Options{ServerURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), writeAudio(t), &valueSink{})
	assert.ErrorContains(t, err, "failed to connect to server")

	c, err = New(Options{ServerURL: srv.URL, Insecure: true})
	require.NoError(t, err)
	result, err := c.Transcribe(context.Background(), writeAudio(t), &valueSink{})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour à tous.", result.Transcription)
}

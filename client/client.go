// Package client uploads audio to a running whisperwire server and follows
// the transcription progress over its WebSocket.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bosley/whisperwire/scribe"
	"github.com/bosley/whisperwire/store"
)

const (
	handshakeTimeout = 10 * time.Second
	closeTimeout     = 2 * time.Second

	// Must stay below the server's idle read deadline.
	pingInterval = 20 * time.Second
)

// Options configures a Client.
type Options struct {
	// Base URL of the server, http:// or https://
	ServerURL string

	// Skip certificate verification
	Insecure bool

	// PEM certificate to trust instead of the system roots
	CertFile string

	EnableSummary bool
	APIKey        string
}

// Client talks to one server.
type Client struct {
	opts    Options
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
}

// New validates the options and prepares the transports.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", opts.ServerURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: missing host", opts.ServerURL)
	}

	// Create TLS configuration
	var tlsConfig *tls.Config
	if base.Scheme == "https" {
		tlsConfig, err = createTLSConfig(opts.Insecure, opts.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		opts:    opts,
		baseURL: base,
		http:    &http.Client{Transport: transport},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
	}, nil
}

// Transcribe uploads filePath under a fresh client id and feeds every
// progress value the server pushes into sink until the result arrives.
func (c *Client) Transcribe(ctx context.Context, filePath string, sink scribe.Sink) (store.Result, error) {
	clientID := uuid.NewString()
	slog.Debug("Starting upload",
		"server", c.baseURL.String(),
		"clientID", clientID,
		"file", filePath)

	ws, err := c.connect(ctx, clientID)
	if err != nil {
		return store.Result{}, err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerDone := make(chan struct{})
	go c.followProgress(ctx, ws, sink, readerDone)
	go keepAlive(ctx, ws)

	result, err := c.upload(ctx, clientID, filePath)

	// Ask the server to close so progress already in flight is still read
	deadline := time.Now().Add(closeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if werr := ws.WriteControl(websocket.CloseMessage, msg, deadline); werr == nil {
		select {
		case <-readerDone:
		case <-time.After(closeTimeout):
		}
	}

	return result, err
}

// connect opens the progress socket and waits for the server to confirm the
// registration, so no sample for this client can be missed.
func (c *Client) connect(ctx context.Context, clientID string) (*websocket.Conn, error) {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = wsURL.Path + "/ws/" + url.PathEscape(clientID)

	ws, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	var connected scribe.ConnectedMessage
	if err := ws.ReadJSON(&connected); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to read connection confirmation: %w", err)
	}
	if connected.Type != scribe.MessageConnected {
		ws.Close()
		return nil, fmt.Errorf("unexpected first message type %q", connected.Type)
	}

	slog.Info("Connected to server", "clientID", clientID)
	return ws, nil
}

func (c *Client) followProgress(ctx context.Context, ws *websocket.Conn, sink scribe.Sink, done chan struct{}) {
	defer close(done)

	for {
		var msg scribe.ProgressMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !isConnectionClosed(err) {
				slog.Debug("Progress stream ended", "error", err)
			}
			return
		}
		if msg.Type != scribe.MessageProgress {
			continue
		}
		if err := sink.SendProgress(ctx, msg.Value); err != nil {
			slog.Warn("Failed to report progress", "error", err, "value", msg.Value)
		}
	}
}

// keepAlive pings the server so long jobs do not hit its idle deadline.
// It is the only writer of data frames on ws.
func keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteJSON(scribe.ControlMessage{Type: scribe.MessagePing}); err != nil {
				slog.Debug("Failed to send ping", "error", err)
				return
			}
		}
	}
}

// upload streams the multipart form and decodes the reply.
func (c *Client) upload(ctx context.Context, clientID, filePath string) (store.Result, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return store.Result{}, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(c.writeForm(mw, clientID, file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+"/transcribe/", pr)
	if err != nil {
		pr.Close()
		return store.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return store.Result{}, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil || reply.Detail == "" {
			return store.Result{}, fmt.Errorf("server returned %s", resp.Status)
		}
		return store.Result{}, fmt.Errorf("server returned %s: %s", resp.Status, reply.Detail)
	}

	var result store.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return store.Result{}, fmt.Errorf("failed to decode result: %w", err)
	}
	return result, nil
}

func (c *Client) writeForm(mw *multipart.Writer, clientID string, file *os.File) error {
	fields := map[string]string{
		"client_id":      clientID,
		"enable_summary": strconv.FormatBool(c.opts.EnableSummary),
	}
	if c.opts.APIKey != "" {
		fields["api_key"] = c.opts.APIKey
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", filepath.Base(file.Name()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return mw.Close()
}

// Helper function to check for connection closure
func isConnectionClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func createTLSConfig(insecureMode bool, serverCertFile string) (*tls.Config, error) {
	if insecureMode {
		slog.Warn("Running in insecure mode. This should not be used in production!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if serverCertFile == "" {
		// System roots
		return &tls.Config{}, nil
	}

	// Load the server's certificate
	certPEM, err := os.ReadFile(serverCertFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to append server certificate")
	}

	return &tls.Config{
		RootCAs: certPool,
	}, nil
}

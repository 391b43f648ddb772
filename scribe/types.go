package scribe

import (
	"time"
)

// WebSocket message types
const (
	MessageConnected = "connected"
	MessageProgress  = "progress"
	MessagePing      = "ping"
	MessagePong      = "pong"
)

// ConnectedMessage is sent once when a client connects.
type ConnectedMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	AudioInfo AudioInfo `json:"audioInfo"`
}

type AudioInfo struct {
	Duration *float64 `json:"duration"`
}

// ProgressMessage carries one forwarded progress sample.
type ProgressMessage struct {
	Type      string   `json:"type"`
	Value     int      `json:"value"`
	Duration  *float64 `json:"duration"`
	Timestamp string   `json:"timestamp"`
}

// ControlMessage is a ping or pong.
type ControlMessage struct {
	Type string `json:"type"`
}

// TranscriptionJob represents a job for the worker pool
type TranscriptionJob struct {
	FilePath  string
	ClientID  string
	Timestamp time.Time
}

// errorResponse is the body of every non-2xx HTTP reply.
type errorResponse struct {
	Detail string `json:"detail"`
}

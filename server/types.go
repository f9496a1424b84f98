package server

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulseline/pulse/event"
)

const (
	// MaxClients is the maximum number of concurrent event stream clients
	MaxClients = 100
	// ShutdownTimeout bounds Stop; WorkerPool.Stop alone may wait out the
	// worker shutdown grace.
	ShutdownTimeout = 60 * time.Second
	// EventTailInterval is how often the event log is polled for the stream
	EventTailInterval = 250 * time.Millisecond
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// CancelRequest is the optional body of the cancel endpoints.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TriggerRequest is the optional body of POST /api/schedules/{id}/trigger.
type TriggerRequest struct {
	Params json.RawMessage `json:"params,omitempty"`
}

// ReplayRequest is the optional body of POST /api/dead-letters/{id}/replay.
type ReplayRequest struct {
	Actor string `json:"actor,omitempty"`
}

// ResolveRequest is the body of POST /api/dead-letters/{id}/resolve.
type ResolveRequest struct {
	Actor string `json:"actor,omitempty"`
	Note  string `json:"note,omitempty"`
}

// EventsResponse is one page of the event log. NextSeq is the cursor for
// the following page.
type EventsResponse struct {
	Events  []event.Event `json:"events"`
	NextSeq int64         `json:"next_seq"`
}

// StreamMessage is one websocket frame of /api/events/stream.
type StreamMessage struct {
	Type  string       `json:"type"` // "hello", "event"
	Event *event.Event `json:"event,omitempty"`

	Version  string `json:"version,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

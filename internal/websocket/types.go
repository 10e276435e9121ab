package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeForwardCompleted is sent after every successful forward pass
	EventTypeForwardCompleted EventType = "forward_completed"
	// EventTypeCheckpointSaved is sent after a checkpoint is written
	EventTypeCheckpointSaved EventType = "checkpoint_saved"
	// EventTypeCheckpointLoaded is sent after a checkpoint replaces the model state
	EventTypeCheckpointLoaded EventType = "checkpoint_loaded"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// ForwardEvent summarizes one forward pass
type ForwardEvent struct {
	Kind         string  `json:"kind"` // single or batch
	Rows         int     `json:"rows"`
	OutputDim    int     `json:"output_dim"`
	TextLength   int     `json:"text_length,omitempty"`
	ProcessingMS float64 `json:"processing_ms"`
}

// CheckpointEvent describes a checkpoint save or load
type CheckpointEvent struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Bytes   int    `json:"bytes,omitempty"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	ModelID          string `json:"model_id"`
	ScalerFitted     bool   `json:"scaler_fitted"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent announces a client joining or leaving the hub
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage is a control frame sent by a client: "subscribe" or "ping"
type ClientMessage struct {
	Type string      `json:"type"`
	Data any `json:"data"`
}

// SubscriptionRequest limits a client to the listed event types
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string

	mu sync.Mutex
}

// subscribed reports whether the client wants events of type t. Clients
// without a subscription receive everything.
func (c *Client) subscribed(t EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Subscription == nil || len(c.Subscription.Events) == 0 {
		return true
	}
	for _, e := range c.Subscription.Events {
		if e == t {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(s *SubscriptionRequest) {
	c.mu.Lock()
	c.Subscription = s
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()
}

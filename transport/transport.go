// Package transport defines the protocol-agnostic contract every streaming
// transport satisfies, the shared connection bookkeeping they embed, and the
// factory that selects between implementations with capability fallback.
//
// A transport owns exactly one connection-level state machine: its
// ConnectionState reflects socket reality, not session intent. Session-level
// lifecycle (thinking, paused, buffering, ...) belongs to the session
// package.
package transport

import (
	"context"
	"time"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
)

// ConnectionState reflects the socket or stream-level connection reality
type ConnectionState string

const (
	// StateDisconnected means no connection exists and none is in progress
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a connection attempt is in flight
	StateConnecting ConnectionState = "connecting"
	// StateConnected means the transport is live
	StateConnected ConnectionState = "connected"
	// StateReconnecting means the transport lost its connection and is retrying
	StateReconnecting ConnectionState = "reconnecting"
	// StateError means the last connection attempt failed terminally
	StateError ConnectionState = "error"
	// StateClosed means the transport was shut down deliberately
	StateClosed ConnectionState = "closed"
)

// Chunk is one logical unit of transport data, normalized across protocols.
// Sequence numbers are per-session, strictly increasing, and gap-free.
type Chunk struct {
	Data      string    `json:"data"`
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ByteSize  int       `json:"byte_size"`
}

// ConnectionStatus is a read-only snapshot recomputed on every state or
// counter change
type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	Protocol          config.Protocol `json:"protocol"`
	URL               string          `json:"url"`
	LastConnectedAt   time.Time       `json:"last_connected_at,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	BytesReceived     int64           `json:"bytes_received"`
	ChunksReceived    int64           `json:"chunks_received"`
	Latency           time.Duration   `json:"latency,omitempty"` // 0 = unmeasured
}

// Transport is the contract shared by all protocol implementations.
//
// Receive-only protocols return ErrSendUnsupported from Send rather than
// silently dropping data. Destroy releases all resources and completes every
// subscriber channel; the transport is unusable afterwards.
type Transport interface {
	// Connect establishes the connection and starts chunk delivery
	Connect(ctx context.Context) error
	// Disconnect closes the connection; reason is recorded for logs
	Disconnect(reason string)
	// Send transmits data to the producer where the protocol allows it
	Send(data []byte) error
	// Reconnect tears down and re-establishes the connection, preserving
	// resumption state where the protocol supports it
	Reconnect(ctx context.Context) error
	// Status returns the current status snapshot
	Status() ConnectionStatus
	// IsConnected reports whether the transport is live
	IsConnected() bool
	// Pause suspends chunk delivery without closing the connection
	Pause()
	// Resume reverses Pause
	Resume()
	// Destroy releases resources and closes all subscriber channels
	Destroy()
	// Protocol identifies the implementation
	Protocol() config.Protocol

	// SubscribeChunks delivers data chunks in sequence order
	SubscribeChunks() (<-chan Chunk, func())
	// SubscribeStates delivers connection-state changes, replaying the
	// current state to new subscribers
	SubscribeStates() (<-chan ConnectionState, func())
	// SubscribeStatus delivers status snapshots, replaying the latest to
	// new subscribers
	SubscribeStatus() (<-chan ConnectionStatus, func())
	// SubscribeErrors delivers transport-level errors
	SubscribeErrors() (<-chan error, func())
}

// Package config defines the streaming engine configuration surface:
// endpoint settings, reconnection policy, timeouts, and protocol selection.
// Configs load from YAML files with environment variable overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
)

// Protocol identifies a transport implementation
type Protocol string

const (
	// ProtocolHTTPStream streams newline-delimited JSON over a chunked response body
	ProtocolHTTPStream Protocol = "httpstream"
	// ProtocolSSE uses server-sent events with Last-Event-ID resumption
	ProtocolSSE Protocol = "sse"
	// ProtocolWebSocket is the full-duplex envelope transport
	ProtocolWebSocket Protocol = "websocket"
	// ProtocolNATS delivers chunks over a NATS subject
	ProtocolNATS Protocol = "nats"
	// ProtocolLongPoll is the degraded repeated-GET mode, always available
	ProtocolLongPoll Protocol = "longpoll"
	// ProtocolMock replays a configured chunk schedule (tests and simulation)
	ProtocolMock Protocol = "mock"
)

// Stream holds the configuration for one streaming endpoint.
type Stream struct {
	URL      string            `json:"url" yaml:"url"`
	Protocol Protocol          `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Request body for transports that send it with the initial request
	Body []byte `json:"-" yaml:"-"`

	AutoReconnect        bool          `json:"auto_reconnect" yaml:"auto_reconnect"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	ConnectionTimeout    time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	LastEventID          string        `json:"last_event_id,omitempty" yaml:"last_event_id,omitempty"`
	EnableCompression    bool          `json:"enable_compression" yaml:"enable_compression"`

	// Chunk buffer sizing between transport and orchestrator
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// NATS settings (natsbridge transport only)
	NATSSubject     string `json:"nats_subject,omitempty" yaml:"nats_subject,omitempty"`
	NATSSendSubject string `json:"nats_send_subject,omitempty" yaml:"nats_send_subject,omitempty"`

	// Long-poll settings (longpoll mode only)
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// Default returns a Stream config with production defaults applied
func Default() Stream {
	return Stream{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ConnectionTimeout:    30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		BufferSize:           1024,
		PollInterval:         2 * time.Second,
	}
}

// withDefaults fills zero-valued fields from Default
func (s Stream) withDefaults() Stream {
	def := Default()
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if s.ReconnectBaseDelay == 0 {
		s.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if s.ConnectionTimeout == 0 {
		s.ConnectionTimeout = def.ConnectionTimeout
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = def.HeartbeatInterval
	}
	if s.BufferSize == 0 {
		s.BufferSize = def.BufferSize
	}
	if s.PollInterval == 0 {
		s.PollInterval = def.PollInterval
	}
	return s
}

// Validate checks the configuration for internal consistency
func (s Stream) Validate() error {
	if s.Protocol != ProtocolMock && s.Protocol != ProtocolNATS {
		if s.URL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "check url")
		}
		if _, err := url.Parse(s.URL); err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("invalid url %q: %w", s.URL, err),
				"config", "Validate", "parse url")
		}
	}
	if s.Protocol == ProtocolNATS {
		if s.URL == "" {
			return errors.WrapInvalid(
				fmt.Errorf("nats transport requires a server url"),
				"config", "Validate", "check nats url")
		}
		if s.NATSSubject == "" {
			return errors.WrapInvalid(
				fmt.Errorf("nats transport requires a subject"),
				"config", "Validate", "check nats subject")
		}
	}
	if s.MaxReconnectAttempts < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("max_reconnect_attempts cannot be negative"),
			"config", "Validate", "check reconnect attempts")
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return errors.WrapInvalid(
			fmt.Errorf("reconnect_max_delay %v is below reconnect_base_delay %v",
				s.ReconnectMaxDelay, s.ReconnectBaseDelay),
			"config", "Validate", "check reconnect delays")
	}
	return nil
}

// Clone returns a deep copy of the configuration
func (s Stream) Clone() Stream {
	clone := s
	if s.Headers != nil {
		clone.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			clone.Headers[k] = v
		}
	}
	if s.Body != nil {
		clone.Body = append([]byte(nil), s.Body...)
	}
	return clone
}

// Load reads a Stream config from a YAML file, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (Stream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stream{}, errors.WrapFatal(err, "config", "Load", "read config file")
	}

	var s Stream
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Stream{}, errors.WrapInvalid(err, "config", "Load", "parse yaml")
	}

	s = applyEnvOverrides(s).withDefaults()
	if err := s.Validate(); err != nil {
		return Stream{}, err
	}
	return s, nil
}

// FromEnv builds a Stream config from environment variables alone
func FromEnv() (Stream, error) {
	s := applyEnvOverrides(Default())
	if err := s.Validate(); err != nil {
		return Stream{}, err
	}
	return s, nil
}

// applyEnvOverrides layers CARDSTREAM_* environment variables over s
func applyEnvOverrides(s Stream) Stream {
	if v := os.Getenv("CARDSTREAM_URL"); v != "" {
		s.URL = v
	}
	if v := os.Getenv("CARDSTREAM_PROTOCOL"); v != "" {
		s.Protocol = Protocol(v)
	}
	if v := os.Getenv("CARDSTREAM_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("CARDSTREAM_CONNECTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.ConnectionTimeout = d
		}
	}
	if v := os.Getenv("CARDSTREAM_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("CARDSTREAM_NATS_SUBJECT"); v != "" {
		s.NATSSubject = v
	}
	return s
}

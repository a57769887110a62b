package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// streamYAML mirrors Stream with string durations so config files can write
// "30s" instead of nanosecond integers.
type streamYAML struct {
	URL                  string            `yaml:"url"`
	Protocol             Protocol          `yaml:"protocol"`
	Headers              map[string]string `yaml:"headers"`
	AutoReconnect        *bool             `yaml:"auto_reconnect"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   string            `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    string            `yaml:"reconnect_max_delay"`
	ConnectionTimeout    string            `yaml:"connection_timeout"`
	HeartbeatInterval    string            `yaml:"heartbeat_interval"`
	LastEventID          string            `yaml:"last_event_id"`
	EnableCompression    bool              `yaml:"enable_compression"`
	BufferSize           int               `yaml:"buffer_size"`
	NATSSubject          string            `yaml:"nats_subject"`
	NATSSendSubject      string            `yaml:"nats_send_subject"`
	PollInterval         string            `yaml:"poll_interval"`
}

// UnmarshalYAML implements yaml.Unmarshaler for Stream
func (s *Stream) UnmarshalYAML(node *yaml.Node) error {
	var raw streamYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}

	s.URL = raw.URL
	s.Protocol = raw.Protocol
	s.Headers = raw.Headers
	s.MaxReconnectAttempts = raw.MaxReconnectAttempts
	s.LastEventID = raw.LastEventID
	s.EnableCompression = raw.EnableCompression
	s.BufferSize = raw.BufferSize
	s.NATSSubject = raw.NATSSubject
	s.NATSSendSubject = raw.NATSSendSubject

	// auto_reconnect defaults to true when omitted
	s.AutoReconnect = raw.AutoReconnect == nil || *raw.AutoReconnect

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_base_delay", raw.ReconnectBaseDelay, &s.ReconnectBaseDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &s.ReconnectMaxDelay},
		{"connection_timeout", raw.ConnectionTimeout, &s.ConnectionTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &s.HeartbeatInterval},
		{"poll_interval", raw.PollInterval, &s.PollInterval},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("config: invalid duration for %s: %w", f.name, err)
		}
		*f.dst = d
	}

	return nil
}

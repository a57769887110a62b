package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	def := Default()
	assert.True(t, def.AutoReconnect)
	assert.Equal(t, 5, def.MaxReconnectAttempts)
	assert.Equal(t, time.Second, def.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, def.ReconnectMaxDelay)
	assert.Equal(t, 1024, def.BufferSize)
}

func TestLoad_DurationsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
url: https://cards.example.com/stream
protocol: sse
reconnect_base_delay: 500ms
connection_timeout: 10s
headers:
  Authorization: Bearer token
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cards.example.com/stream", cfg.URL)
	assert.Equal(t, ProtocolSSE, cfg.Protocol)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, "Bearer token", cfg.Headers["Authorization"])

	// Unset fields pick up defaults
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 1024, cfg.BufferSize)
}

func TestLoad_AutoReconnectDefaultsTrue(t *testing.T) {
	cfg, err := Load(writeConfig(t, "url: https://cards.example.com/stream\n"))
	require.NoError(t, err)
	assert.True(t, cfg.AutoReconnect)

	cfg, err = Load(writeConfig(t, "url: https://cards.example.com/stream\nauto_reconnect: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.AutoReconnect)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "url: https://x.example.com\nconnection_timeout: soon\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_RequiresURL(t *testing.T) {
	cfg := Default()
	cfg.Protocol = ProtocolSSE
	assert.Error(t, cfg.Validate())

	cfg.URL = "https://cards.example.com/stream"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MockNeedsNoURL(t *testing.T) {
	cfg := Default()
	cfg.Protocol = ProtocolMock
	assert.NoError(t, cfg.Validate())
}

func TestValidate_NATS(t *testing.T) {
	cfg := Default()
	cfg.Protocol = ProtocolNATS
	assert.Error(t, cfg.Validate(), "nats requires server url")

	cfg.URL = "nats://localhost:4222"
	assert.Error(t, cfg.Validate(), "nats requires subject")

	cfg.NATSSubject = "cards.stream"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ReconnectDelays(t *testing.T) {
	cfg := Default()
	cfg.URL = "https://cards.example.com/stream"
	cfg.ReconnectBaseDelay = 10 * time.Second
	cfg.ReconnectMaxDelay = time.Second
	assert.Error(t, cfg.Validate())

	cfg.MaxReconnectAttempts = -1
	cfg.ReconnectMaxDelay = 20 * time.Second
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CARDSTREAM_URL", "https://env.example.com/stream")
	t.Setenv("CARDSTREAM_PROTOCOL", "websocket")
	t.Setenv("CARDSTREAM_MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("CARDSTREAM_CONNECTION_TIMEOUT", "7s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com/stream", cfg.URL)
	assert.Equal(t, ProtocolWebSocket, cfg.Protocol)
	assert.Equal(t, 9, cfg.MaxReconnectAttempts)
	assert.Equal(t, 7*time.Second, cfg.ConnectionTimeout)
}

func TestClone_IsolatesMaps(t *testing.T) {
	cfg := Default()
	cfg.Headers = map[string]string{"X-Token": "a"}
	cfg.Body = []byte(`{"q":1}`)

	clone := cfg.Clone()
	clone.Headers["X-Token"] = "b"
	clone.Body[0] = 'x'

	assert.Equal(t, "a", cfg.Headers["X-Token"])
	assert.Equal(t, byte('{'), cfg.Body[0])
}

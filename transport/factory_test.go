package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport/mock"
)

// flakyProtocol always fails to connect; registered once for fallback tests
const flakyProtocol = config.Protocol("flaky")

func init() {
	transport.Register(flakyProtocol, func(cfg config.Stream, opts transport.Options) (transport.Transport, error) {
		return mock.NewWithScript(cfg, opts, mock.Script{FailConnect: 1 << 30, FailAfter: -1}), nil
	})
}

func mockConfig() config.Stream {
	cfg := config.Default()
	cfg.Protocol = config.ProtocolMock
	return cfg
}

func TestFactory_SupportedReflectsRegistration(t *testing.T) {
	f := transport.NewFactory(transport.Options{})

	assert.True(t, f.Supported(config.ProtocolMock))
	assert.False(t, f.Supported(config.Protocol("nonexistent")))
}

func TestFactory_New(t *testing.T) {
	f := transport.NewFactory(transport.Options{})

	tr, err := f.New(mockConfig())
	require.NoError(t, err)
	defer tr.Destroy()

	assert.Equal(t, config.ProtocolMock, tr.Protocol())
	assert.False(t, tr.IsConnected(), "New constructs without connecting")
}

func TestFactory_NewUnsupportedProtocol(t *testing.T) {
	f := transport.NewFactory(transport.Options{})
	cfg := config.Default()
	cfg.Protocol = config.Protocol("nonexistent")

	_, err := f.New(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolUnsupported, errors.KindOf(err))
	assert.ErrorIs(t, err, errors.ErrProtocolUnsupported)
}

func TestFactory_CreateWithFallback_SkipsFailingProtocol(t *testing.T) {
	f := transport.NewFactory(transport.Options{})

	tr, err := f.CreateWithFallback(context.Background(), mockConfig(),
		flakyProtocol, config.ProtocolMock)
	require.NoError(t, err)
	defer tr.Destroy()

	assert.Equal(t, config.ProtocolMock, tr.Protocol())
}

func TestFactory_CreateWithFallback_Exhaustion(t *testing.T) {
	f := transport.NewFactory(transport.Options{})

	_, err := f.CreateWithFallback(context.Background(), mockConfig(),
		flakyProtocol, config.Protocol("nonexistent"))
	require.Error(t, err)
	assert.Equal(t, errors.KindConnectionFailed, errors.KindOf(err))
	assert.Contains(t, err.Error(), "all protocols exhausted")
	assert.Contains(t, err.Error(), "flaky")
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestFactory_CreateWithFallback_CancelledContextStops(t *testing.T) {
	f := transport.NewFactory(transport.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.CreateWithFallback(ctx, mockConfig(), flakyProtocol, config.ProtocolMock)
	assert.Error(t, err, "cancelled context must not fall through to later candidates")
}

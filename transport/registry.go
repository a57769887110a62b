package transport

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/metric"
)

// Options carries the shared dependencies handed to every transport
// constructor. Protocol-specific dependencies (dialers, NATS connections)
// are configured inside the implementation packages.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metric.MetricsRegistry
	HTTPClient *http.Client
}

// Constructor builds a transport for one protocol
type Constructor func(cfg config.Stream, opts Options) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[config.Protocol]Constructor)
)

// Register makes a protocol implementation available to the factory.
// Implementation packages call this from init(); importing a package for
// side effects enables its protocol.
func Register(protocol config.Protocol, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[protocol] = c
}

// Registered reports whether a constructor exists for the protocol
func Registered(protocol config.Protocol) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[protocol]
	return ok
}

// constructor looks up the registered constructor for a protocol
func constructor(protocol config.Protocol) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[protocol]
	return c, ok
}

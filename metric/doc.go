// Package metric provides Prometheus metrics registration for the streaming
// engine. Each engine instance owns a MetricsRegistry wrapping a private
// prometheus.Registry; transports, the parser pipeline, worker pools, and
// buffers register their collectors under "component.metric" keys. Server
// optionally exposes the registry over HTTP for scraping.
package metric

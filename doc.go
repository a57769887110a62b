// Package cardstream is a streaming ingestion engine for progressively
// generated card documents: a title plus an ordered list of sections
// delivered incrementally over a network transport, rendered as partial
// results while bytes are still arriving.
//
// # Architecture
//
// Data flows one direction for ingestion and one for control:
//
//	┌─────────────────────────────────────┐
//	│           Orchestrator              │  start, stop, pause,
//	│   (single serialized event loop)    │  resume, updates
//	└─────────────────────────────────────┘
//	        ↑ chunks        ↓ connect/disconnect
//	┌─────────────────────────────────────┐
//	│           Transports                │  sse, httpstream,
//	│  (factory-selected, auto-fallback)  │  websocket, nats, mock
//	└─────────────────────────────────────┘
//
// Inside the orchestrator each chunk updates the session state machine,
// feeds the incremental parser, and advances the progress tracker before a
// card update is emitted to subscribers.
//
// The packages compose bottom-up:
//
//   - errors: classified error taxonomy shared by every component
//   - pkg/retry, pkg/buffer, pkg/worker: backoff, bounded queues, pools
//   - transport: the protocol-agnostic contract, factory, and five
//     implementations
//   - parser: extracts complete sections from an incomplete JSON buffer
//   - progress: throughput, ETA, and stage derivation from raw counters
//   - offload: CPU-bound parse/diff/validate on a worker pool with an
//     identical synchronous fallback
//   - session: the authoritative per-attempt lifecycle state machine
//   - orchestrator: composes everything into one streaming API
//
// # Concurrency model
//
// Session state, the parse buffer, and progress counters have exactly one
// writer: the orchestrator's event loop. Everything published to
// subscribers is a copied snapshot, so readers never observe in-progress
// mutation. Transports run their own read loops and communicate only
// through their emitters.
package cardstream

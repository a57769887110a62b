// Package errors defines the error taxonomy used throughout the streaming
// engine.
//
// Errors carry two orthogonal dimensions:
//
//   - ErrorClass (transient, invalid, fatal) drives retry decisions.
//   - Kind (connection_failed, connection_lost, parse, aborted, ...) lets
//     consumers distinguish failure modes: a session that exhausted its
//     reconnect budget reports max_retries_exceeded, while one that never
//     connected reports connection_failed.
//
// Use the Wrap* helpers to attach component context in the standard
// "component.method: action failed" form:
//
//	if err := conn.ReadMessage(); err != nil {
//		return errors.WrapTransient(err, "websocket", "readLoop", "read frame")
//	}
//
// Parse errors are always recoverable: partial card data is surfaced rather
// than aborting the session. Aborted and invalid-state errors are never
// retried.
package errors

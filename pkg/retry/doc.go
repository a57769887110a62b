// Package retry implements the reconnection backoff policy shared by all
// transports: delay = min(initial * multiplier^(attempt-1), max), jittered
// symmetrically by a configurable fraction (±10% by default), bounded by a
// maximum attempt count. Exceeding the bound is terminal; callers surface it
// as a max_retries_exceeded error rather than retrying further.
package retry

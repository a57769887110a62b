// Package progress derives normalized progress, throughput, and ETA for one
// streaming session from raw byte and section counters. All values are
// derived, never authoritative: the tracker recomputes them from counters on
// each update and hands out copied snapshots.
package progress

import (
	"sync"
	"time"
)

// Stage describes the coarse phase of a streaming session. Stages only move
// forward; they never regress except on explicit Reset.
type Stage int

const (
	// StageConnecting covers transport setup before any data arrives
	StageConnecting Stage = iota
	// StageThinking covers the window between connection and the first chunk
	StageThinking
	// StageStreaming covers active data arrival
	StageStreaming
	// StageFinalizing covers the last-parse window after the stream ends
	StageFinalizing
	// StageComplete is terminal
	StageComplete
)

// String returns the stage name
func (s Stage) String() string {
	switch s {
	case StageConnecting:
		return "connecting"
	case StageThinking:
		return "thinking"
	case StageStreaming:
		return "streaming"
	case StageFinalizing:
		return "finalizing"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// heuristicCap reserves the final portion of the progress range for the
// finalize step when no byte or section total is known.
const heuristicCap = 0.95

// throughputWindow is the rolling sample window for rate estimation
const throughputWindow = 5 * time.Second

// SectionProgress reports one completed section
type SectionProgress struct {
	Index       int       `json:"index"`
	Title       string    `json:"title,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Snapshot is the derived progress state returned to consumers
type Snapshot struct {
	Progress               float64           `json:"progress"` // 0..1
	BytesReceived          int64             `json:"bytes_received"`
	BytesTotal             int64             `json:"bytes_total,omitempty"` // 0 = unknown
	ChunksReceived         int64             `json:"chunks_received"`
	SectionsComplete       int               `json:"sections_complete"`
	SectionsTotal          int               `json:"sections_total,omitempty"` // 0 = unknown
	BytesPerSecond         float64           `json:"bytes_per_second"`
	EstimatedTimeRemaining time.Duration     `json:"estimated_time_remaining,omitempty"` // 0 = unknown
	Elapsed                time.Duration     `json:"elapsed"`
	TimeToFirstChunk       time.Duration     `json:"time_to_first_chunk,omitempty"`
	IsActive               bool              `json:"is_active"`
	Stage                  string            `json:"stage"`
	SectionProgress        []SectionProgress `json:"section_progress,omitempty"`
	HasError               bool              `json:"has_error,omitempty"`
}

type sample struct {
	at    time.Time
	bytes int64
}

// Tracker accumulates counters for one session. Safe for concurrent reads of
// snapshots; writes arrive from the orchestrator's serialized pipeline.
type Tracker struct {
	mu sync.Mutex

	startTime  time.Time
	firstChunk time.Time

	bytesReceived  int64
	bytesTotal     int64
	chunksReceived int64

	sectionsComplete int
	sectionsTotal    int
	sections         []SectionProgress

	samples []sample

	stage        Stage
	active       bool
	hasError     bool
	lastProgress float64

	now func() time.Time // injectable clock for tests
}

// NewTracker creates an idle tracker
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Start marks the session active and stamps the start time
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = t.now()
	t.active = true
	t.stage = StageConnecting
	t.samples = t.samples[:0]
	t.samples = append(t.samples, sample{at: t.startTime, bytes: 0})
}

// SetTotals records expected totals when the producer announces them.
// Zero means unknown.
func (t *Tracker) SetTotals(bytesTotal int64, sectionsTotal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bytesTotal > 0 {
		t.bytesTotal = bytesTotal
	}
	if sectionsTotal > 0 {
		t.sectionsTotal = sectionsTotal
	}
}

// RecordChunk accounts one received chunk of the given size
func (t *Tracker) RecordChunk(byteSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.firstChunk.IsZero() {
		t.firstChunk = now
	}
	t.chunksReceived++
	t.bytesReceived += int64(byteSize)

	t.samples = append(t.samples, sample{at: now, bytes: t.bytesReceived})
	t.pruneSamples(now)

	t.advanceTo(StageStreaming)
}

// SectionCompleted records that the section at index finished parsing
func (t *Tracker) SectionCompleted(index int, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sectionsComplete++
	t.sections = append(t.sections, SectionProgress{
		Index:       index,
		Title:       title,
		CompletedAt: t.now(),
	})
}

// MarkConnected advances the stage once the transport is up
func (t *Tracker) MarkConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceTo(StageThinking)
}

// MarkFinalizing advances the stage when the stream ended and the final
// parse is running
func (t *Tracker) MarkFinalizing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceTo(StageFinalizing)
}

// MarkComplete seals the tracker
func (t *Tracker) MarkComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceTo(StageComplete)
	t.active = false
	t.lastProgress = 1
}

// MarkError flags the session as failed without resetting counters
func (t *Tracker) MarkError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasError = true
	t.active = false
}

// Reset returns the tracker to idle; the only path on which progress may
// go backwards.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = time.Time{}
	t.firstChunk = time.Time{}
	t.bytesReceived = 0
	t.bytesTotal = 0
	t.chunksReceived = 0
	t.sectionsComplete = 0
	t.sectionsTotal = 0
	t.sections = nil
	t.samples = nil
	t.stage = StageConnecting
	t.active = false
	t.hasError = false
	t.lastProgress = 0
}

// advanceTo moves the stage forward only; callers hold the lock
func (t *Tracker) advanceTo(s Stage) {
	if s > t.stage {
		t.stage = s
	}
}

// pruneSamples drops samples older than the rolling window, keeping at
// least one so a rate can always be computed against the newest.
func (t *Tracker) pruneSamples(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(t.samples)-1 && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// Snapshot derives the current progress view. The returned value is a copy;
// callers may retain it freely.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	var elapsed time.Duration
	if !t.startTime.IsZero() {
		elapsed = now.Sub(t.startTime)
	}
	var ttfc time.Duration
	if !t.firstChunk.IsZero() {
		ttfc = t.firstChunk.Sub(t.startTime)
	}

	rate := t.throughput()
	prog := t.progressValue()

	var eta time.Duration
	if t.bytesTotal > 0 && rate > 0 && t.bytesReceived < t.bytesTotal {
		remaining := float64(t.bytesTotal - t.bytesReceived)
		eta = time.Duration(remaining / rate * float64(time.Second))
	}

	sections := make([]SectionProgress, len(t.sections))
	copy(sections, t.sections)

	return Snapshot{
		Progress:               prog,
		BytesReceived:          t.bytesReceived,
		BytesTotal:             t.bytesTotal,
		ChunksReceived:         t.chunksReceived,
		SectionsComplete:       t.sectionsComplete,
		SectionsTotal:          t.sectionsTotal,
		BytesPerSecond:         rate,
		EstimatedTimeRemaining: eta,
		Elapsed:                elapsed,
		TimeToFirstChunk:       ttfc,
		IsActive:               t.active,
		Stage:                  t.stage.String(),
		SectionProgress:        sections,
		HasError:               t.hasError,
	}
}

// throughput computes bytes/second between the oldest and newest retained
// samples; callers hold the lock.
func (t *Tracker) throughput() float64 {
	if len(t.samples) < 2 {
		return 0
	}
	oldest := t.samples[0]
	newest := t.samples[len(t.samples)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(newest.bytes-oldest.bytes) / dt
}

// progressValue applies the precedence byte-ratio, then section-ratio, then
// a bounded heuristic. While the session is active the value never
// decreases; callers hold the lock.
func (t *Tracker) progressValue() float64 {
	if t.stage == StageComplete {
		return 1
	}

	var p float64
	switch {
	case t.bytesTotal > 0:
		p = float64(t.bytesReceived) / float64(t.bytesTotal)
		if p > 1 {
			p = 1
		}
	case t.sectionsTotal > 0:
		p = float64(t.sectionsComplete) / float64(t.sectionsTotal)
		if p > 1 {
			p = 1
		}
	default:
		// Bounded heuristic: approach the cap as bytes accumulate,
		// reserving the final slice for the finalize step.
		const halfwayBytes = 8 * 1024
		b := float64(t.bytesReceived)
		p = heuristicCap * b / (b + halfwayBytes)
	}

	if t.active && p < t.lastProgress {
		p = t.lastProgress
	}
	if p > t.lastProgress {
		t.lastProgress = p
	}
	return p
}

// Package parser extracts complete card structures from an append-only text
// buffer that is still being received. It targets the known card schema
// (title plus a sections array) rather than implementing a generic
// incremental JSON grammar: complete section objects are recognized with a
// brace-depth scan and parsed independently, so a card renders progressively
// while the document is still arriving.
package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Inutilepat83/OSI-Cards-sub006/card"
)

// State describes the parser's view of the buffer after a feed
type State string

const (
	// StateIdle means no data has been fed yet
	StateIdle State = "idle"
	// StateParsing means data arrived but nothing usable was extracted yet
	StateParsing State = "parsing"
	// StatePartial means a partial card (title and/or some sections) is available
	StatePartial State = "partial"
	// StateComplete means the whole buffer parsed as a valid card
	StateComplete State = "complete"
	// StateError means the buffer yielded errors and no usable content
	StateError State = "error"
)

// ParseError records a recoverable structural problem at a buffer offset
type ParseError struct {
	Offset  int    `json:"offset"`
	Message string `json:"message"`
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Message)
}

// Result is an immutable snapshot returned from every Feed and Finalize call
type Result struct {
	State                  State
	Card                   *card.Card
	CompleteSections       int
	NewlyCompletedSections []int
	BytesParsed            int
	TitleComplete          bool
	Errors                 []ParseError
}

// sectionState is the per-index bookkeeping used to compute newly-completed
// deltas between feeds; it never leaves the parser.
type sectionState struct {
	index    int
	complete bool
	reported bool
	section  card.Section
}

// Parser accumulates fragments of one streaming document. Not safe for
// concurrent use; the orchestrator serializes all feeds for a session.
type Parser struct {
	buf []byte

	title      string
	titleDone  bool
	subtitle   string
	cardType   string
	cardID     string
	headerDone bool

	sections map[int]*sectionState
	ordered  []int // indices of complete sections, ascending

	// Scan cursor into the sections array. Bytes before scanFrom hold only
	// confirmed-complete sections and are never rescanned.
	secStart       int // offset of the sections array '[', -1 until located
	scanFrom       int
	nextIndex      int
	sectionsClosed bool

	state State
	errs  []ParseError
}

// New creates a parser for one streaming session
func New() *Parser {
	return &Parser{
		secStart: -1,
		sections: make(map[int]*sectionState),
		state:    StateIdle,
	}
}

// Reset returns the parser to its initial state for session restart
func (p *Parser) Reset() {
	*p = Parser{
		secStart: -1,
		sections: make(map[int]*sectionState),
		state:    StateIdle,
	}
}

// Buffered returns the number of bytes accumulated so far
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Feed appends fragment to the buffer and returns a fresh result snapshot.
// Complete sections discovered for the first time are listed in
// NewlyCompletedSections; an index is never reported twice.
func (p *Parser) Feed(fragment string) Result {
	if fragment != "" {
		p.buf = append(p.buf, fragment...)
	}
	return p.parse(false)
}

// Finalize attempts one last full-buffer parse and returns the final result.
// When the buffer never becomes well-formed the most recent partial content
// is returned rather than an error: partial card data is more useful to a
// consumer than nothing.
func (p *Parser) Finalize() Result {
	return p.parse(true)
}

func (p *Parser) parse(final bool) Result {
	if len(p.buf) == 0 {
		return p.result(StateIdle, nil)
	}

	// Fast path: the whole buffer is already a valid card. This is the
	// common case for transports that deliver one final well-formed payload.
	var full card.Card
	if err := json.Unmarshal(p.buf, &full); err == nil {
		return p.completeResult(&full)
	}

	p.extractTitle()
	p.extractHeader()
	p.scanSections()

	newly := p.collectNewlyCompleted()

	c := p.snapshotCard()
	switch {
	case p.titleDone || len(p.ordered) > 0:
		return p.result(StatePartial, newlyOrEmpty(newly), withCard(c))
	case len(p.errs) > 0 && final:
		return p.result(StateError, newlyOrEmpty(newly), withCard(c))
	default:
		return p.result(StateParsing, newlyOrEmpty(newly), withCard(c))
	}
}

// resultOption tweaks a result under construction
type resultOption func(*Result)

func withCard(c *card.Card) resultOption {
	return func(r *Result) { r.Card = c }
}

func newlyOrEmpty(newly []int) []int {
	if newly == nil {
		return []int{}
	}
	return newly
}

func (p *Parser) result(state State, newly []int, opts ...resultOption) Result {
	p.state = state
	r := Result{
		State:                  state,
		CompleteSections:       len(p.ordered),
		NewlyCompletedSections: newly,
		BytesParsed:            len(p.buf),
		TitleComplete:          p.titleDone,
		Errors:                 append([]ParseError(nil), p.errs...),
	}
	if newly == nil {
		r.NewlyCompletedSections = []int{}
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// completeResult handles the full-parse fast path: every section in the
// document is complete, and any not yet reported becomes part of the delta.
func (p *Parser) completeResult(full *card.Card) Result {
	for i := range full.Sections {
		if full.Sections[i].ID == "" {
			full.Sections[i].ID = card.SectionKey(i)
		}
		ss, ok := p.sections[i]
		if !ok {
			ss = &sectionState{index: i}
			p.sections[i] = ss
		}
		if !ss.complete {
			ss.complete = true
			ss.section = full.Sections[i]
			p.ordered = append(p.ordered, i)
			sort.Ints(p.ordered)
		}
	}
	p.title = full.Title
	p.titleDone = full.Title != ""

	newly := p.collectNewlyCompleted()
	p.state = StateComplete
	return Result{
		State:                  StateComplete,
		Card:                   full.Clone(),
		CompleteSections:       len(full.Sections),
		NewlyCompletedSections: newlyOrEmpty(newly),
		BytesParsed:            len(p.buf),
		TitleComplete:          p.titleDone,
		Errors:                 append([]ParseError(nil), p.errs...),
	}
}

// collectNewlyCompleted returns complete-but-unreported indices and marks
// them reported.
func (p *Parser) collectNewlyCompleted() []int {
	var newly []int
	for _, idx := range p.ordered {
		ss := p.sections[idx]
		if ss.complete && !ss.reported {
			ss.reported = true
			newly = append(newly, idx)
		}
	}
	return newly
}

// snapshotCard builds a fresh partial card from whatever is complete so far
func (p *Parser) snapshotCard() *card.Card {
	if !p.titleDone && len(p.ordered) == 0 {
		return nil
	}

	c := &card.Card{
		ID:       p.cardID,
		Title:    p.title,
		Subtitle: p.subtitle,
		Type:     p.cardType,
		Sections: make([]card.Section, 0, len(p.ordered)),
	}
	for _, idx := range p.ordered {
		c.Sections = append(c.Sections, p.sections[idx].section)
	}
	return c
}

// extractTitle performs a bounded match for the title key and its complete
// string value. It runs until the title is found once.
func (p *Parser) extractTitle() {
	if p.titleDone {
		return
	}
	if v, ok := extractStringValue(p.buf, `"cardTitle"`); ok {
		p.title = v
		p.titleDone = true
	}
}

// extractHeader opportunistically pulls the remaining scalar header fields
func (p *Parser) extractHeader() {
	if p.headerDone {
		return
	}
	found := 0
	if v, ok := extractStringValue(p.buf, `"cardSubtitle"`); ok {
		p.subtitle = v
		found++
	}
	if v, ok := extractStringValue(p.buf, `"cardType"`); ok {
		p.cardType = v
		found++
	}
	if v, ok := extractStringValue(p.buf, `"id"`); ok && p.secStart < 0 {
		// Only trust a top-level id before the sections array opens;
		// section objects carry their own id keys.
		p.cardID = v
		found++
	}
	if found == 3 {
		p.headerDone = true
	}
}

// extractStringValue finds `key` followed by a colon and a complete JSON
// string, and returns the decoded value. The match is bounded: it takes the
// first occurrence only and gives up when the closing quote has not arrived.
func extractStringValue(buf []byte, key string) (string, bool) {
	idx := strings.Index(string(buf), key)
	if idx < 0 {
		return "", false
	}
	i := idx + len(key)

	// Skip whitespace and the colon
	for i < len(buf) && (buf[i] == ' ' || buf[i] == '\t' || buf[i] == '\n' || buf[i] == '\r') {
		i++
	}
	if i >= len(buf) || buf[i] != ':' {
		return "", false
	}
	i++
	for i < len(buf) && (buf[i] == ' ' || buf[i] == '\t' || buf[i] == '\n' || buf[i] == '\r') {
		i++
	}
	if i >= len(buf) || buf[i] != '"' {
		return "", false
	}

	start := i
	i++
	escaped := false
	for i < len(buf) {
		b := buf[i]
		if escaped {
			escaped = false
		} else if b == '\\' {
			escaped = true
		} else if b == '"' {
			var s string
			if err := json.Unmarshal(buf[start:i+1], &s); err != nil {
				return "", false
			}
			return s, true
		}
		i++
	}
	return "", false // closing quote not received yet
}

// scanSections locates the sections array and advances the scan cursor over
// any newly complete section objects. Embedded braces and quotes inside
// string values never corrupt depth tracking: the scanner carries an
// in-string flag with backslash-escape awareness.
func (p *Parser) scanSections() {
	if p.sectionsClosed {
		return
	}

	if p.secStart < 0 {
		keyIdx := strings.Index(string(p.buf), `"sections"`)
		if keyIdx < 0 {
			return
		}
		bracket := indexFrom(p.buf, keyIdx+len(`"sections"`), '[')
		if bracket < 0 {
			return
		}
		p.secStart = bracket
		p.scanFrom = bracket + 1
	}

	i := p.scanFrom
	for i < len(p.buf) {
		// Skip separators between array elements
		for i < len(p.buf) {
			b := p.buf[i]
			if b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == ',' {
				i++
				continue
			}
			break
		}
		if i >= len(p.buf) {
			break
		}

		if p.buf[i] == ']' {
			p.sectionsClosed = true
			p.scanFrom = i + 1
			return
		}

		if p.buf[i] != '{' {
			// Not an object where one was expected: advance past the junk
			// instead of aborting the whole parse.
			p.errs = append(p.errs, ParseError{
				Offset:  i,
				Message: fmt.Sprintf("expected object in sections array, found %q", p.buf[i]),
			})
			i++
			p.scanFrom = i
			continue
		}

		end, ok := scanObject(p.buf, i)
		if !ok {
			// Object still incomplete; keep the cursor at its start so the
			// next feed rescans only this trailing span.
			p.scanFrom = i
			return
		}

		span := p.buf[i : end+1]
		idx := p.nextIndex

		var sec card.Section
		if err := json.Unmarshal(span, &sec); err != nil {
			// Malformed fragment: skip it, pointer advances past it
			p.errs = append(p.errs, ParseError{
				Offset:  i,
				Message: fmt.Sprintf("skipping malformed section %d: %v", idx, err),
			})
			p.nextIndex++
			i = end + 1
			p.scanFrom = i
			continue
		}

		if sec.ID == "" {
			sec.ID = card.SectionKey(idx)
		}
		p.sections[idx] = &sectionState{index: idx, complete: true, section: sec}
		p.ordered = append(p.ordered, idx)
		p.nextIndex++
		i = end + 1
		p.scanFrom = i
	}
	p.scanFrom = i
}

// scanObject scans a JSON object starting at buf[start] ('{') and returns
// the offset of its matching closing brace. ok is false while the object is
// still incomplete.
func scanObject(buf []byte, start int) (end int, ok bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(buf); i++ {
		b := buf[i]

		if inString {
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// indexFrom returns the offset of the first occurrence of c at or after from
func indexFrom(buf []byte, from int, c byte) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == c {
			return i
		}
	}
	return -1
}

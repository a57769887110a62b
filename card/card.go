// Package card defines the structured document model delivered by the
// streaming engine: a titled card containing an ordered list of sections,
// each holding fields and free-form items.
package card

import (
	"encoding/json"
	"fmt"
)

// Card is the target document being streamed. The JSON tags match the wire
// schema produced by the card generator.
type Card struct {
	ID       string         `json:"id,omitempty" yaml:"id,omitempty"`
	Title    string         `json:"cardTitle" yaml:"cardTitle"`
	Subtitle string         `json:"cardSubtitle,omitempty" yaml:"cardSubtitle,omitempty"`
	Type     string         `json:"cardType,omitempty" yaml:"cardType,omitempty"`
	Sections []Section      `json:"sections" yaml:"sections"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Section is one ordered block of the card
type Section struct {
	ID       string         `json:"id,omitempty" yaml:"id,omitempty"`
	Title    string         `json:"title" yaml:"title"`
	Type     string         `json:"type,omitempty" yaml:"type,omitempty"`
	Fields   []Field        `json:"fields,omitempty" yaml:"fields,omitempty"`
	Items    []Item         `json:"items,omitempty" yaml:"items,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Field is a labeled value within a section
type Field struct {
	Label string `json:"label" yaml:"label"`
	Value any    `json:"value" yaml:"value"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Item is a free-form entry within a section
type Item map[string]any

// SectionKey derives a stable identifier for a section that arrived without
// one, from its position in the sections list.
func SectionKey(index int) string {
	return fmt.Sprintf("section-%d", index)
}

// Clone returns a deep copy of the card. Snapshots handed to subscribers are
// always cloned so readers never observe in-progress mutation.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(c)
	if err != nil {
		// Marshal of a Card cannot realistically fail; fall back to a
		// shallow copy rather than returning nil
		copied := *c
		return &copied
	}

	var clone Card
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// SectionCount returns the number of sections, tolerating a nil receiver
func (c *Card) SectionCount() int {
	if c == nil {
		return 0
	}
	return len(c.Sections)
}

// Equal reports deep equality via canonical JSON. Used by diff logic and
// tests; not performance-sensitive.
func (c *Card) Equal(other *Card) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, err1 := json.Marshal(c)
	b, err2 := json.Marshal(other)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}

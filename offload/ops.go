package offload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Inutilepat83/OSI-Cards-sub006/card"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/parser"
)

// OpType identifies one offloadable operation
type OpType string

const (
	OpParseJSON       OpType = "parse_json"
	OpDiffSections    OpType = "diff_sections"
	OpValidateCard    OpType = "validate_card"
	OpExtractSections OpType = "extract_sections"
)

// SectionChangeKind classifies one entry of a section diff
type SectionChangeKind string

const (
	SectionAdded    SectionChangeKind = "added"
	SectionModified SectionChangeKind = "modified"
	SectionRemoved  SectionChangeKind = "removed"
)

// SectionChange is one entry of a section diff
type SectionChange struct {
	Index int               `json:"index"`
	Kind  SectionChangeKind `json:"kind"`
}

// The operations below are pure functions: both the worker-pool path and
// the synchronous fallback call the same implementations, so results are
// identical regardless of where they run.

// ParseJSON parses a complete card document
func ParseJSON(doc string) (*card.Card, error) {
	var c card.Card
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, errors.WrapInvalid(err, "offload", "ParseJSON", "unmarshal document")
	}
	return &c, nil
}

// DiffSections compares two card snapshots by section index
func DiffSections(prev, next *card.Card) []SectionChange {
	var changes []SectionChange

	prevLen, nextLen := 0, 0
	if prev != nil {
		prevLen = len(prev.Sections)
	}
	if next != nil {
		nextLen = len(next.Sections)
	}

	for i := 0; i < nextLen; i++ {
		if i >= prevLen {
			changes = append(changes, SectionChange{Index: i, Kind: SectionAdded})
			continue
		}
		if !sectionEqual(prev.Sections[i], next.Sections[i]) {
			changes = append(changes, SectionChange{Index: i, Kind: SectionModified})
		}
	}
	for i := nextLen; i < prevLen; i++ {
		changes = append(changes, SectionChange{Index: i, Kind: SectionRemoved})
	}
	return changes
}

func sectionEqual(a, b card.Section) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// ValidateCard checks a card for structural problems. An empty slice
// means the card is well-formed.
func ValidateCard(c *card.Card) []string {
	if c == nil {
		return []string{"card is nil"}
	}

	var issues []string
	if strings.TrimSpace(c.Title) == "" {
		issues = append(issues, "missing card title")
	}
	for i, s := range c.Sections {
		if strings.TrimSpace(s.Title) == "" {
			issues = append(issues, fmt.Sprintf("section %d: missing title", i))
		}
		if len(s.Fields) == 0 && len(s.Items) == 0 {
			issues = append(issues, fmt.Sprintf("section %d: no fields or items", i))
		}
		for j, f := range s.Fields {
			if strings.TrimSpace(f.Label) == "" {
				issues = append(issues, fmt.Sprintf("section %d field %d: missing label", i, j))
			}
		}
	}
	return issues
}

// ExtractSections pulls every complete section out of a possibly partial
// document using the incremental parser.
func ExtractSections(doc string) []card.Section {
	p := parser.New()
	res := p.Feed(doc)
	if res.Card == nil {
		return nil
	}
	// The parser's snapshot card carries exactly the complete sections
	return append([]card.Section(nil), res.Card.Sections...)
}

package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inutilepat83/OSI-Cards-sub006/card"
)

const fullDoc = `{
	"id": "card-1",
	"cardTitle": "Quarterly Report",
	"cardSubtitle": "Q3 overview",
	"cardType": "report",
	"sections": [
		{"title": "Revenue", "type": "metrics", "fields": [
			{"label": "Total", "value": "1.2M", "type": "currency"}
		]},
		{"title": "Risks", "type": "list", "items": [
			{"name": "supply chain", "severity": "high"}
		]},
		{"title": "Outlook", "type": "text", "fields": [
			{"label": "Summary", "value": "stable"}
		]}
	]
}`

func TestFeed_CompleteDocumentSingleChunk(t *testing.T) {
	p := New()
	res := p.Feed(fullDoc)

	require.Equal(t, StateComplete, res.State)
	require.NotNil(t, res.Card)
	assert.Equal(t, "Quarterly Report", res.Card.Title)
	assert.Equal(t, "Q3 overview", res.Card.Subtitle)
	assert.Len(t, res.Card.Sections, 3)
	assert.True(t, res.TitleComplete)
	assert.Equal(t, 3, res.CompleteSections)
	assert.Equal(t, []int{0, 1, 2}, res.NewlyCompletedSections)

	var want card.Card
	require.NoError(t, json.Unmarshal([]byte(fullDoc), &want))
	for i := range want.Sections {
		// The parser fills in stable index-derived section ids
		want.Sections[i].ID = card.SectionKey(i)
	}
	assert.True(t, res.Card.Equal(&want))
}

func TestFeed_SpecExampleTwoChunks(t *testing.T) {
	p := New()

	res := p.Feed(`{"cardTitle": "Test",`)
	assert.NotEqual(t, StateComplete, res.State)
	assert.True(t, res.TitleComplete)
	require.NotNil(t, res.Card)
	assert.Equal(t, "Test", res.Card.Title)
	assert.Empty(t, res.NewlyCompletedSections)

	res = p.Feed(`"sections": [{"title": "S1", "type": "info"}]}`)
	require.NotNil(t, res.Card)
	assert.Equal(t, "Test", res.Card.Title)
	require.Len(t, res.Card.Sections, 1)
	assert.Equal(t, "S1", res.Card.Sections[0].Title)
	assert.Equal(t, "info", res.Card.Sections[0].Type)
	assert.Equal(t, []int{0}, res.NewlyCompletedSections)
}

// Reassembly must be split-invariant: any chunking of the same document
// converges to the same final card.
func TestFeed_SplitInvariance(t *testing.T) {
	baseline := New()
	want := baseline.Feed(fullDoc)
	require.Equal(t, StateComplete, want.State)

	splits := []int{1, 2, 3, 5, 7, 16, 64, 256}
	for _, size := range splits {
		p := New()
		var last Result
		for start := 0; start < len(fullDoc); start += size {
			end := start + size
			if end > len(fullDoc) {
				end = len(fullDoc)
			}
			last = p.Feed(fullDoc[start:end])
		}
		final := p.Finalize()

		require.NotNil(t, final.Card, "split size %d", size)
		assert.True(t, final.Card.Equal(want.Card),
			"split size %d diverged from single-chunk parse", size)
		_ = last
	}
}

func TestFeed_NewlyCompletedNeverRepeats(t *testing.T) {
	p := New()
	reported := make(map[int]bool)

	for start := 0; start < len(fullDoc); start += 9 {
		end := start + 9
		if end > len(fullDoc) {
			end = len(fullDoc)
		}
		res := p.Feed(fullDoc[start:end])
		for _, idx := range res.NewlyCompletedSections {
			assert.False(t, reported[idx], "index %d reported twice", idx)
			reported[idx] = true
		}
	}
	final := p.Finalize()
	for _, idx := range final.NewlyCompletedSections {
		assert.False(t, reported[idx], "index %d reported twice at finalize", idx)
		reported[idx] = true
	}

	assert.Len(t, reported, 3)
}

func TestFeed_MalformedSectionSkipped(t *testing.T) {
	doc := `{"cardTitle": "Partial", "sections": [` +
		`{"title": "Good", "type": "info"},` +
		`{"title": "Broken" "type": }},` +
		`{"title": "AlsoGood", "type": "info"}]}`

	p := New()
	res := p.Feed(doc)
	final := p.Finalize()

	require.NotNil(t, final.Card)
	titles := make([]string, 0, len(final.Card.Sections))
	for _, s := range final.Card.Sections {
		titles = append(titles, s.Title)
	}
	assert.Contains(t, titles, "Good")
	assert.NotContains(t, titles, "Broken")
	_ = res
}

func TestFeed_MissingSectionsKeyYieldsZeroSections(t *testing.T) {
	p := New()
	res := p.Feed(`{"cardTitle": "No Sections"}`)
	final := p.Finalize()

	require.NotNil(t, final.Card)
	assert.Equal(t, "No Sections", final.Card.Title)
	assert.Empty(t, final.Card.Sections)
	_ = res
}

func TestFeed_EmptySectionsArray(t *testing.T) {
	p := New()
	res := p.Feed(`{"cardTitle": "Empty", "sections": []}`)

	require.Equal(t, StateComplete, res.State)
	require.NotNil(t, res.Card)
	assert.Empty(t, res.Card.Sections)
	assert.Equal(t, 0, res.CompleteSections)
}

func TestFinalize_BestEffortOnTruncatedBuffer(t *testing.T) {
	// Cut mid-way through the second section; the first is complete
	cut := fullDoc[:300]

	p := New()
	p.Feed(cut)
	final := p.Finalize()

	// Partial data beats nothing: whatever sections completed survive
	require.NotNil(t, final.Card)
	assert.Equal(t, "Quarterly Report", final.Card.Title)
	assert.NotEmpty(t, final.Card.Sections)
	assert.NotEqual(t, StateError, final.State)
}

func TestFeed_EscapedQuotesAndBracesInsideStrings(t *testing.T) {
	doc := `{"cardTitle": "Tricky", "sections": [` +
		`{"title": "He said \"hi\" {not a brace}", "type": "info"},` +
		`{"title": "Backslash \\", "type": "info"}]}`

	p := New()
	res := p.Feed(doc)

	require.Equal(t, StateComplete, res.State)
	require.Len(t, res.Card.Sections, 2)
	assert.Equal(t, `He said "hi" {not a brace}`, res.Card.Sections[0].Title)
	assert.Equal(t, `Backslash \`, res.Card.Sections[1].Title)
}

func TestFeed_SectionIDsAssignedWhenOmitted(t *testing.T) {
	p := New()
	res := p.Feed(`{"cardTitle": "IDs", "sections": [` +
		`{"title": "A", "type": "info"}, {"title": "B", "type": "info"}]}`)

	require.Equal(t, StateComplete, res.State)
	require.Len(t, res.Card.Sections, 2)
	assert.Equal(t, card.SectionKey(0), res.Card.Sections[0].ID)
	assert.Equal(t, card.SectionKey(1), res.Card.Sections[1].ID)
}

func TestFeed_IdleBeforeData(t *testing.T) {
	p := New()
	res := p.Feed("")
	assert.Equal(t, StateIdle, res.State)
	assert.Nil(t, res.Card)
}

func TestReset(t *testing.T) {
	p := New()
	p.Feed(fullDoc)
	p.Reset()

	assert.Equal(t, 0, p.Buffered())
	res := p.Feed(`{"cardTitle": "Fresh"}`)
	require.NotNil(t, res.Card)
	assert.Equal(t, "Fresh", res.Card.Title)
	assert.Empty(t, res.Card.Sections)
}

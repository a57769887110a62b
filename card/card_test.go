package card

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCard() *Card {
	return &Card{
		ID:    "c-1",
		Title: "Acme Corp",
		Type:  "company",
		Sections: []Section{
			{
				ID:    "overview",
				Title: "Overview",
				Type:  "info",
				Fields: []Field{
					{Label: "Industry", Value: "Manufacturing"},
					{Label: "Employees", Value: float64(1200), Type: "number"},
				},
			},
			{
				Title: "Contacts",
				Items: []Item{
					{"name": "Jane Doe", "role": "CEO"},
				},
			},
		},
		Metadata: map[string]any{"source": "crm"},
	}
}

func TestClone_DeepCopy(t *testing.T) {
	original := sampleCard()
	clone := original.Clone()

	require.NotNil(t, clone)
	assert.True(t, original.Equal(clone))

	// Mutating the clone must not touch the original
	clone.Sections[0].Fields[0].Value = "Aerospace"
	clone.Metadata["source"] = "import"
	clone.Sections[1].Items[0]["name"] = "John Doe"

	assert.Equal(t, "Manufacturing", original.Sections[0].Fields[0].Value)
	assert.Equal(t, "crm", original.Metadata["source"])
	assert.Equal(t, "Jane Doe", original.Sections[1].Items[0]["name"])
}

func TestClone_Nil(t *testing.T) {
	var c *Card
	assert.Nil(t, c.Clone())
}

func TestEqual(t *testing.T) {
	a := sampleCard()
	b := sampleCard()
	assert.True(t, a.Equal(b))

	b.Sections[0].Title = "Summary"
	assert.False(t, a.Equal(b))

	var nilCard *Card
	assert.False(t, a.Equal(nilCard))
	assert.False(t, nilCard.Equal(a))
	assert.True(t, nilCard.Equal(nil))
}

func TestSectionCount_NilReceiver(t *testing.T) {
	var c *Card
	assert.Equal(t, 0, c.SectionCount())
	assert.Equal(t, 2, sampleCard().SectionCount())
}

func TestSectionKey(t *testing.T) {
	assert.Equal(t, "section-0", SectionKey(0))
	assert.Equal(t, "section-12", SectionKey(12))
}

func TestJSONWireSchema(t *testing.T) {
	raw := []byte(`{
		"cardTitle": "Acme Corp",
		"cardSubtitle": "Industrial supplier",
		"cardType": "company",
		"sections": [
			{"title": "Overview", "type": "info", "fields": [{"label": "HQ", "value": "Berlin"}]}
		]
	}`)

	var c Card
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, "Acme Corp", c.Title)
	assert.Equal(t, "Industrial supplier", c.Subtitle)
	assert.Equal(t, "company", c.Type)
	require.Len(t, c.Sections, 1)
	assert.Equal(t, "Berlin", c.Sections[0].Fields[0].Value)

	// Round back out: the wire names must survive
	out, err := json.Marshal(&c)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"cardTitle"`)
	assert.Contains(t, string(out), `"cardSubtitle"`)
	assert.NotContains(t, string(out), `"Title"`)
}

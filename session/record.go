package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/Inutilepat83/OSI-Cards-sub006/card"
	"github.com/Inutilepat83/OSI-Cards-sub006/config"
)

// Session is the durable record of one streaming attempt. It accumulates
// while the attempt runs and becomes immutable once sealed.
type Session struct {
	ID                string          `json:"id"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           time.Time       `json:"ended_at,omitzero"`
	URL               string          `json:"url"`
	Protocol          config.Protocol `json:"protocol"`
	TotalChunks       int64           `json:"total_chunks"`
	TotalBytes        int64           `json:"total_bytes"`
	SectionsGenerated int             `json:"sections_generated"`
	FinalCard         *card.Card      `json:"final_card,omitempty"`
	Errors            []string        `json:"errors,omitempty"`

	sealed bool
}

// NewRecord opens a session record
func NewRecord(url string, protocol config.Protocol) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		URL:       url,
		Protocol:  protocol,
	}
}

// RecordError appends an error unless the record is sealed
func (s *Session) RecordError(err error) {
	if s.sealed || err == nil {
		return
	}
	s.Errors = append(s.Errors, err.Error())
}

// Seal freezes the record with final counters and card. Sealing twice is
// a no-op; the first seal wins.
func (s *Session) Seal(ctx Context, finalCard *card.Card) {
	if s.sealed {
		return
	}
	s.EndedAt = time.Now()
	s.TotalChunks = ctx.ChunksReceived
	s.TotalBytes = ctx.BytesReceived
	s.SectionsGenerated = ctx.SectionsCompleted
	if finalCard != nil {
		s.FinalCard = finalCard.Clone()
	}
	s.sealed = true
}

// Sealed reports whether the record is frozen
func (s *Session) Sealed() bool { return s.sealed }

// Snapshot returns a copy safe to hand outside the pipeline
func (s *Session) Snapshot() Session {
	out := *s
	if s.FinalCard != nil {
		out.FinalCard = s.FinalCard.Clone()
	}
	out.Errors = append([]string(nil), s.Errors...)
	return out
}

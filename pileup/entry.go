package pileup

import (
	"strings"
	"time"

	"golang.org/x/text/width"
)

// SessionID identifies a connected participant. Zero means "no session".
type SessionID uint64

// EntryID identifies a queue entry. Ids come from a counter and never repeat.
type EntryID uint64

// Entry is one pending callsign announcement
type Entry struct {
	ID          EntryID   `json:"id"`
	Callsign    string    `json:"callsign"`
	SubmittedBy SessionID `json:"addedBy"`
	SubmittedAt time.Time `json:"addedAt"`
}

// NormalizeCallsign trims surrounding whitespace, folds full-width
// characters to their ASCII forms and upper-cases the result.
// An empty return means the callsign must be rejected.
func NormalizeCallsign(callsign string) string {
	callsign = width.Narrow.String(callsign)
	return strings.ToUpper(strings.TrimSpace(callsign))
}

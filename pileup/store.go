// Package pileup holds the authoritative shared state of a pileup session:
// the callsign queue, the transmission config and the audio-owner token.
//
// A Store performs no I/O and no locking. It is owned by a single event
// loop which serializes every call; callers that need concurrent access
// must provide that serialization themselves.
package pileup

import (
	"time"
)

// DefaultClaimDenied is the message sent to a claimant that lost arbitration
const DefaultClaimDenied = "Another client is currently the audio output"

// ClaimResult describes the outcome of an audio claim
type ClaimResult struct {
	Granted bool // claimant holds the token after the call
	Changed bool // ownership moved to the claimant during this call
}

// Store is the single owned aggregate of queue, config and ownership
type Store struct {
	queue       []Entry
	nextEntryID EntryID

	config Config
	bounds Bounds

	owner SessionID // 0 when unowned

	now func() time.Time
}

// Option customizes a Store
type Option func(*Store)

// WithClock replaces the clock used to stamp new entries
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithBounds replaces the config bounds
func WithBounds(b Bounds) Option {
	return func(s *Store) {
		s.bounds = b
	}
}

// NewStore creates an empty store with the given initial config
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		queue:  make([]Entry, 0),
		config: cfg,
		bounds: DefaultBounds(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddEntry appends a callsign to the tail of the queue.
// ok is false, and nothing changes, when the callsign normalizes to empty.
func (s *Store) AddEntry(callsign string, submitter SessionID) (Entry, bool) {
	callsign = NormalizeCallsign(callsign)
	if callsign == "" {
		return Entry{}, false
	}

	s.nextEntryID++
	entry := Entry{
		ID:          s.nextEntryID,
		Callsign:    callsign,
		SubmittedBy: submitter,
		SubmittedAt: s.now().UTC(),
	}
	s.queue = append(s.queue, entry)
	return entry, true
}

// RemoveEntry removes the entry with the given id.
// Removing an id that is not queued is a no-op and returns false.
func (s *Store) RemoveEntry(id EntryID) bool {
	for i, e := range s.queue {
		if e.ID == id {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// MarkPlayed acknowledges that the audio owner finished announcing id
func (s *Store) MarkPlayed(id EntryID) bool {
	return s.RemoveEntry(id)
}

// ClearQueue empties the queue. Returns false if it was already empty.
func (s *Store) ClearQueue() bool {
	if len(s.queue) == 0 {
		return false
	}
	s.queue = make([]Entry, 0)
	return true
}

// ReorderQueue puts the entries named in orderedIDs first, in that order,
// followed by every entry not mentioned, in their previous relative order.
// Unknown and repeated ids are ignored.
func (s *Store) ReorderQueue(orderedIDs []EntryID) bool {
	index := make(map[EntryID]int, len(s.queue))
	for i, e := range s.queue {
		index[e.ID] = i
	}

	placed := make([]bool, len(s.queue))
	reordered := make([]Entry, 0, len(s.queue))
	for _, id := range orderedIDs {
		i, ok := index[id]
		if !ok || placed[i] {
			continue
		}
		placed[i] = true
		reordered = append(reordered, s.queue[i])
	}
	for i, e := range s.queue {
		if !placed[i] {
			reordered = append(reordered, e)
		}
	}

	changed := false
	for i := range reordered {
		if reordered[i].ID != s.queue[i].ID {
			changed = true
			break
		}
	}
	s.queue = reordered
	return changed
}

// UpdateConfig merges the valid fields of patch and returns the names of
// fields whose value changed. An empty result means no delta.
func (s *Store) UpdateConfig(patch ConfigPatch) []string {
	var changed []string
	s.config, changed = patch.Apply(s.config, s.bounds)
	return changed
}

// Queue returns a copy of the queue in order
func (s *Store) Queue() []Entry {
	out := make([]Entry, len(s.queue))
	copy(out, s.queue)
	return out
}

// Head returns the first queued entry
func (s *Store) Head() (Entry, bool) {
	if len(s.queue) == 0 {
		return Entry{}, false
	}
	return s.queue[0], true
}

// Len returns the number of queued entries
func (s *Store) Len() int {
	return len(s.queue)
}

// Config returns the current config
func (s *Store) Config() Config {
	return s.config
}

// Bounds returns the config bounds in force
func (s *Store) Bounds() Bounds {
	return s.bounds
}

// Owner returns the audio owner, if any
func (s *Store) Owner() (SessionID, bool) {
	return s.owner, s.owner != 0
}

// IsOwner reports whether id currently holds the audio token
func (s *Store) IsOwner(id SessionID) bool {
	return id != 0 && s.owner == id
}

// Claim tries to give the audio token to id.
// There is no wait list: a claim against another holder simply fails.
func (s *Store) Claim(id SessionID) ClaimResult {
	switch {
	case id == 0:
		return ClaimResult{}
	case s.owner == 0:
		s.owner = id
		return ClaimResult{Granted: true, Changed: true}
	case s.owner == id:
		return ClaimResult{Granted: true}
	default:
		return ClaimResult{}
	}
}

// Release clears the token if, and only if, id holds it
func (s *Store) Release(id SessionID) bool {
	if id == 0 || s.owner != id {
		return false
	}
	s.owner = 0
	return true
}

// DropSession is called when a session disconnects. It releases the token
// when that session held it and reports whether ownership changed.
func (s *Store) DropSession(id SessionID) bool {
	return s.Release(id)
}

package main

import (
	"sync"

	"github.com/cwsl/cwpileup/pileup"
)

// Change reports which parts of the mirror a server message touched
type Change struct {
	Backlog bool
	Config  bool
	Owner   bool
}

// Mirror is this participant's copy of the server state. It satisfies
// morse.Queue so the scheduler reads the queue and config from it.
type Mirror struct {
	mu        sync.RWMutex
	connected bool
	clientID  pileup.SessionID
	backlog   []pileup.Entry
	config    pileup.Config
	owner     *pileup.SessionID
	clients   int
}

// NewMirror creates an empty mirror holding the default config
func NewMirror() *Mirror {
	return &Mirror{config: pileup.DefaultConfig()}
}

// Apply folds a server message into the mirror
func (m *Mirror) Apply(msg pileup.ServerMessage) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c Change
	switch msg.Type {
	case pileup.MsgState:
		m.connected = true
		m.clientID = msg.ClientID
		m.backlog = append([]pileup.Entry(nil), msg.Backlog...)
		if msg.Config != nil {
			m.config = *msg.Config
		}
		m.owner = copyID(msg.AudioClientID)
		m.clients = msg.ConnectedClients
		c = Change{Backlog: true, Config: true, Owner: true}

	case pileup.MsgBacklogUpdated:
		m.backlog = append([]pileup.Entry(nil), msg.Backlog...)
		c.Backlog = true

	case pileup.MsgConfigUpdated:
		if msg.Config != nil {
			m.config = *msg.Config
			c.Config = true
		}

	case pileup.MsgAudioClientChanged:
		m.owner = copyID(msg.AudioClientID)
		c.Owner = true

	case pileup.MsgClientCount:
		m.clients = msg.Count
	}
	return c
}

// Reset forgets the session after a disconnect. Ownership is lost with
// the connection, so IsOwner reports false until the next state message.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.clientID = 0
	m.owner = nil
	m.clients = 0
}

// Backlog returns a copy of the mirrored queue
func (m *Mirror) Backlog() []pileup.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]pileup.Entry(nil), m.backlog...)
}

// Config returns the mirrored transmission settings
func (m *Mirror) Config() pileup.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ClientID returns the id the server assigned to this participant
func (m *Mirror) ClientID() pileup.SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID
}

// Owner returns the current audio owner, if any
func (m *Mirror) Owner() (pileup.SessionID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.owner == nil {
		return 0, false
	}
	return *m.owner, true
}

// IsOwner reports whether this participant holds the audio token
func (m *Mirror) IsOwner() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.owner != nil && *m.owner == m.clientID
}

// Clients returns the last reported participant count
func (m *Mirror) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients
}

func copyID(id *pileup.SessionID) *pileup.SessionID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/cwsl/cwpileup/pileup"
)

var (
	// ErrHubClosed is returned once the event loop has stopped
	ErrHubClosed = errors.New("hub is closed")

	// ErrTooManySessions is returned when max_sessions participants are connected
	ErrTooManySessions = errors.New("too many sessions")
)

// Transport is a session's outbound path. Send must not block: it reports
// false when the message could not be queued because the connection is
// closed or its buffer is full.
type Transport interface {
	Send(data []byte) bool
	Close() error
}

// SessionInfo describes the peer behind a new session, for logging
type SessionInfo struct {
	RemoteAddr string
	UserAgent  string
}

// Session is one connected participant
type Session struct {
	ID          pileup.SessionID
	Info        SessionInfo
	ConnectedAt time.Time

	transport Transport
}

// HubObserver is notified on the event loop after state changes.
// Implementations must not block.
type HubObserver interface {
	BacklogChanged(backlog []pileup.Entry)
	ConfigChanged(cfg pileup.Config)
	AudioOwnerChanged(owner *pileup.SessionID)
	EntryPlayed(entry pileup.Entry)
}

// Snapshot is a consistent copy of the shared state
type Snapshot struct {
	Backlog          []pileup.Entry    `json:"backlog"`
	Config           pileup.Config     `json:"config"`
	Bounds           pileup.Bounds     `json:"bounds"`
	AudioClientID    *pileup.SessionID `json:"audioClientId"`
	ConnectedClients int               `json:"connectedClients"`
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
	eventFunc
)

type hubEvent struct {
	kind    eventKind
	session *Session
	msg     *pileup.ClientMessage
	fn      func()
	reply   chan error
}

// Hub owns the pileup store and every session. All state changes happen
// on a single goroutine in Run, one event at a time, so the messages an
// event produces are queued before the next event is looked at.
type Hub struct {
	store    *pileup.Store
	limiters *SessionRateLimiters
	metrics  *PrometheusMetrics

	maxSessions int
	startedAt   time.Time

	// Loop-owned
	sessions      map[pileup.SessionID]*Session
	order         []*Session
	nextSessionID pileup.SessionID
	observers     []HubObserver

	events chan hubEvent
	done   chan struct{}
}

// NewHub creates a hub around store. Call Run to start the event loop.
func NewHub(store *pileup.Store, limiters *SessionRateLimiters, metrics *PrometheusMetrics, maxSessions int) *Hub {
	if limiters == nil {
		limiters = NewSessionRateLimiters(0, 0)
	}
	return &Hub{
		store:       store,
		limiters:    limiters,
		metrics:     metrics,
		maxSessions: maxSessions,
		startedAt:   time.Now(),
		sessions:    make(map[pileup.SessionID]*Session),
		events:      make(chan hubEvent, 256),
		done:        make(chan struct{}),
	}
}

// AddObserver registers o. Must be called before Run.
func (h *Hub) AddObserver(o HubObserver) {
	h.observers = append(h.observers, o)
}

// Run processes events until ctx is done, then closes every session
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	log.Printf("Hub: event loop started")

	for {
		select {
		case <-ctx.Done():
			for _, s := range h.order {
				s.transport.Close()
			}
			log.Printf("Hub: event loop stopped (%d sessions closed)", len(h.order))
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Uptime returns how long the hub has existed
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startedAt)
}

// submit queues ev and waits for the loop to finish it
func (h *Hub) submit(ev hubEvent) error {
	ev.reply = make(chan error, 1)
	select {
	case h.events <- ev:
	case <-h.done:
		return ErrHubClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-h.done:
		return ErrHubClosed
	}
}

// Connect registers a new session. The full state is queued on t before
// Connect returns, ahead of any broadcast that follows.
func (h *Hub) Connect(t Transport, info SessionInfo) (*Session, error) {
	s := &Session{Info: info, ConnectedAt: time.Now(), transport: t}
	if err := h.submit(hubEvent{kind: eventConnect, session: s}); err != nil {
		return nil, err
	}
	return s, nil
}

// Disconnect removes a session and releases the audio token if it held it
func (h *Hub) Disconnect(s *Session) {
	if err := h.submit(hubEvent{kind: eventDisconnect, session: s}); err != nil && DebugMode {
		log.Printf("Hub: disconnect of session %d after shutdown", s.ID)
	}
}

// HandleMessage decodes a raw client message and queues it for the loop.
// Malformed messages are logged and dropped.
func (h *Hub) HandleMessage(s *Session, data []byte) {
	var msg pileup.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Hub: malformed message from session %d: %v", s.ID, err)
		h.metrics.RecordInvalidMessage("malformed")
		return
	}
	h.metrics.RecordWSMessageReceived(messageTypeLabel(msg.Type))

	select {
	case h.events <- hubEvent{kind: eventMessage, session: s, msg: &msg}:
	case <-h.done:
	}
}

// Do runs fn on the event loop and waits for it. fn may use the store and
// the broadcast helpers.
func (h *Hub) Do(fn func()) error {
	return h.submit(hubEvent{kind: eventFunc, fn: fn})
}

func (h *Hub) handle(ev hubEvent) {
	var err error
	switch ev.kind {
	case eventConnect:
		err = h.connect(ev.session)
	case eventDisconnect:
		h.disconnect(ev.session)
	case eventMessage:
		h.dispatch(ev.session, ev.msg)
	case eventFunc:
		ev.fn()
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

func (h *Hub) connect(s *Session) error {
	if h.maxSessions > 0 && len(h.sessions) >= h.maxSessions {
		return ErrTooManySessions
	}

	h.nextSessionID++
	s.ID = h.nextSessionID
	h.sessions[s.ID] = s
	h.order = append(h.order, s)

	h.metrics.RecordWSConnection(len(h.sessions))
	log.Printf("Hub: session %d connected from %s (%s), %d connected", s.ID, s.Info.RemoteAddr, s.Info.UserAgent, len(h.sessions))

	h.unicast(s, pileup.MsgState, h.stateFor(s.ID))
	h.broadcastClientCount()
	return nil
}

func (h *Hub) disconnect(s *Session) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	for i, o := range h.order {
		if o == s {
			h.order = append(h.order[:i:i], h.order[i+1:]...)
			break
		}
	}
	h.limiters.Remove(s.ID)
	h.metrics.RecordWSDisconnect(len(h.sessions))
	log.Printf("Hub: session %d disconnected after %s, %d connected", s.ID, time.Since(s.ConnectedAt).Round(time.Second), len(h.sessions))

	if h.store.DropSession(s.ID) {
		log.Printf("Hub: audio owner %d left, audio released", s.ID)
		h.metrics.RecordAudioRelease()
		h.audioOwnerChanged()
	}
	h.broadcastClientCount()
}

func (h *Hub) dispatch(s *Session, msg *pileup.ClientMessage) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}

	if msg.Type == pileup.MsgWaterfallFrame {
		h.relayFrame(s, msg)
		return
	}

	// The owner's played acknowledgements are exempt: dropping one would
	// leave the entry at the head of the queue with nobody to replay it
	ack := msg.Type == pileup.MsgCallsignPlayed && h.store.IsOwner(s.ID)
	if !ack && !h.limiters.AllowCommand(s.ID) {
		h.metrics.RecordRateLimitError("command")
		if DebugMode {
			log.Printf("Hub: session %d exceeded command rate, dropping %s", s.ID, msg.Type)
		}
		return
	}

	if DebugMode {
		log.Printf("Hub: session %d sent %s", s.ID, msg.Type)
	}

	switch msg.Type {
	case pileup.MsgAddCallsign:
		if msg.Callsign == nil {
			h.invalid(s, msg.Type, "missing callsign")
			return
		}
		if _, ok := h.addCallsign(*msg.Callsign, s.ID); !ok {
			h.invalid(s, msg.Type, "empty callsign")
		}

	case pileup.MsgRemoveCallsign:
		id, err := pileup.ParseEntryID(msg.ID)
		if err != nil {
			h.invalid(s, msg.Type, err.Error())
			return
		}
		h.removeEntry(id)

	case pileup.MsgClearBacklog:
		h.clearBacklog()

	case pileup.MsgReorderBacklog:
		if h.store.ReorderQueue(pileup.ParseOrder(msg.Order)) {
			h.backlogChanged()
		}

	case pileup.MsgClaimAudio:
		h.claimAudio(s)

	case pileup.MsgReleaseAudio:
		if h.store.Release(s.ID) {
			log.Printf("Hub: session %d released audio", s.ID)
			h.metrics.RecordAudioRelease()
			h.audioOwnerChanged()
		}

	case pileup.MsgUpdateConfig:
		if msg.Config == nil {
			h.invalid(s, msg.Type, "missing config")
			return
		}
		h.updateConfig(pileup.ParseConfigPatch(msg.Config))

	case pileup.MsgPlayNext:
		owner, owned := h.store.Owner()
		head, queued := h.store.Head()
		if !owned || !queued {
			return
		}
		if target, ok := h.sessions[owner]; ok {
			h.unicast(target, pileup.MsgPlayCallsign, pileup.PlayCallsignMessage{Type: pileup.MsgPlayCallsign, Item: head})
		}

	case pileup.MsgCallsignPlayed:
		id, err := pileup.ParseEntryID(msg.ID)
		if err != nil {
			h.invalid(s, msg.Type, err.Error())
			return
		}
		h.markPlayed(id)

	default:
		log.Printf("Hub: unknown message type %q from session %d", msg.Type, s.ID)
		h.metrics.RecordInvalidMessage("unknown_type")
	}
}

func (h *Hub) invalid(s *Session, msgType, reason string) {
	h.metrics.RecordInvalidMessage(msgType)
	if DebugMode {
		log.Printf("Hub: dropped %s from session %d: %s", msgType, s.ID, reason)
	}
}

func (h *Hub) claimAudio(s *Session) {
	res := h.store.Claim(s.ID)
	granted := true

	switch {
	case res.Changed:
		log.Printf("Hub: session %d is now the audio owner", s.ID)
		h.metrics.RecordAudioClaim("granted")
		h.audioOwnerChanged()
	case res.Granted:
		h.metrics.RecordAudioClaim("held")
	default:
		h.metrics.RecordAudioClaim("denied")
		h.unicast(s, pileup.MsgAudioClaimResult, pileup.ClaimResultMessage{
			Type:    pileup.MsgAudioClaimResult,
			Success: false,
			Message: pileup.DefaultClaimDenied,
		})
		return
	}

	h.unicast(s, pileup.MsgAudioClaimResult, pileup.ClaimResultMessage{
		Type:          pileup.MsgAudioClaimResult,
		Success:       true,
		IsAudioClient: &granted,
	})
}

func (h *Hub) relayFrame(s *Session, msg *pileup.ClientMessage) {
	if !h.store.IsOwner(s.ID) {
		h.metrics.RecordFrameIgnored("not_owner")
		if DebugMode {
			log.Printf("Hub: ignoring waterfall frame from non-owner session %d", s.ID)
		}
		return
	}
	if !h.limiters.AllowFrame(s.ID) {
		h.metrics.RecordFrameIgnored("rate_limited")
		h.metrics.RecordRateLimitError("frame")
		return
	}
	bins, err := pileup.ParseFrame(msg.Bins)
	if err != nil {
		h.metrics.RecordFrameIgnored("invalid")
		if DebugMode {
			log.Printf("Hub: invalid waterfall frame from session %d: %v", s.ID, err)
		}
		return
	}

	h.metrics.RecordFrameRelayed(len(bins))
	h.broadcastOthers(pileup.MsgWaterfallFrame, pileup.WaterfallFrameMessage{Type: pileup.MsgWaterfallFrame, Bins: bins}, s.ID)
}

// addCallsign must run on the loop
func (h *Hub) addCallsign(callsign string, submitter pileup.SessionID) (pileup.Entry, bool) {
	entry, ok := h.store.AddEntry(callsign, submitter)
	if !ok {
		return entry, false
	}
	h.metrics.RecordEntryAdded()
	h.backlogChanged()
	return entry, true
}

// removeEntry must run on the loop
func (h *Hub) removeEntry(id pileup.EntryID) bool {
	if !h.store.RemoveEntry(id) {
		return false
	}
	h.metrics.RecordEntryRemoved()
	h.backlogChanged()
	return true
}

// clearBacklog must run on the loop
func (h *Hub) clearBacklog() bool {
	if !h.store.ClearQueue() {
		return false
	}
	h.metrics.RecordBacklogCleared()
	h.backlogChanged()
	return true
}

func (h *Hub) markPlayed(id pileup.EntryID) {
	var played pileup.Entry
	for _, e := range h.store.Queue() {
		if e.ID == id {
			played = e
			break
		}
	}
	if !h.store.MarkPlayed(id) {
		return
	}
	h.metrics.RecordEntryPlayed()
	for _, o := range h.observers {
		o.EntryPlayed(played)
	}
	h.backlogChanged()
}

func (h *Hub) updateConfig(patch pileup.ConfigPatch) []string {
	changed := h.store.UpdateConfig(patch)
	if len(changed) == 0 {
		return nil
	}
	cfg := h.store.Config()
	log.Printf("Hub: config updated (%v): %+v", changed, cfg)
	h.metrics.RecordConfigUpdate()
	h.broadcastAll(pileup.MsgConfigUpdated, pileup.ConfigMessage{Type: pileup.MsgConfigUpdated, Config: cfg})
	for _, o := range h.observers {
		o.ConfigChanged(cfg)
	}
	return changed
}

func (h *Hub) backlogChanged() {
	backlog := h.store.Queue()
	h.metrics.UpdateBacklogLength(len(backlog))
	h.broadcastAll(pileup.MsgBacklogUpdated, pileup.BacklogMessage{Type: pileup.MsgBacklogUpdated, Backlog: backlog})
	for _, o := range h.observers {
		o.BacklogChanged(backlog)
	}
}

func (h *Hub) audioOwnerChanged() {
	owner := h.ownerPtr()
	h.metrics.SetAudioOwned(owner != nil)
	h.broadcastAll(pileup.MsgAudioClientChanged, pileup.AudioClientMessage{Type: pileup.MsgAudioClientChanged, AudioClientID: owner})
	for _, o := range h.observers {
		o.AudioOwnerChanged(owner)
	}
}

func (h *Hub) broadcastClientCount() {
	h.broadcastAll(pileup.MsgClientCount, pileup.ClientCountMessage{Type: pileup.MsgClientCount, Count: len(h.sessions)})
}

func (h *Hub) ownerPtr() *pileup.SessionID {
	if owner, ok := h.store.Owner(); ok {
		return &owner
	}
	return nil
}

func (h *Hub) stateFor(id pileup.SessionID) pileup.StateMessage {
	return pileup.StateMessage{
		Type:             pileup.MsgState,
		ClientID:         id,
		Backlog:          h.store.Queue(),
		Config:           h.store.Config(),
		AudioClientID:    h.ownerPtr(),
		IsAudioClient:    h.store.IsOwner(id),
		ConnectedClients: len(h.sessions),
	}
}

// snapshot must run on the loop
func (h *Hub) snapshot() Snapshot {
	return Snapshot{
		Backlog:          h.store.Queue(),
		Config:           h.store.Config(),
		Bounds:           h.store.Bounds(),
		AudioClientID:    h.ownerPtr(),
		ConnectedClients: len(h.sessions),
	}
}

// Snapshot returns a consistent copy of the shared state
func (h *Hub) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := h.Do(func() { snap = h.snapshot() })
	return snap, err
}

func (h *Hub) encode(msgType string, v interface{}) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Hub: failed to encode %s: %v", msgType, err)
		return nil, false
	}
	return data, true
}

func (h *Hub) send(s *Session, msgType string, data []byte) {
	if s.transport.Send(data) {
		h.metrics.RecordWSMessageSent(msgType)
		return
	}
	h.metrics.RecordWSDropped(msgType)
	if DebugMode {
		log.Printf("Hub: dropped %s for session %d", msgType, s.ID)
	}
}

func (h *Hub) unicast(s *Session, msgType string, v interface{}) {
	if data, ok := h.encode(msgType, v); ok {
		h.send(s, msgType, data)
	}
}

func (h *Hub) broadcastAll(msgType string, v interface{}) {
	data, ok := h.encode(msgType, v)
	if !ok {
		return
	}
	for _, s := range h.order {
		h.send(s, msgType, data)
	}
}

func (h *Hub) broadcastOthers(msgType string, v interface{}, except pileup.SessionID) {
	data, ok := h.encode(msgType, v)
	if !ok {
		return
	}
	for _, s := range h.order {
		if s.ID != except {
			h.send(s, msgType, data)
		}
	}
}

// messageTypeLabel bounds the label values used for client-chosen types
func messageTypeLabel(t string) string {
	switch t {
	case pileup.MsgAddCallsign, pileup.MsgRemoveCallsign, pileup.MsgClearBacklog,
		pileup.MsgReorderBacklog, pileup.MsgClaimAudio, pileup.MsgReleaseAudio,
		pileup.MsgUpdateConfig, pileup.MsgPlayNext, pileup.MsgCallsignPlayed,
		pileup.MsgWaterfallFrame:
		return t
	default:
		return "unknown"
	}
}

package pileup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Client to server message types
const (
	MsgAddCallsign    = "addCallsign"
	MsgRemoveCallsign = "removeCallsign"
	MsgClearBacklog   = "clearBacklog"
	MsgReorderBacklog = "reorderBacklog"
	MsgClaimAudio     = "claimAudio"
	MsgReleaseAudio   = "releaseAudio"
	MsgUpdateConfig   = "updateConfig"
	MsgPlayNext       = "playNext"
	MsgCallsignPlayed = "callsignPlayed"
	MsgWaterfallFrame = "waterfallFrame"
)

// Server to client message types
const (
	MsgState              = "state"
	MsgBacklogUpdated     = "backlogUpdated"
	MsgConfigUpdated      = "configUpdated"
	MsgAudioClientChanged = "audioClientChanged"
	MsgAudioClaimResult   = "audioClaimResult"
	MsgClientCount        = "clientCount"
	MsgPlayCallsign       = "playCallsign"
)

// MaxFrameBins is the largest waterfall frame accepted for relay
const MaxFrameBins = 4096

// maxSafeInteger is the largest integer a JSON number carries exactly
const maxSafeInteger = 1<<53 - 1

var (
	// ErrInvalidID is returned for ids that are not positive integers
	ErrInvalidID = errors.New("invalid id")

	// ErrInvalidFrame is returned for waterfall frames that cannot be relayed
	ErrInvalidFrame = errors.New("invalid waterfall frame")
)

// ClientMessage is any message a participant sends. Fields that need
// per-field validation are kept raw and parsed by the helpers below.
type ClientMessage struct {
	Type     string                     `json:"type"`
	Callsign *string                    `json:"callsign,omitempty"`
	ID       json.RawMessage            `json:"id,omitempty"`
	Order    []json.RawMessage          `json:"order,omitempty"`
	Config   map[string]json.RawMessage `json:"config,omitempty"`
	Bins     json.RawMessage            `json:"bins,omitempty"`
}

// ParseEntryID accepts a JSON number that is a positive integer
func ParseEntryID(raw json.RawMessage) (EntryID, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing", ErrInvalidID)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidID, raw)
	}
	id, err := EntryIDFromNumber(f)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidID, raw)
	}
	return id, nil
}

// EntryIDFromNumber accepts a positive integer no larger than a JSON number
// carries exactly
func EntryIDFromNumber(f float64) (EntryID, error) {
	if f < 1 || f > maxSafeInteger || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidID, f)
	}
	return EntryID(f), nil
}

// ParseOrder returns the valid ids of a reorder request, dropping the rest
func ParseOrder(raw []json.RawMessage) []EntryID {
	ids := make([]EntryID, 0, len(raw))
	for _, r := range raw {
		if id, err := ParseEntryID(r); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ParseConfigPatch extracts the known numeric fields of a config update.
// Unknown keys and values that are not JSON numbers are dropped.
func ParseConfigPatch(raw map[string]json.RawMessage) ConfigPatch {
	var p ConfigPatch
	field := func(name string) *float64 {
		r, ok := raw[name]
		if !ok {
			return nil
		}
		var f float64
		if err := json.Unmarshal(r, &f); err != nil {
			return nil
		}
		return &f
	}
	p.WPM = field("wpm")
	p.DelayBetweenItems = field("delayBetweenItems")
	p.DitFrequency = field("ditFrequency")
	p.DahFrequency = field("dahFrequency")
	return p
}

// Bins is a waterfall frame. It travels as a JSON array of integers 0..255.
type Bins []byte

// MarshalJSON writes the bins as a number array rather than base64
func (b Bins) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, len(b)*4+2)
	buf = append(buf, '[')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	buf = append(buf, ']')
	return buf, nil
}

// UnmarshalJSON accepts an array of integral numbers in 0..255
func (b *Bins) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	out := make(Bins, len(values))
	for i, v := range values {
		if v < 0 || v > 255 || v != math.Trunc(v) {
			return fmt.Errorf("%w: bin %d is %v", ErrInvalidFrame, i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// ParseFrame validates a relayed frame: a non-empty array of at most
// MaxFrameBins integers in 0..255.
func ParseFrame(raw json.RawMessage) (Bins, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing bins", ErrInvalidFrame)
	}
	var b Bins
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFrame)
	}
	if len(b) > MaxFrameBins {
		return nil, fmt.Errorf("%w: %d bins exceeds %d", ErrInvalidFrame, len(b), MaxFrameBins)
	}
	return b, nil
}

// StateMessage is the full snapshot sent to a session when it connects
type StateMessage struct {
	Type             string     `json:"type"`
	ClientID         SessionID  `json:"clientId"`
	Backlog          []Entry    `json:"backlog"`
	Config           Config     `json:"config"`
	AudioClientID    *SessionID `json:"audioClientId"`
	IsAudioClient    bool       `json:"isAudioClient"`
	ConnectedClients int        `json:"connectedClients"`
}

// BacklogMessage carries the whole queue after a change
type BacklogMessage struct {
	Type    string  `json:"type"`
	Backlog []Entry `json:"backlog"`
}

// ConfigMessage carries the whole config after a change
type ConfigMessage struct {
	Type   string `json:"type"`
	Config Config `json:"config"`
}

// AudioClientMessage announces the audio owner; nil when free
type AudioClientMessage struct {
	Type          string     `json:"type"`
	AudioClientID *SessionID `json:"audioClientId"`
}

// ClaimResultMessage answers a claim, only to the claimant
type ClaimResultMessage struct {
	Type          string `json:"type"`
	Success       bool   `json:"success"`
	IsAudioClient *bool  `json:"isAudioClient,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ClientCountMessage reports the number of connected sessions
type ClientCountMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// PlayCallsignMessage asks the audio owner to render one entry
type PlayCallsignMessage struct {
	Type string `json:"type"`
	Item Entry  `json:"item"`
}

// WaterfallFrameMessage carries one relayed spectral frame
type WaterfallFrameMessage struct {
	Type string `json:"type"`
	Bins Bins   `json:"bins"`
}

// ServerMessage decodes any server message on the participant side
type ServerMessage struct {
	Type             string     `json:"type"`
	ClientID         SessionID  `json:"clientId,omitempty"`
	Backlog          []Entry    `json:"backlog,omitempty"`
	Config           *Config    `json:"config,omitempty"`
	AudioClientID    *SessionID `json:"audioClientId,omitempty"`
	IsAudioClient    *bool      `json:"isAudioClient,omitempty"`
	ConnectedClients int        `json:"connectedClients,omitempty"`
	Success          bool       `json:"success,omitempty"`
	Message          string     `json:"message,omitempty"`
	Count            int        `json:"count,omitempty"`
	Item             *Entry     `json:"item,omitempty"`
	Bins             Bins       `json:"bins,omitempty"`
}

// Command is a message a participant sends
type Command struct {
	Type     string  `json:"type"`
	Callsign string  `json:"callsign,omitempty"`
	ID       EntryID `json:"id,omitempty"`
	Bins     Bins    `json:"bins,omitempty"`
}

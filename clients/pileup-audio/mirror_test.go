package main

import (
	"testing"

	"github.com/cwsl/cwpileup/pileup"
)

func idPtr(id pileup.SessionID) *pileup.SessionID { return &id }

func TestMirrorApplyState(t *testing.T) {
	m := NewMirror()
	if m.IsOwner() {
		t.Fatal("fresh mirror reports ownership")
	}

	cfg := pileup.DefaultConfig()
	cfg.WPM = 30
	c := m.Apply(pileup.ServerMessage{
		Type:             pileup.MsgState,
		ClientID:         7,
		Backlog:          []pileup.Entry{{ID: 1, Callsign: "K1ABC"}},
		Config:           &cfg,
		AudioClientID:    idPtr(7),
		ConnectedClients: 3,
	})

	if !c.Backlog || !c.Config || !c.Owner {
		t.Errorf("change = %+v, want all set", c)
	}
	if m.ClientID() != 7 || m.Clients() != 3 || m.Config().WPM != 30 {
		t.Errorf("id %d clients %d wpm %d", m.ClientID(), m.Clients(), m.Config().WPM)
	}
	if got := m.Backlog(); len(got) != 1 || got[0].Callsign != "K1ABC" {
		t.Errorf("backlog = %+v", got)
	}
	if !m.IsOwner() {
		t.Error("owner matching client id not reported as owner")
	}
}

func TestMirrorOwnerChanges(t *testing.T) {
	m := NewMirror()
	m.Apply(pileup.ServerMessage{Type: pileup.MsgState, ClientID: 2})

	if _, ok := m.Owner(); ok {
		t.Fatal("owner set without audioClientId")
	}

	c := m.Apply(pileup.ServerMessage{Type: pileup.MsgAudioClientChanged, AudioClientID: idPtr(5)})
	if !c.Owner || c.Backlog {
		t.Errorf("change = %+v", c)
	}
	if id, ok := m.Owner(); !ok || id != 5 || m.IsOwner() {
		t.Errorf("owner = %d %v, isOwner %v", id, ok, m.IsOwner())
	}

	m.Apply(pileup.ServerMessage{Type: pileup.MsgAudioClientChanged, AudioClientID: idPtr(2)})
	if !m.IsOwner() {
		t.Error("expected ownership")
	}

	m.Reset()
	if m.IsOwner() {
		t.Error("ownership survived reset")
	}
}

func TestMirrorBacklogIsCopied(t *testing.T) {
	m := NewMirror()
	backlog := []pileup.Entry{{ID: 1, Callsign: "A"}, {ID: 2, Callsign: "B"}}
	m.Apply(pileup.ServerMessage{Type: pileup.MsgBacklogUpdated, Backlog: backlog})

	backlog[0].Callsign = "changed"
	got := m.Backlog()
	got[1].Callsign = "changed"

	again := m.Backlog()
	if again[0].Callsign != "A" || again[1].Callsign != "B" {
		t.Errorf("backlog aliased: %+v", again)
	}
}

func TestMirrorIgnoresConfigWithoutBody(t *testing.T) {
	m := NewMirror()
	if c := m.Apply(pileup.ServerMessage{Type: pileup.MsgConfigUpdated}); c.Config {
		t.Error("empty configUpdated reported a change")
	}
	if m.Config() != pileup.DefaultConfig() {
		t.Errorf("config = %+v", m.Config())
	}

	m.Apply(pileup.ServerMessage{Type: pileup.MsgClientCount, Count: 4})
	if m.Clients() != 4 {
		t.Errorf("clients = %d", m.Clients())
	}
}

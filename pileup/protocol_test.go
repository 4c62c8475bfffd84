package pileup

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseEntryID(t *testing.T) {
	tests := []struct {
		raw  string
		want EntryID
		ok   bool
	}{
		{`1`, 1, true},
		{`42.0`, 42, true},
		{`0`, 0, false},
		{`-3`, 0, false},
		{`1.5`, 0, false},
		{`"7"`, 0, false},
		{`null`, 0, false},
		{`true`, 0, false},
		{`1e300`, 0, false},
		{`9007199254740991`, 9007199254740991, true},
		{`9007199254740992`, 0, false},
		{``, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseEntryID(json.RawMessage(tt.raw))
			if tt.ok {
				if err != nil || got != tt.want {
					t.Fatalf("ParseEntryID(%s) = %d, %v; want %d", tt.raw, got, err, tt.want)
				}
				return
			}
			if !errors.Is(err, ErrInvalidID) {
				t.Fatalf("ParseEntryID(%s) err = %v, want ErrInvalidID", tt.raw, err)
			}
		})
	}
}

func TestParseOrderDropsInvalid(t *testing.T) {
	var msg ClientMessage
	if err := json.Unmarshal([]byte(`{"type":"reorderBacklog","order":[3,"x",1.5,1,-2,2]}`), &msg); err != nil {
		t.Fatal(err)
	}
	got := ParseOrder(msg.Order)
	if !reflect.DeepEqual(got, []EntryID{3, 1, 2}) {
		t.Fatalf("ParseOrder = %v", got)
	}
}

func TestParseConfigPatch(t *testing.T) {
	var msg ClientMessage
	raw := `{"type":"updateConfig","config":{"wpm":25,"delayBetweenItems":"500","ditFrequency":null,"bogus":1,"dahFrequency":650.4}}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	p := ParseConfigPatch(msg.Config)
	if p.WPM == nil || *p.WPM != 25 {
		t.Errorf("wpm = %v", p.WPM)
	}
	if p.DelayBetweenItems != nil {
		t.Errorf("string delay accepted: %v", *p.DelayBetweenItems)
	}
	if p.DahFrequency == nil || *p.DahFrequency != 650.4 {
		t.Errorf("dah = %v", p.DahFrequency)
	}

	cfg, changed := p.Apply(DefaultConfig(), DefaultBounds())
	if cfg.DitFrequency != 600 {
		t.Errorf("null dit frequency changed config: %d", cfg.DitFrequency)
	}
	if !reflect.DeepEqual(changed, []string{"wpm", "dahFrequency"}) {
		t.Errorf("changed = %v", changed)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Bins
		ok   bool
	}{
		{"valid", `[0,128,255]`, Bins{0, 128, 255}, true},
		{"empty", `[]`, nil, false},
		{"missing", ``, nil, false},
		{"out of range", `[0,256]`, nil, false},
		{"negative", `[-1]`, nil, false},
		{"fractional", `[1.5]`, nil, false},
		{"not array", `"abc"`, nil, false},
		{"strings", `["1"]`, nil, false},
		{"too long", "[" + strings.TrimSuffix(strings.Repeat("1,", MaxFrameBins+1), ",") + "]", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame(json.RawMessage(tt.raw))
			if tt.ok {
				if err != nil || !reflect.DeepEqual(got, tt.want) {
					t.Fatalf("ParseFrame = %v, %v", got, err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("err = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestBinsMarshalAsNumbers(t *testing.T) {
	data, err := json.Marshal(WaterfallFrameMessage{Type: MsgWaterfallFrame, Bins: Bins{1, 2, 255}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"waterfallFrame","bins":[1,2,255]}` {
		t.Fatalf("encoded = %s", data)
	}
}

func TestAudioClientNullWhenFree(t *testing.T) {
	data, err := json.Marshal(AudioClientMessage{Type: MsgAudioClientChanged})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"audioClientChanged","audioClientId":null}` {
		t.Fatalf("encoded = %s", data)
	}
}

func TestServerMessageDecodesState(t *testing.T) {
	raw := `{"type":"state","clientId":3,"backlog":[{"id":1,"callsign":"W1AW","addedBy":2,"addedAt":"2026-01-01T00:00:00Z"}],` +
		`"config":{"wpm":20,"delayBetweenItems":1000,"ditFrequency":600,"dahFrequency":600},` +
		`"audioClientId":2,"isAudioClient":false,"connectedClients":2}`

	var msg ServerMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ClientID != 3 || len(msg.Backlog) != 1 || msg.Backlog[0].Callsign != "W1AW" {
		t.Fatalf("decoded = %+v", msg)
	}
	if msg.AudioClientID == nil || *msg.AudioClientID != 2 {
		t.Fatalf("audio client = %v", msg.AudioClientID)
	}
	if msg.Config == nil || *msg.Config != DefaultConfig() {
		t.Fatalf("config = %v", msg.Config)
	}
}

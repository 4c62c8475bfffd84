package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cwsl/cwpileup/morse"
	"github.com/cwsl/cwpileup/pileup"
	"github.com/cwsl/cwpileup/waterfall"
)

type fakeSender struct {
	mu   sync.Mutex
	cmds []pileup.Command
	down bool
}

func (f *fakeSender) Send(cmd pileup.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false
	}
	f.cmds = append(f.cmds, cmd)
	return true
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.cmds {
		out = append(out, c.Type)
	}
	return out
}

func (f *fakeSender) find(typ string) (pileup.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cmds {
		if c.Type == typ {
			return c, true
		}
	}
	return pileup.Command{}, false
}

func TestProducerTickRespectsGate(t *testing.T) {
	sender := &fakeSender{}
	p := NewProducer(waterfall.NewAnalyzer(12000, 2048), sender, 0, 1500)

	synth := morse.NewSynth(12000)
	p.Monitor(synth.Tone(700, 200*time.Millisecond))

	t0 := time.Unix(1000, 0)
	if !p.tick(t0) {
		t.Fatal("first frame dropped")
	}
	if p.tick(t0.Add(50 * time.Millisecond)) {
		t.Error("frame inside the minimum interval was sent")
	}
	if !p.tick(t0.Add(100 * time.Millisecond)) {
		t.Error("frame after the minimum interval was dropped")
	}
	if p.Sent() != 2 {
		t.Errorf("sent = %d", p.Sent())
	}

	cmd, _ := sender.find(pileup.MsgWaterfallFrame)
	if len(cmd.Bins) != waterfall.DefaultBins {
		t.Fatalf("frame has %d bins", len(cmd.Bins))
	}

	// 1500 Hz over 128 bins puts 700 Hz near bin 60
	peak := 0
	for i, v := range cmd.Bins {
		if v > cmd.Bins[peak] {
			peak = i
		}
	}
	if peak < 55 || peak > 65 {
		t.Errorf("peak at bin %d", peak)
	}
}

func TestProducerCountsOnlyDelivered(t *testing.T) {
	sender := &fakeSender{down: true}
	p := NewProducer(waterfall.NewAnalyzer(12000, 2048), sender, 64, 0)
	if p.tick(time.Now()) {
		t.Error("tick reported success on a closed connection")
	}
	if p.Sent() != 0 {
		t.Errorf("sent = %d", p.Sent())
	}
}

func TestProducerStartStop(t *testing.T) {
	sender := &fakeSender{}
	p := NewProducer(waterfall.NewAnalyzer(12000, 2048), sender, 0, 1500)

	p.Start(context.Background())
	p.Start(context.Background())
	if !p.Running() {
		t.Fatal("not running after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Sent() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop()
	if p.Running() {
		t.Error("still running after Stop")
	}
	if p.Sent() == 0 {
		t.Error("no frames sent while running")
	}

	sent := p.Sent()
	time.Sleep(150 * time.Millisecond)
	if p.Sent() != sent {
		t.Error("frames sent after Stop")
	}
	p.Stop()
}

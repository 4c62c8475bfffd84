package morse

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestTimingAt20WPM(t *testing.T) {
	timing := TimingFor(20)
	if timing.Unit != 60*time.Millisecond {
		t.Fatalf("unit = %v, want 60ms", timing.Unit)
	}
	if timing.Dah != 180*time.Millisecond {
		t.Errorf("dah = %v, want 180ms", timing.Dah)
	}
	if timing.InterChar != 180*time.Millisecond {
		t.Errorf("inter-char = %v, want 180ms", timing.InterChar)
	}
	if timing.InterWord != 420*time.Millisecond {
		t.Errorf("inter-word = %v, want 420ms", timing.InterWord)
	}
}

func TestTimingClampsSpeed(t *testing.T) {
	if got := TimingFor(0).Unit; got != 1200*time.Millisecond {
		t.Fatalf("unit at 0 wpm = %v, want 1.2s", got)
	}
}

func TestPattern(t *testing.T) {
	tests := []struct {
		ch   rune
		want string
		ok   bool
	}{
		{'E', ".", true},
		{'w', ".--", true},
		{'/', "-..-.", true},
		{'=', "-...-", true},
		{'0', "-----", true},
		{'#', "", false},
		{' ', "", false},
	}
	for _, tt := range tests {
		got, ok := Pattern(tt.ch)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Pattern(%q) = %q, %v; want %q, %v", tt.ch, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEncode(t *testing.T) {
	if got := Encode("w1aw/p"); got != ".-- .---- .- .-- -..-. .--." {
		t.Fatalf("Encode = %q", got)
	}
	if got := Encode("a#b"); got != ".- -..." {
		t.Fatalf("unsupported char not skipped: %q", got)
	}
}

func TestCallsignDuration(t *testing.T) {
	// E = 1 unit; "EE" = 1 + 3 + 1
	if got := CallsignDuration("EE", 20); got != 300*time.Millisecond {
		t.Fatalf("duration = %v, want 300ms", got)
	}
	if got := CallsignDuration("E#", 20); got != 60*time.Millisecond {
		t.Fatalf("unsupported char added time: %v", got)
	}
}

func TestSynthTone(t *testing.T) {
	s := NewSynth(8000)
	samples := s.Tone(600, 60*time.Millisecond)
	if len(samples) != 480 {
		t.Fatalf("len = %d, want 480", len(samples))
	}
	if samples[0] != 0 {
		t.Errorf("tone does not start from silence: %d", samples[0])
	}
	if samples[len(samples)-1] != 0 {
		t.Errorf("tone does not end in silence: %d", samples[len(samples)-1])
	}

	peak := 0
	for _, v := range samples {
		if a := int(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}
	limit := int(math.Ceil(DefaultGain*math.MaxInt16)) + 1
	if peak > limit {
		t.Errorf("peak %d exceeds gain limit %d", peak, limit)
	}
	if peak < limit/2 {
		t.Errorf("peak %d unexpectedly low", peak)
	}
}

func TestSynthShortToneRamps(t *testing.T) {
	s := NewSynth(8000)
	samples := s.Tone(600, 5*time.Millisecond)
	if len(samples) != 40 {
		t.Fatalf("len = %d, want 40", len(samples))
	}
	if samples[0] != 0 || samples[39] != 0 {
		t.Fatal("short tone envelope not closed")
	}
}

type memorySink struct {
	samples []int16
	closed  bool
}

func (m *memorySink) WritePCM(s []int16) error {
	m.samples = append(m.samples, s...)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func TestPCMPlayerPacesAndMonitors(t *testing.T) {
	sink := &memorySink{}
	clock := &fakeClock{}
	p := NewPCMPlayer(NewSynth(8000), sink)
	p.SetClock(clock)

	monitored := 0
	p.Monitor = func(s []int16) { monitored += len(s) }

	ctx := context.Background()
	if err := p.Tone(ctx, 600, 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := p.Silence(ctx, 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if len(sink.samples) != 960 {
		t.Errorf("sink got %d samples, want 960", len(sink.samples))
	}
	if monitored != 960 {
		t.Errorf("monitor got %d samples, want 960", monitored)
	}
	if len(clock.sleeps) != 2 || clock.sleeps[0] != 60*time.Millisecond {
		t.Errorf("sleeps = %v", clock.sleeps)
	}
}

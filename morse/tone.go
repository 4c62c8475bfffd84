package morse

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the PCM rate tones are synthesized at
	DefaultSampleRate = 12000

	// DefaultGain is the peak amplitude of a tone relative to full scale
	DefaultGain = 0.5

	// DefaultRamp is the linear attack and release time of every tone
	DefaultRamp = 10 * time.Millisecond
)

// Synth generates mono int16 PCM for keyed sine tones
type Synth struct {
	SampleRate int
	Gain       float64
	Ramp       time.Duration
}

// NewSynth creates a synthesizer with the default gain and ramp
func NewSynth(sampleRate int) *Synth {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Synth{
		SampleRate: sampleRate,
		Gain:       DefaultGain,
		Ramp:       DefaultRamp,
	}
}

// samples returns the number of samples covering d
func (s *Synth) samples(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * float64(s.SampleRate)))
}

// Tone returns a sine tone of freq Hz lasting d. The envelope rises
// linearly from silence over Ramp and falls back to silence over the last
// Ramp of the tone, so the ramps are inside d. Tones shorter than two ramps
// use half their length for each ramp.
func (s *Synth) Tone(freq int, d time.Duration) []int16 {
	n := s.samples(d)
	out := make([]int16, n)
	if n == 0 {
		return out
	}

	ramp := s.samples(s.Ramp)
	if ramp*2 > n {
		ramp = n / 2
	}

	step := 2 * math.Pi * float64(freq) / float64(s.SampleRate)
	for i := 0; i < n; i++ {
		env := 1.0
		switch {
		case ramp > 0 && i < ramp:
			env = float64(i) / float64(ramp)
		case ramp > 0 && i >= n-ramp:
			env = float64(n-1-i) / float64(ramp)
		}
		v := s.Gain * env * math.Sin(step*float64(i))
		out[i] = int16(v * math.MaxInt16)
	}
	return out
}

// Silence returns d worth of zero samples
func (s *Synth) Silence(d time.Duration) []int16 {
	return make([]int16, s.samples(d))
}

// Sink receives rendered PCM
type Sink interface {
	WritePCM(samples []int16) error
	Close() error
}

// PCMPlayer renders tones through a Synth into a Sink and paces itself so
// each call returns after the element's duration has elapsed.
type PCMPlayer struct {
	synth *Synth
	sink  Sink
	clock Clock

	// Monitor, when set, receives a copy of every rendered buffer
	Monitor func(samples []int16)
}

// NewPCMPlayer creates a player writing to sink
func NewPCMPlayer(synth *Synth, sink Sink) *PCMPlayer {
	return &PCMPlayer{
		synth: synth,
		sink:  sink,
		clock: RealClock(),
	}
}

// SetClock replaces the clock used for pacing
func (p *PCMPlayer) SetClock(c Clock) {
	p.clock = c
}

// Tone renders a keyed tone of d at freq Hz
func (p *PCMPlayer) Tone(ctx context.Context, freq int, d time.Duration) error {
	return p.emit(ctx, p.synth.Tone(freq, d), d)
}

// Silence renders d of silence
func (p *PCMPlayer) Silence(ctx context.Context, d time.Duration) error {
	return p.emit(ctx, p.synth.Silence(d), d)
}

func (p *PCMPlayer) emit(ctx context.Context, samples []int16, d time.Duration) error {
	if p.sink != nil {
		if err := p.sink.WritePCM(samples); err != nil {
			return fmt.Errorf("write pcm: %w", err)
		}
	}
	if p.Monitor != nil {
		p.Monitor(samples)
	}
	return p.clock.Sleep(ctx, d)
}

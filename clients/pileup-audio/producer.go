package main

import (
	"context"
	"sync"
	"time"

	"github.com/cwsl/cwpileup/pileup"
	"github.com/cwsl/cwpileup/waterfall"
)

// producerTick drives the frame producer at roughly display rate
const producerTick = time.Second / 60

// Sender delivers a command to the server, best effort
type Sender interface {
	Send(cmd pileup.Command) bool
}

// Producer turns rendered audio into waterfall frames for the server while
// this participant is the audio owner
type Producer struct {
	analyzer *waterfall.Analyzer
	gate     *waterfall.Gate
	sender   Sender
	bins     int
	limit    int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sent   int
}

// NewProducer creates a producer emitting bins-wide frames that cover
// 0..maxHz of the analyzer's spectrum
func NewProducer(analyzer *waterfall.Analyzer, sender Sender, bins int, maxHz float64) *Producer {
	if bins <= 0 {
		bins = waterfall.DefaultBins
	}
	return &Producer{
		analyzer: analyzer,
		gate:     waterfall.NewGate(waterfall.DefaultMinInterval),
		sender:   sender,
		bins:     bins,
		limit:    waterfall.BinLimit(maxHz, analyzer.SampleRate, analyzer.FFTSize()),
	}
}

// Monitor feeds rendered samples to the analyzer; use as PCMPlayer.Monitor
func (p *Producer) Monitor(samples []int16) {
	p.analyzer.Write(samples)
}

// Start begins capture. Calling Start while running does nothing.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	p.analyzer.Reset()
	p.gate.Reset()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop ends capture and waits for the producer goroutine
func (p *Producer) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports whether capture is active
func (p *Producer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Producer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(producerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

// tick emits one frame if the gate allows it. Returns whether a frame was sent.
func (p *Producer) tick(now time.Time) bool {
	if !p.gate.Allow(now) {
		return false
	}
	frame := waterfall.Downsample(p.analyzer.Frame(), p.bins, p.limit)
	if len(frame) == 0 {
		return false
	}
	if !p.sender.Send(pileup.Command{Type: pileup.MsgWaterfallFrame, Bins: frame}) {
		return false
	}
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	return true
}

// Sent returns the number of frames delivered to the connection
func (p *Producer) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwsl/cwpileup/morse"
	"github.com/cwsl/cwpileup/pileup"
	"github.com/cwsl/cwpileup/waterfall"
)

// Role selects what a participant does with the shared state
type Role string

const (
	// RoleOwner claims the audio token, renders the queue and streams the waterfall
	RoleOwner Role = "owner"

	// RoleObserver follows the queue and accumulates the relayed waterfall
	RoleObserver Role = "observer"
)

// Participant reacts to server messages for one role
type Participant struct {
	ctx    context.Context
	role   Role
	mirror *Mirror
	sender Sender

	// Owner role
	scheduler *morse.Scheduler
	producer  *Producer
	initial   []string

	mu       sync.Mutex
	draining bool
	active   bool // output wanted; cleared by stopOutput
	gen      int  // bumped each time ownership is gained
	added    bool

	// drain and playOnce goroutines, both of which write to the sink
	renders sync.WaitGroup

	// Observer role
	image *waterfall.Image
}

// NewOwner creates an audio-owner participant rendering through player.
// Callsigns in initial are added once after the first connect.
func NewOwner(ctx context.Context, sender Sender, player morse.Player, producer *Producer, initial []string) *Participant {
	p := &Participant{
		ctx:      ctx,
		role:     RoleOwner,
		mirror:   NewMirror(),
		sender:   sender,
		producer: producer,
		initial:  initial,
	}
	p.scheduler = morse.NewScheduler(player, p.mirror, morse.Hooks{
		IsOwner:    p.outputWanted,
		Played:     p.played,
		NowPlaying: p.nowPlaying,
	})
	return p
}

// NewObserver creates a participant that draws the relayed waterfall into img
func NewObserver(ctx context.Context, sender Sender, img *waterfall.Image) *Participant {
	return &Participant{
		ctx:    ctx,
		role:   RoleObserver,
		mirror: NewMirror(),
		sender: sender,
		image:  img,
	}
}

// SetSender sets the connection commands go out on
func (p *Participant) SetSender(s Sender) {
	p.sender = s
}

// Connected implements Handler. The session is usable once state arrives.
func (p *Participant) Connected() {}

// Disconnected implements Handler
func (p *Participant) Disconnected() {
	wasOwner := p.mirror.IsOwner()
	p.mirror.Reset()
	if p.role == RoleOwner && wasOwner {
		log.Printf("Audio output lost with the connection")
		p.stopOutput()
	}
}

// Message implements Handler
func (p *Participant) Message(msg pileup.ServerMessage) {
	wasOwner := p.mirror.IsOwner()
	change := p.mirror.Apply(msg)

	switch msg.Type {
	case pileup.MsgState:
		log.Printf("Joined as participant %d: %d queued, %d connected, %d WPM",
			msg.ClientID, len(msg.Backlog), msg.ConnectedClients, p.mirror.Config().WPM)
		if p.scheduler != nil {
			// Reports sent before this snapshot may never have arrived
			p.scheduler.ForgetReported()
		}
		p.addInitial()

	case pileup.MsgConfigUpdated:
		cfg := p.mirror.Config()
		log.Printf("Config: %d WPM, %d ms between items, dit %d Hz, dah %d Hz",
			cfg.WPM, cfg.DelayBetweenItems, cfg.DitFrequency, cfg.DahFrequency)

	case pileup.MsgAudioClaimResult:
		if !msg.Success {
			log.Printf("Audio claim refused: %s", msg.Message)
		}

	case pileup.MsgPlayCallsign:
		if p.role == RoleOwner && msg.Item != nil {
			p.renders.Add(1)
			go func(entry pileup.Entry) {
				defer p.renders.Done()
				p.playOnce(entry)
			}(*msg.Item)
		}

	case pileup.MsgWaterfallFrame:
		if p.image != nil {
			p.image.PushColumn(msg.Bins)
		}
	}

	if change.Owner {
		p.ownerChanged(wasOwner)
	}
}

func (p *Participant) ownerChanged(wasOwner bool) {
	isOwner := p.mirror.IsOwner()
	owner, owned := p.mirror.Owner()

	switch p.role {
	case RoleOwner:
		switch {
		case isOwner && !wasOwner:
			log.Printf("This participant is now the audio output")
			p.startOutput()
		case !isOwner && wasOwner:
			log.Printf("Audio output moved to participant %d", owner)
			p.stopOutput()
		}
		if !owned {
			p.sender.Send(pileup.Command{Type: pileup.MsgClaimAudio})
		}

	case RoleObserver:
		// A new owner starts capture, no owner means capture stopped
		if p.image != nil {
			p.image.Clear()
		}
		if owned {
			log.Printf("Audio output is participant %d", owner)
		} else {
			log.Printf("No audio output")
		}
	}
}

func (p *Participant) addInitial() {
	p.mu.Lock()
	if p.added {
		p.mu.Unlock()
		return
	}
	p.added = true
	p.mu.Unlock()

	for _, c := range p.initial {
		p.sender.Send(pileup.Command{Type: pileup.MsgAddCallsign, Callsign: c})
	}
}

func (p *Participant) startOutput() {
	if p.producer != nil {
		p.producer.Start(p.ctx)
	}

	p.mu.Lock()
	p.gen++
	p.active = true
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	p.renders.Add(1)
	go func() {
		defer p.renders.Done()
		p.drain()
	}()
}

func (p *Participant) stopOutput() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()

	p.scheduler.Stop()
	if p.producer != nil {
		p.producer.Stop()
	}
}

// Wait blocks until every render goroutine has returned. Call it after
// stopOutput and before closing the sink.
func (p *Participant) Wait() {
	p.renders.Wait()
}

// drain runs the scheduler while this participant owns the audio. A tone
// still in flight from PlayOnce makes Drain report ErrBusy, so retry until
// it finishes. Ownership regained while a stopped Drain was unwinding
// restarts the loop.
func (p *Participant) drain() {
	for {
		p.mu.Lock()
		gen := p.gen
		p.mu.Unlock()

		p.drainOnce()

		p.mu.Lock()
		if p.gen == gen || !p.active || !p.mirror.IsOwner() || p.ctx.Err() != nil {
			p.draining = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// outputWanted reports whether the drain loop should keep going: this
// participant owns the audio and stopOutput has not been called since
func (p *Participant) outputWanted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.mirror.IsOwner()
}

func (p *Participant) drainOnce() {
	for p.outputWanted() {
		err := p.scheduler.Drain(p.ctx)
		switch {
		case errors.Is(err, morse.ErrBusy):
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		case err != nil:
			if p.ctx.Err() == nil {
				log.Printf("Playback stopped: %v", err)
			}
			return
		default:
			return
		}
	}
}

func (p *Participant) playOnce(entry pileup.Entry) {
	played, err := p.scheduler.PlayOnce(p.ctx, entry)
	switch {
	case errors.Is(err, morse.ErrBusy):
		if DebugMode {
			log.Printf("DEBUG: skipping playCallsign %s, already rendering", entry.Callsign)
		}
	case err != nil:
		log.Printf("Playback of %s failed: %v", entry.Callsign, err)
	case !played:
		log.Printf("Playback of %s cancelled", entry.Callsign)
	}
}

func (p *Participant) played(id pileup.EntryID) bool {
	if !p.sender.Send(pileup.Command{Type: pileup.MsgCallsignPlayed, ID: id}) {
		log.Printf("Could not report entry %d as played, it stays queued", id)
		return false
	}
	return true
}

func (p *Participant) nowPlaying(entry pileup.Entry, active bool) {
	if active {
		log.Printf("Now playing: %s", entry.Callsign)
	} else if DebugMode {
		log.Printf("DEBUG: finished %s", entry.Callsign)
	}
}

// writePNGLoop saves img to path every interval and once more on exit
func writePNGLoop(ctx context.Context, img *waterfall.Image, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := savePNG(img, path); err != nil {
				log.Printf("Waterfall: %v", err)
			}
			return
		case <-ticker.C:
			if err := savePNG(img, path); err != nil {
				log.Printf("Waterfall: %v", err)
			}
		}
	}
}

// savePNG replaces path atomically so viewers never see a partial file
func savePNG(img *waterfall.Image, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".waterfall-*.png")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := img.WritePNG(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

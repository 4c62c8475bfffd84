package morse

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/cwpileup/pileup"
)

const (
	// EmptyPollInterval is how long the drain loop waits before looking at
	// an empty queue again
	EmptyPollInterval = 100 * time.Millisecond

	// NowPlayingHold keeps the now-playing indicator up after an entry
	// finishes or is cancelled
	NowPlayingHold = 500 * time.Millisecond
)

// ErrBusy is returned when a render is requested while another is running
var ErrBusy = errors.New("scheduler is already rendering")

// State is the drain loop's current activity
type State int32

const (
	Idle State = iota
	Rendering
	WaitingBetweenItems
	PollingEmpty
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Rendering:
		return "rendering"
	case WaitingBetweenItems:
		return "waiting"
	case PollingEmpty:
		return "polling"
	default:
		return "unknown"
	}
}

// Player renders keyed elements. Each call returns once the element has
// been played in full.
type Player interface {
	Tone(ctx context.Context, freq int, d time.Duration) error
	Silence(ctx context.Context, d time.Duration) error
}

// Queue is the scheduler's view of the shared backlog and config
type Queue interface {
	Backlog() []pileup.Entry
	Config() pileup.Config
}

// Hooks connect the scheduler to the rest of the participant
type Hooks struct {
	// IsOwner reports whether this participant still holds the audio token
	IsOwner func() bool

	// Played is called when an entry was rendered to completion. It
	// returns whether the report reached the server; an undelivered entry
	// stays eligible and is rendered again.
	Played func(id pileup.EntryID) bool

	// NowPlaying is called with active=true when an entry starts and with
	// active=false once its hold period is over
	NowPlaying func(entry pileup.Entry, active bool)
}

// Scheduler turns queue entries into timed tone and silence elements
type Scheduler struct {
	player Player
	queue  Queue
	hooks  Hooks
	clock  Clock

	enabled   atomic.Bool
	cancelled atomic.Bool
	state     atomic.Int32
	rendering atomic.Bool

	mu         sync.Mutex
	reported   map[pileup.EntryID]struct{} // played but possibly still in the mirror
	nowPlaying pileup.EntryID
	stopHold   func() bool
}

// NewScheduler creates an idle scheduler
func NewScheduler(player Player, queue Queue, hooks Hooks) *Scheduler {
	if hooks.IsOwner == nil {
		hooks.IsOwner = func() bool { return true }
	}
	return &Scheduler{
		player:   player,
		queue:    queue,
		hooks:    hooks,
		clock:    RealClock(),
		reported: make(map[pileup.EntryID]struct{}),
	}
}

// SetClock replaces the clock used for delays and the now-playing hold
func (s *Scheduler) SetClock(c Clock) {
	s.clock = c
}

// State returns the drain loop's current activity
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Enabled reports whether continuous draining is switched on
func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Stop cancels draining. A tone already in flight finishes; the loop exits
// at its next decision point.
func (s *Scheduler) Stop() {
	s.cancelled.Store(true)
	s.enabled.Store(false)
}

func (s *Scheduler) shouldRun() bool {
	return s.enabled.Load() && !s.cancelled.Load() && s.hooks.IsOwner()
}

// Drain renders the head of the queue repeatedly until stopped, until this
// participant loses the audio token, or until ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	if !s.rendering.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.rendering.Store(false)
	defer s.setState(Idle)

	s.cancelled.Store(false)
	s.enabled.Store(true)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.shouldRun() {
			return nil
		}

		entry, ok := s.next()
		if !ok {
			s.setState(PollingEmpty)
			if err := s.clock.Sleep(ctx, EmptyPollInterval); err != nil {
				return err
			}
			continue
		}

		s.setState(Rendering)
		if _, err := s.render(ctx, entry); err != nil {
			return err
		}

		if s.pending() > 0 && !s.cancelled.Load() {
			s.setState(WaitingBetweenItems)
			delay := time.Duration(s.queue.Config().DelayBetweenItems) * time.Millisecond
			if err := s.clock.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// PlayOnce renders a single entry outside the drain loop
func (s *Scheduler) PlayOnce(ctx context.Context, entry pileup.Entry) (bool, error) {
	if !s.rendering.CompareAndSwap(false, true) {
		return false, ErrBusy
	}
	defer s.rendering.Store(false)

	s.cancelled.Store(false)
	s.setState(Rendering)
	defer s.setState(Idle)
	return s.render(ctx, entry)
}

// RenderCallsign renders entry's callsign. It reports the entry as played
// only when every character was rendered without cancellation.
func (s *Scheduler) RenderCallsign(ctx context.Context, entry pileup.Entry) (bool, error) {
	return s.render(ctx, entry)
}

// RenderCharacter renders one character at the current config.
// Unsupported characters produce nothing.
func (s *Scheduler) RenderCharacter(ctx context.Context, ch rune) error {
	cfg := s.queue.Config()
	_, err := s.renderCharacter(ctx, ch, TimingFor(cfg.WPM), cfg)
	return err
}

func (s *Scheduler) render(ctx context.Context, entry pileup.Entry) (bool, error) {
	s.beginNowPlaying(entry)
	defer s.holdNowPlaying(entry)

	cfg := s.queue.Config()
	t := TimingFor(cfg.WPM)

	if DebugMode {
		log.Printf("Morse: rendering %s (id %d) at %d wpm", entry.Callsign, entry.ID, cfg.WPM)
	}

	sent := 0
	for _, ch := range strings.ToUpper(entry.Callsign) {
		if s.cancelled.Load() {
			return false, nil
		}
		if _, ok := Pattern(ch); !ok {
			continue
		}
		if sent > 0 {
			if err := s.player.Silence(ctx, t.InterChar); err != nil {
				return false, err
			}
		}
		sent++
		done, err := s.renderCharacter(ctx, ch, t, cfg)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}

	if s.hooks.Played == nil || s.hooks.Played(entry.ID) {
		s.markReported(entry.ID)
	}
	return true, nil
}

// renderCharacter returns false if cancellation interrupted the character
func (s *Scheduler) renderCharacter(ctx context.Context, ch rune, t Timing, cfg pileup.Config) (bool, error) {
	pattern, ok := Pattern(ch)
	if !ok {
		return true, nil
	}
	for i, sym := range pattern {
		if s.cancelled.Load() {
			return false, nil
		}
		if i > 0 {
			if err := s.player.Silence(ctx, t.IntraChar); err != nil {
				return false, err
			}
		}
		freq, d := cfg.DitFrequency, t.Dit
		if sym == '-' {
			freq, d = cfg.DahFrequency, t.Dah
		}
		if err := s.player.Tone(ctx, freq, d); err != nil {
			return false, err
		}
	}
	return true, nil
}

// next returns the first queued entry not yet reported as played.
// Reported ids that have left the backlog are forgotten.
func (s *Scheduler) next() (pileup.Entry, bool) {
	backlog := s.queue.Backlog()

	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[pileup.EntryID]struct{}, len(backlog))
	var head pileup.Entry
	found := false
	for _, e := range backlog {
		present[e.ID] = struct{}{}
		if _, done := s.reported[e.ID]; done || found {
			continue
		}
		head, found = e, true
	}
	for id := range s.reported {
		if _, ok := present[id]; !ok {
			delete(s.reported, id)
		}
	}
	return head, found
}

// pending counts queued entries not yet reported as played
func (s *Scheduler) pending() int {
	backlog := s.queue.Backlog()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range backlog {
		if _, done := s.reported[e.ID]; !done {
			n++
		}
	}
	return n
}

// ForgetReported makes every queued entry eligible again. Call it when a
// fresh snapshot replaces the queue, since reports sent before it may
// have been lost.
func (s *Scheduler) ForgetReported() {
	s.mu.Lock()
	clear(s.reported)
	s.mu.Unlock()
}

func (s *Scheduler) markReported(id pileup.EntryID) {
	s.mu.Lock()
	s.reported[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) beginNowPlaying(entry pileup.Entry) {
	s.mu.Lock()
	if s.stopHold != nil {
		s.stopHold()
		s.stopHold = nil
	}
	s.nowPlaying = entry.ID
	s.mu.Unlock()

	if s.hooks.NowPlaying != nil {
		s.hooks.NowPlaying(entry, true)
	}
}

func (s *Scheduler) holdNowPlaying(entry pileup.Entry) {
	if s.hooks.NowPlaying == nil {
		return
	}
	stop := s.clock.AfterFunc(NowPlayingHold, func() {
		s.mu.Lock()
		current := s.nowPlaying == entry.ID
		if current {
			s.nowPlaying = 0
			s.stopHold = nil
		}
		s.mu.Unlock()
		if current {
			s.hooks.NowPlaying(entry, false)
		}
	})

	s.mu.Lock()
	if s.nowPlaying == entry.ID {
		s.stopHold = stop
	}
	s.mu.Unlock()
}

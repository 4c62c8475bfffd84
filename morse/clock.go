package morse

import (
	"context"
	"time"
)

// Clock abstracts the waiting done by the player and scheduler so tests
// can run without wall-clock delays.
type Clock interface {
	// Sleep waits for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error

	// AfterFunc calls f after d and returns a function that cancels it
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

// RealClock returns a Clock backed by the time package
func RealClock() Clock {
	return realClock{}
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

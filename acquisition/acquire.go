package acquisition

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/pm61/instrument"
)

// Poll takes a reading every interval and passes it to fn until ctx is
// done, which is not an error.  A failed reading or an error from fn stops
// polling and is returned.  An interval <= 0 reads as fast as the meter
// answers
func (s *Session) Poll(ctx context.Context, interval time.Duration, fn func(float64) error) error {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	lim := rate.NewLimiter(limit, 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			// Wait also fails early when the next token is past ctx's deadline
			if _, ok := ctx.Deadline(); ok || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		p, err := s.TakeReading()
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}

// Acquire connects through mgr, configures with settings, and runs fn.
// The session is disconnected when Acquire returns, however it returns,
// including by panic
func Acquire(mgr instrument.Manager, settings Settings, fn func(*Session) error, opts ...Option) error {
	s := New(mgr, opts...)
	defer s.Disconnect()
	if err := s.Connect(); err != nil {
		return err
	}
	if err := s.Configure(settings); err != nil {
		return err
	}
	return fn(s)
}

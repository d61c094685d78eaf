package main

import (
	"os"
	"sync"
	"time"

	"github.com/theckman/yacspin"
)

// spinner shows progress on stderr while the meter connects.  A spinner
// that could not be started is silent
type spinner struct {
	sp   *yacspin.Spinner
	once sync.Once
}

func startSpinner(msg string) *spinner {
	sp, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopMessage:       "ready",
		StopFailCharacter: "✗",
		StopFailMessage:   "failed",
		Writer:            os.Stderr,
	})
	if err != nil {
		log.WithError(err).Debug("spinner disabled")
		return &spinner{}
	}
	if err := sp.Start(); err != nil {
		log.WithError(err).Debug("spinner disabled")
		return &spinner{}
	}
	return &spinner{sp: sp}
}

// stop stops the spinner the first time it is called
func (s *spinner) stop(err error) {
	s.once.Do(func() {
		if s.sp == nil {
			return
		}
		if err != nil {
			s.sp.StopFail()
			return
		}
		s.sp.Stop()
	})
}

package store

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweepable is a store that reclaims expired entries on demand.
type Sweepable interface {
	Sweep() int
}

// Sweeper periodically reclaims expired entries. Expiry itself is always
// checked at read time; the sweep only bounds memory.
type Sweeper struct {
	cron   *cron.Cron
	target Sweepable
	log    logrus.FieldLogger
}

// NewSweeper schedules target.Sweep on a cron spec such as "@every 5m".
func NewSweeper(target Sweepable, schedule string, log logrus.FieldLogger) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		target: target,
		log:    log,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce() {
	removed := s.target.Sweep()
	if removed > 0 {
		s.log.WithField("removed", removed).Debug("swept expired entries")
	}
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule; the returned context is done when a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

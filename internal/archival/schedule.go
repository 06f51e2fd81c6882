package archival

import (
	"context"

	"github.com/robfig/cron/v3"
)

// sweepSchedule runs the archival sweep every 15 minutes; frequent enough
// that an outage window of ledger data never grows large, infrequent enough
// that a quiet deployment doesn't spend its whole lifetime archiving nothing.
const sweepSchedule = "@every 15m"

// Scheduler wraps a *cron.Cron driving the archiver's sweep on a fixed cadence.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler registers the archival sweep against a fresh cron instance.
// The caller owns Start/Stop; nothing runs until Start is called.
func NewScheduler(a *Archiver) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(sweepSchedule, func() {
		a.RunOnce(context.Background())
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until the in-flight sweep, if any, finishes.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

package tracker

import "time"

// scheduler is a one-shot timer that the loop re-arms after every batch, so
// two polls never overlap. A zero interval disables it.
type scheduler struct {
	interval time.Duration
	timer    *time.Timer
	armed    bool
}

func newScheduler(interval time.Duration) *scheduler {
	s := &scheduler{interval: interval}
	if interval > 0 {
		s.timer = time.NewTimer(interval)
		s.timer.Stop()
	}
	return s
}

func (s *scheduler) enabled() bool {
	return s.timer != nil
}

// arm schedules the next tick. Arming an armed scheduler restarts it.
func (s *scheduler) arm() {
	if s.timer == nil {
		return
	}
	s.timer.Reset(s.interval)
	s.armed = true
}

// C returns the tick channel, or nil when the scheduler is disabled so a
// select on it blocks forever.
func (s *scheduler) C() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

// fired marks the pending tick as consumed.
func (s *scheduler) fired() {
	s.armed = false
}

func (s *scheduler) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

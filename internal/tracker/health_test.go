package tracker

import (
	"fmt"
	"testing"
	"time"
)

func TestPollHealthFailureTracking(t *testing.T) {
	h := newPollHealth(3)

	if h.snapshot().Status != StatusHealthy {
		t.Fatal("new health should be healthy")
	}

	h.recordFailure(fmt.Errorf("ps: exit 1"))
	h.recordFailure(fmt.Errorf("ps: timeout"))
	if got := h.snapshot().Status; got != StatusDegraded {
		t.Errorf("status = %q below threshold, want degraded", got)
	}

	h.recordFailure(fmt.Errorf("still broken"))
	snap := h.snapshot()
	if snap.Status != StatusFailed {
		t.Error("should be failed at threshold")
	}
	if snap.LastError != "still broken" {
		t.Errorf("LastError = %q, want %q", snap.LastError, "still broken")
	}
	if snap.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", snap.ConsecutiveFailures)
	}
}

func TestPollHealthRecovery(t *testing.T) {
	h := newPollHealth(3)

	for i := 0; i < 5; i++ {
		h.recordFailure(fmt.Errorf("fail %d", i))
	}
	h.recordSuccess()

	snap := h.snapshot()
	if snap.Status != StatusHealthy {
		t.Error("should recover to healthy after success")
	}
	if snap.ConsecutiveFailures != 0 || snap.LastError != "" {
		t.Errorf("counters not reset: %+v", snap)
	}
	if time.Since(snap.LastSuccess) > time.Minute {
		t.Errorf("LastSuccess = %v", snap.LastSuccess)
	}
}

func TestPollHealthTransitions(t *testing.T) {
	h := newPollHealth(2)

	steps := []struct {
		fail        bool
		wantStatus  HealthStatus
		wantChanged bool
	}{
		{fail: false, wantStatus: StatusHealthy, wantChanged: false},
		{fail: true, wantStatus: StatusDegraded, wantChanged: false},
		{fail: true, wantStatus: StatusFailed, wantChanged: true},
		{fail: true, wantStatus: StatusFailed, wantChanged: false},
		{fail: false, wantStatus: StatusHealthy, wantChanged: true},
		{fail: true, wantStatus: StatusDegraded, wantChanged: false},
		{fail: false, wantStatus: StatusHealthy, wantChanged: false},
	}

	for i, st := range steps {
		if st.fail {
			h.recordFailure(fmt.Errorf("step %d", i))
		} else {
			h.recordSuccess()
		}
		status, changed := h.transition()
		if status != st.wantStatus || changed != st.wantChanged {
			t.Errorf("step %d: transition() = %q, %v; want %q, %v", i, status, changed, st.wantStatus, st.wantChanged)
		}
	}
}

func TestPollHealthThresholdFloor(t *testing.T) {
	h := newPollHealth(0)
	h.recordFailure(fmt.Errorf("boom"))
	if got := h.snapshot().Status; got != StatusFailed {
		t.Errorf("status = %q, want failed with threshold clamped to 1", got)
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	s := newScheduler(time.Millisecond)
	if !s.enabled() {
		t.Fatal("scheduler with an interval should be enabled")
	}
	s.arm()
	select {
	case <-s.C():
		s.fired()
	case <-time.After(time.Second):
		t.Fatal("armed scheduler never fired")
	}
	if s.armed {
		t.Error("fired scheduler still marked armed")
	}

	s.arm()
	s.stop()
	select {
	case <-s.C():
		t.Error("stopped scheduler fired")
	case <-time.After(20 * time.Millisecond):
	}

	off := newScheduler(0)
	off.arm()
	if off.enabled() || off.armed || off.C() != nil {
		t.Error("zero interval scheduler should stay disabled")
	}
}

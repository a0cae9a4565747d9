package breaker

import "time"

// Status is the circuit state of one service.
type Status string

const (
	// StatusClosed lets calls through and counts their outcomes.
	StatusClosed Status = "closed"
	// StatusOpen rejects calls until the half-open interval elapses.
	StatusOpen Status = "open"
	// StatusHalfOpen lets a single probe through.
	StatusHalfOpen Status = "half-open"
)

// Snapshot is the persisted state of one service.
type Snapshot struct {
	Status         Status
	Requests       uint32
	Failures       uint32
	WindowStart    time.Time
	OpenedAt       time.Time
	LastFailureAt  time.Time
	ProbeStartedAt time.Time
}

// FailureRate returns failures/requests in the current window.
func (s Snapshot) FailureRate() float64 {
	if s.Requests == 0 {
		return 0
	}

	return float64(s.Failures) / float64(s.Requests)
}

func (s Snapshot) normalized() Snapshot {
	if s.Status == "" {
		s.Status = StatusClosed
	}

	return s
}

// admission identifies the call an outcome belongs to. Outcomes recorded
// without one (OnSuccess/OnFailure) are trusted as the probe's.
type admission struct {
	tagged bool
	// probe is the ProbeStartedAt the call claimed; zero for a regular call.
	probe time.Time
}

func (a admission) isProbeOf(s Snapshot) bool {
	if !a.tagged {
		return true
	}

	return !a.probe.IsZero() && a.probe.Equal(s.ProbeStartedAt)
}

// allow decides whether a call may proceed. It returns the next snapshot,
// whether the call is allowed and whether the snapshot changed.
// An allowed call that claimed the half-open probe sees ProbeStartedAt == now.
func (c Config) allow(s Snapshot, now time.Time) (Snapshot, bool, bool) {
	s = s.normalized()
	switch s.Status {
	case StatusOpen:
		if now.Sub(s.OpenedAt) < c.IntervalToHalfOpen {
			return s, false, false
		}
		s.Status = StatusHalfOpen
		s.ProbeStartedAt = now

		return s, true, true
	case StatusHalfOpen:
		// a probe that never reported back is considered lost after one interval
		if !s.ProbeStartedAt.IsZero() && now.Sub(s.ProbeStartedAt) < c.IntervalToHalfOpen {
			return s, false, false
		}
		s.ProbeStartedAt = now

		return s, true, true
	default:
		return s, true, false
	}
}

func (c Config) recordSuccess(s Snapshot, now time.Time, call admission) (Snapshot, bool) {
	s = s.normalized()
	switch s.Status {
	case StatusHalfOpen:
		// calls admitted before the circuit opened do not speak for the probe
		if !call.isProbeOf(s) {
			return s, false
		}

		return Snapshot{Status: StatusClosed, WindowStart: now, LastFailureAt: s.LastFailureAt}, true
	case StatusOpen:
		return s, false
	default:
		s = c.roll(s, now)
		s.Requests++

		return c.evaluate(s, now), true
	}
}

func (c Config) recordFailure(s Snapshot, now time.Time, call admission) (Snapshot, bool) {
	s = s.normalized()
	switch s.Status {
	case StatusHalfOpen:
		if !call.isProbeOf(s) {
			return s, false
		}
		s.LastFailureAt = now
		s.Status = StatusOpen
		s.OpenedAt = now
		s.ProbeStartedAt = time.Time{}

		return s, true
	case StatusOpen:
		s.LastFailureAt = now

		return s, true
	default:
		s.LastFailureAt = now
		s = c.roll(s, now)
		s.Requests++
		s.Failures++

		return c.evaluate(s, now), true
	}
}

func (c Config) roll(s Snapshot, now time.Time) Snapshot {
	if s.WindowStart.IsZero() || now.Sub(s.WindowStart) >= c.TimeWindow {
		s.WindowStart = now
		s.Requests = 0
		s.Failures = 0
	}

	return s
}

func (c Config) evaluate(s Snapshot, now time.Time) Snapshot {
	if s.Requests < c.MinimumRequests || s.FailureRate() <= c.FailureRateThreshold {
		return s
	}

	return Snapshot{
		Status:        StatusOpen,
		OpenedAt:      now,
		LastFailureAt: s.LastFailureAt,
	}
}

package daemon

import "time"

// PollState tracks the adaptive sleep between polls. The sleep starts
// at the poll interval, grows by one interval per empty poll up to the
// max sleep period, and snaps back to the interval as soon as a
// message shows up. Owned and mutated only by the poll loop.
type PollState struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NewPollState returns poll state sleeping interval between polls.
func NewPollState(interval, max time.Duration) *PollState {
	return &PollState{
		interval: interval,
		max:      max,
		current:  interval,
	}
}

// Sleep returns the delay to apply after the current empty poll.
func (s *PollState) Sleep() time.Duration {
	return s.current
}

// OnEmptyPoll extends the sleep by one poll interval, capped at the
// max sleep period.
func (s *PollState) OnEmptyPoll() {
	s.current += s.interval
	if s.current > s.max {
		s.current = s.max
	}
}

// OnMessageReceived resets the sleep to the base poll interval.
func (s *PollState) OnMessageReceived() {
	s.current = s.interval
}

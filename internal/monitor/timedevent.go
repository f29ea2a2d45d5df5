package monitor

import "time"

// TimedEvent measures one record outcome: wall time since the loader
// started on it, plus the payload size.
type TimedEvent struct {
	start time.Time
	bytes int64
}

func NewTimedEvent() *TimedEvent {
	return &TimedEvent{start: time.Now()}
}

// Increment adds n payload bytes to the event.
func (e *TimedEvent) Increment(n int64) {
	e.bytes += n
}

func (e *TimedEvent) Bytes() int64 {
	return e.bytes
}

func (e *TimedEvent) Duration() time.Duration {
	return time.Since(e.start)
}

// Package clock provides the wall-clock reader Worker and Dispatcher need
// for timeouts and idle accounting. On real silicon this is the RP2040-class
// absolute_time_t hardware timer; Monotonic stands in for it on
// the host using time.Now.
package clock

import "time"

// Monotonic reports microseconds elapsed since it was constructed.
type Monotonic struct {
	start time.Time
}

// NewMonotonic returns a Monotonic zeroed at the current instant.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// NowMicros satisfies worker.Clock and dispatcher.Clock.
func (m *Monotonic) NowMicros() uint64 {
	return uint64(time.Since(m.start).Microseconds())
}

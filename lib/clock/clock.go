// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so the daemon scan loop, lock
// acquisition deadlines, and ledger timestamps are deterministic under
// test. Production code injects Real(); tests inject Fake() and drive
// time with Advance.
package clock

import "time"

// Clock is the time source injected into every component that reads
// the clock or waits on it.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release it. The
// channel has capacity 1; ticks are dropped, not queued, when the
// consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks arrive after Stop returns; C is
// not closed.
func (t *Ticker) Stop() { t.stop() }

/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package agent

import "time"

// Backoff produces reconnect delays: the initial delay, doubling per failed
// attempt, capped at Max. Deterministic on purpose; a fleet of a few hundred
// agents does not need jitter, and predictable delays make field debugging
// from agent logs much easier.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay to wait before the upcoming attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempt++
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset restores the initial delay after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

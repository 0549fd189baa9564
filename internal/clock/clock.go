/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock abstracts wall-clock access so time-driven components can be
// tested without real timers.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{Current: start}
}

func (f *Fake) Now() time.Time { return f.Current }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}

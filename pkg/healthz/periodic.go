// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package healthz

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PeriodicProbeName is the checker name under which a periodic probe
// registers itself.
const PeriodicProbeName = "periodic"

// NewPeriodic returns a liveness probe for loop-driven components. The
// component calls Ping on every loop iteration; the probe's checker fails
// once no ping arrived within the reset duration. A nil clock defaults to
// time.Now.
func NewPeriodic(clock func() time.Time, resetDuration time.Duration) *Periodic {
	if clock == nil {
		clock = time.Now
	}
	return &Periodic{
		clock:         clock,
		resetDuration: resetDuration,
	}
}

// Periodic reports healthy as long as it is pinged more often than its
// reset duration.
type Periodic struct {
	mutex         sync.Mutex
	clock         func() time.Time
	resetDuration time.Duration
	lastPing      time.Time
	started       bool
}

// Start marks the probe as live and counts as the first ping.
func (p *Periodic) Start() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.started = true
	p.lastPing = p.clock()
}

// Stop marks the probe as down until Start is called again.
func (p *Periodic) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.started = false
}

// Ping records a sign of life. Pings before Start are ignored.
func (p *Periodic) Ping() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.started {
		p.lastPing = p.clock()
	}
}

// Checker returns a Checker reporting the probe's current state.
func (p *Periodic) Checker() Checker {
	return func(_ context.Context) error {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if !p.started {
			return fmt.Errorf("probe is stopped")
		}
		if silence := p.clock().Sub(p.lastPing); silence > p.resetDuration {
			return fmt.Errorf("no ping for %s (limit %s)", silence.Round(time.Millisecond), p.resetDuration)
		}
		return nil
	}
}

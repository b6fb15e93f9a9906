// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultGroupTimeout bounds Group.Wait.
const DefaultGroupTimeout = 30 * time.Second

// Group collects fire-and-forget goroutines spawned during one service
// invocation, typically event publications. Pipeline services must not block
// inside a lock scope on an outbound POST to the SSE hub, yet must not let
// the invocation return before the hub has received the events; the group
// provides exactly that: spawn with Go, await with Wait before returning.
type Group struct {
	log     logr.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	failed int
}

// NewGroup returns a Group whose Wait is bounded by the given timeout. A
// non-positive timeout means DefaultGroupTimeout.
func NewGroup(ctx context.Context, log logr.Logger, timeout time.Duration) *Group {
	if timeout <= 0 {
		timeout = DefaultGroupTimeout
	}
	groupCtx, cancel := context.WithCancel(ctx)
	return &Group{
		log:     log,
		timeout: timeout,
		ctx:     groupCtx,
		cancel:  cancel,
	}
}

// Go runs fn in a background goroutine tracked by the group. Failures are
// logged with the given name, never returned; a dropped event must not fail
// the pipeline step that caused it.
func (g *Group) Go(name string, fn TaskFn) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil {
			g.mu.Lock()
			g.failed++
			g.mu.Unlock()
			g.log.Error(err, "Background task failed", "task", name)
		}
	}()
}

// Wait blocks until all tracked goroutines finished or the group timeout
// elapsed. On timeout the survivors are cancelled and awaited. Wait returns
// the number of failed tasks and is safe to call exactly once.
func (g *Group) Wait() int {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(g.timeout):
		g.log.Info("Cancelling background tasks after timeout", "timeout", g.timeout)
		g.cancel()
		<-done
	}
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed
}

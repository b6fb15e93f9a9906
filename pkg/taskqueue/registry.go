// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Default actor limits, applied at registration when unset.
const (
	DefaultMaxRetries = 3
	DefaultMinBackoff = 5 * time.Second
	DefaultMaxBackoff = 5 * time.Minute
	DefaultTimeLimit  = 30 * time.Minute
)

// Handler executes one task. args is the JSON payload the task was enqueued
// with.
type Handler func(ctx context.Context, args json.RawMessage) error

// Actor declares one task type: its handler and its retry policy.
type Actor struct {
	// Name identifies the actor on the wire.
	Name string
	// MaxRetries bounds re-deliveries after the first attempt.
	MaxRetries int
	// MinBackoff and MaxBackoff bound the exponential re-delivery delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// TimeLimit bounds one attempt's execution.
	TimeLimit time.Duration
	// Throws reports errors that bypass retry and dead-letter the task
	// immediately. nil means every error is retryable.
	Throws func(error) bool
	// Handler runs the task.
	Handler Handler
}

// Registry holds the declared actors. Registration happens during startup,
// before any worker runs; lookups afterwards are read-only.
type Registry struct {
	actors map[string]*Actor
}

// NewRegistry returns an empty actor registry.
func NewRegistry() *Registry {
	return &Registry{actors: map[string]*Actor{}}
}

// Register declares an actor and applies the default limits to unset fields.
func (r *Registry) Register(actor *Actor) error {
	if actor.Name == "" {
		return fmt.Errorf("actor has no name")
	}
	if actor.Handler == nil {
		return fmt.Errorf("actor %s has no handler", actor.Name)
	}
	if _, exists := r.actors[actor.Name]; exists {
		return fmt.Errorf("actor %s registered twice", actor.Name)
	}

	if actor.MaxRetries == 0 {
		actor.MaxRetries = DefaultMaxRetries
	}
	if actor.MinBackoff == 0 {
		actor.MinBackoff = DefaultMinBackoff
	}
	if actor.MaxBackoff == 0 {
		actor.MaxBackoff = DefaultMaxBackoff
	}
	if actor.TimeLimit == 0 {
		actor.TimeLimit = DefaultTimeLimit
	}

	r.actors[actor.Name] = actor
	return nil
}

// Get looks up an actor by name.
func (r *Registry) Get(name string) (*Actor, bool) {
	actor, ok := r.actors[name]
	return actor, ok
}

// Names returns the registered actor names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actors))
	for name := range r.actors {
		names = append(names, name)
	}
	return names
}

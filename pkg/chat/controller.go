// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"errors"
	"sync"
)

// =============================================================================
// Send State Machine
// =============================================================================

// SendState is the lifecycle phase of a chat send.
type SendState string

const (
	// StateIdle means no send is active. The only state a new send may
	// start from.
	StateIdle SendState = "idle"

	// StateSending means the request has been dispatched but no stream
	// event has arrived yet.
	StateSending SendState = "sending"

	// StateStreaming means at least the response headers have arrived and
	// events are being applied.
	StateStreaming SendState = "streaming"

	// StateCompleted, StateErrored, and StateCancelled are terminal for
	// one send; a new send returns the controller to sending.
	StateCompleted SendState = "completed"
	StateErrored   SendState = "errored"
	StateCancelled SendState = "cancelled"
)

// ErrSendInFlight is returned by Begin while another send is active.
var ErrSendInFlight = errors.New("chat: a send is already in flight")

// Controller serializes sends and owns cancellation for the active one.
//
// # Description
//
// At most one send is in flight at a time; Begin refuses a second send
// while one is sending or streaming rather than relying on callers to
// gate. Each send gets a generation token. Cancel aborts the active
// send's context, and Applies issued with a stale or cancelled token
// report false so events already in flight when the user cancelled are
// dropped instead of folded in.
//
// Safe for concurrent use.
type Controller struct {
	mu         sync.Mutex
	state      SendState
	generation uint64
	cancel     context.CancelFunc
}

// NewController returns a controller in the idle state.
func NewController() *Controller {
	return &Controller{state: StateIdle}
}

// State returns the current lifecycle phase.
func (c *Controller) State() SendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin starts a new send. It returns a context derived from parent that
// Cancel aborts, plus the send's generation token. Begin fails with
// ErrSendInFlight while a send is sending or streaming; from any terminal
// state it starts the next send.
func (c *Controller) Begin(parent context.Context) (context.Context, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSending || c.state == StateStreaming {
		return nil, 0, ErrSendInFlight
	}

	ctx, cancel := context.WithCancel(parent)
	c.generation++
	c.state = StateSending
	c.cancel = cancel
	return ctx, c.generation, nil
}

// StartStreaming transitions the send from sending to streaming. Reports
// false if gen is stale or the send was already cancelled.
func (c *Controller) StartStreaming(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.state != StateSending {
		return false
	}
	c.state = StateStreaming
	return true
}

// ShouldApply reports whether an event belonging to send gen may still be
// folded into the transcript.
func (c *Controller) ShouldApply(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && (c.state == StateSending || c.state == StateStreaming)
}

// Complete marks send gen completed. No-op for a stale generation or a
// send already in a terminal state.
func (c *Controller) Complete(gen uint64) {
	c.finish(gen, StateCompleted)
}

// Fail marks send gen errored.
func (c *Controller) Fail(gen uint64) {
	c.finish(gen, StateErrored)
}

// Cancel aborts the active send: its context is cancelled and its state
// becomes cancelled. Calling Cancel with no active send is a no-op, as is
// calling it twice.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSending && c.state != StateStreaming {
		return
	}
	c.state = StateCancelled
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Cancelled reports whether send gen ended by cancellation.
func (c *Controller) Cancelled(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && c.state == StateCancelled
}

func (c *Controller) finish(gen uint64, terminal SendState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	if c.state != StateSending && c.state != StateStreaming {
		return
	}
	c.state = terminal
	if c.cancel != nil {
		// Release the context's resources; the send is over.
		c.cancel()
		c.cancel = nil
	}
}

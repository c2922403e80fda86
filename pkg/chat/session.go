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
	"fmt"
	"sync"

	"github.com/laorent/ether/pkg/stream"
	"github.com/laorent/ether/services/relay/datatypes"
)

// =============================================================================
// Chat Session
// =============================================================================

// StreamError is a failure surfaced to the user as a notification: the
// relay rejected the request, the stream reported an error frame, or the
// transport dropped mid-stream. Cancellation never produces one.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Session owns one conversation: the transcript, the send controller, and
// the relay client. It is the single writer of transcript state.
//
// # Description
//
// Send runs a full turn: append the user message, create the pending model
// message, stream events from the relay, and fold each one into the
// transcript. The observer callback fires after every transcript change so
// a UI can re-render. Cancel aborts the in-flight send; the partial model
// text already received stays in the transcript.
//
// Safe for concurrent use; Send itself is single-flight (a second Send
// while one is active fails with ErrSendInFlight).
type Session struct {
	client     Client
	controller *Controller

	mu         sync.Mutex
	transcript Transcript
	observer   func(Transcript)
}

// NewSession creates a session backed by the given relay client. observer
// may be nil.
func NewSession(client Client, observer func(Transcript)) *Session {
	return &Session{
		client:     client,
		controller: NewController(),
		observer:   observer,
	}
}

// Transcript returns a snapshot of the current transcript.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// State returns the send controller's current phase.
func (s *Session) State() SendState {
	return s.controller.State()
}

// Cancel aborts the in-flight send, if any.
func (s *Session) Cancel() {
	s.controller.Cancel()
}

// Send runs one chat turn to completion.
//
// Returns nil on success and on cancellation (a deliberate abort is not a
// failure). Returns ErrSendInFlight if a send is already active, and a
// *StreamError for anything the user should see as a failure; in that case
// the pending model message has been removed from the transcript.
func (s *Session) Send(ctx context.Context, parts []datatypes.MessagePart) error {
	sendCtx, gen, err := s.controller.Begin(ctx)
	if err != nil {
		return err
	}

	s.update(func(t Transcript) Transcript {
		return BeginModelTurn(AppendUser(t, parts))
	})

	req := datatypes.ChatRequest{
		History:  s.historyForRequest(),
		NewParts: parts,
	}

	sawFirstEvent := false
	streamErr := s.client.StreamChat(sendCtx, req, func(event stream.Event) error {
		if !sawFirstEvent {
			sawFirstEvent = true
			s.controller.StartStreaming(gen)
		}
		if !s.controller.ShouldApply(gen) {
			return nil
		}
		if event.Kind == stream.EventError {
			// Folded below via the error path so removal and failure
			// reporting stay together.
			return &StreamError{Message: event.Message}
		}
		s.update(func(t Transcript) Transcript {
			return Reduce(t, event)
		})
		return nil
	})

	switch {
	case streamErr == nil:
		s.controller.Complete(gen)
		s.update(Finalize)
		return nil

	case s.controller.Cancelled(gen) || errors.Is(streamErr, context.Canceled):
		s.controller.Cancel()
		s.update(KeepPending)
		return nil

	default:
		s.controller.Fail(gen)
		s.update(DiscardPending)
		var se *StreamError
		if errors.As(streamErr, &se) {
			return se
		}
		var apiErr *APIError
		if errors.As(streamErr, &apiErr) {
			return &StreamError{Message: apiErr.Message}
		}
		return &StreamError{Message: fmt.Sprintf("stream failed: %v", streamErr)}
	}
}

// historyForRequest returns the turns to send as history: everything
// before the optimistic user turn and pending placeholder just appended.
func (s *Session) historyForRequest() []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.transcript.Messages)
	if n < 2 {
		return nil
	}
	return append([]datatypes.Message(nil), s.transcript.Messages[:n-2]...)
}

// update applies a transition under the lock and notifies the observer.
func (s *Session) update(fn func(Transcript) Transcript) {
	s.mu.Lock()
	s.transcript = fn(s.transcript)
	snapshot := s.transcript
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(snapshot)
	}
}

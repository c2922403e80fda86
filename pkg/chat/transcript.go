// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat implements the client side of the relay's chat API: the
// transcript reducer that folds stream events into an ordered message
// list, the send controller that serializes sends and owns cancellation,
// and the HTTP client that talks to the relay.
package chat

import (
	"github.com/laorent/ether/pkg/stream"
	"github.com/laorent/ether/services/relay/datatypes"
)

// =============================================================================
// Transcript State
// =============================================================================

// Transcript is the ordered message history plus the identity of the model
// message currently accumulating stream events, if any.
//
// # Description
//
// Transcript values are immutable: every transition function returns a new
// value and shares no mutable structure with its input, so a caller can
// hold the previous state for comparison or rollback. Messages are
// append-only; only the pending model message is ever modified, and only
// through Reduce.
//
// # Fields
//
//   - Messages: the turns, in creation order.
//   - PendingID: ID of the model message a stream is feeding, or "" when
//     no stream is active.
type Transcript struct {
	Messages  []datatypes.Message
	PendingID string
}

// Pending returns the pending model message, or false when none is active.
func (t Transcript) Pending() (datatypes.Message, bool) {
	if t.PendingID == "" {
		return datatypes.Message{}, false
	}
	for _, msg := range t.Messages {
		if msg.ID == t.PendingID {
			return msg, true
		}
	}
	return datatypes.Message{}, false
}

// cloneMessages deep-copies the parts and citations of every message so a
// transition can mutate its copy freely.
func cloneMessages(msgs []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		out[i].Parts = append([]datatypes.MessagePart(nil), msg.Parts...)
		if msg.Citations != nil {
			out[i].Citations = append([]datatypes.Citation(nil), msg.Citations...)
		}
	}
	return out
}

// =============================================================================
// Transitions
// =============================================================================

// AppendUser returns the transcript with a new user turn appended.
func AppendUser(t Transcript, parts []datatypes.MessagePart) Transcript {
	msgs := cloneMessages(t.Messages)
	return Transcript{
		Messages:  append(msgs, datatypes.NewUserMessage(parts)),
		PendingID: t.PendingID,
	}
}

// BeginModelTurn appends an empty model message and marks it pending.
// Callers must ensure no other turn is pending; the send controller
// enforces single-flight.
func BeginModelTurn(t Transcript) Transcript {
	msg := datatypes.NewModelMessage()
	return Transcript{
		Messages:  append(cloneMessages(t.Messages), msg),
		PendingID: msg.ID,
	}
}

// Reduce folds one decoded stream event into the transcript. Pure: the
// input transcript is never modified.
//
//   - text: appended to the pending message's text part.
//   - citations: written to the pending message once; the turn is final
//     and no longer pending. A duplicate citations event is ignored
//     (first write wins).
//   - error: the pending message is removed entirely, discarding any
//     partial text. The caller surfaces the failure separately.
//
// Events arriving with no pending message are dropped unchanged; the
// controller stops delivery after cancellation, but a frame already in
// flight can still reach the reducer.
func Reduce(t Transcript, event stream.Event) Transcript {
	idx := pendingIndex(t)
	if idx < 0 {
		return t
	}

	switch event.Kind {
	case stream.EventText:
		msgs := cloneMessages(t.Messages)
		msgs[idx].Parts[0].Text += event.Text
		return Transcript{Messages: msgs, PendingID: t.PendingID}

	case stream.EventCitations:
		msgs := cloneMessages(t.Messages)
		if msgs[idx].Citations == nil {
			citations := event.Citations
			if citations == nil {
				citations = []datatypes.Citation{}
			}
			msgs[idx].Citations = citations
		}
		return Transcript{Messages: msgs}

	case stream.EventError:
		msgs := cloneMessages(t.Messages)
		msgs = append(msgs[:idx], msgs[idx+1:]...)
		return Transcript{Messages: msgs}

	default:
		return t
	}
}

// Finalize marks the pending turn as complete without further mutation.
// Used when the stream closes cleanly with no citations frame.
func Finalize(t Transcript) Transcript {
	return Transcript{Messages: cloneMessages(t.Messages)}
}

// DiscardPending removes the pending model message, keeping the rest of
// the transcript. Used for pre-stream failures after an optimistic turn
// was already created.
func DiscardPending(t Transcript) Transcript {
	idx := pendingIndex(t)
	if idx < 0 {
		return Finalize(t)
	}
	msgs := cloneMessages(t.Messages)
	return Transcript{Messages: append(msgs[:idx], msgs[idx+1:]...)}
}

// KeepPending finalizes the pending message with whatever partial text it
// holds. This is the cancellation path: a deliberate abort keeps the
// partial turn, unlike the error path which removes it. A pending message
// that never received a token is removed rather than left empty.
func KeepPending(t Transcript) Transcript {
	idx := pendingIndex(t)
	if idx < 0 {
		return Finalize(t)
	}
	if t.Messages[idx].Parts[0].Text == "" {
		return DiscardPending(t)
	}
	return Finalize(t)
}

func pendingIndex(t Transcript) int {
	if t.PendingID == "" {
		return -1
	}
	for i, msg := range t.Messages {
		if msg.ID == t.PendingID {
			return i
		}
	}
	return -1
}

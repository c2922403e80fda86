// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream implements the relay's event-stream wire format: the frame
// codec shared by the server-side writer and the client-side parser.
//
// The wire format is Server-Sent Events restricted to data frames. Each
// frame is a single line
//
//	data: <json>\n\n
//
// where the JSON payload is exactly one of three shapes:
//
//	{"text": "token"}             incremental text delta
//	{"citations": [...]}          terminal grounding metadata
//	{"error": "message"}          terminal stream failure
//
// Comment lines (": ping") are keepalives and carry no event. Frames are
// decoded once into an explicit tagged union (Event) at the codec boundary;
// everything downstream switches on Event.Kind rather than re-inspecting
// JSON fields.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/laorent/ether/services/relay/datatypes"
)

// =============================================================================
// Event Union
// =============================================================================

// EventKind discriminates the variants of Event.
type EventKind string

const (
	// EventText is an incremental text delta. Zero or more per stream.
	EventText EventKind = "text"

	// EventCitations carries grounding metadata. At most one per stream,
	// after the final text event.
	EventCitations EventKind = "citations"

	// EventError reports a mid-stream failure. Terminal.
	EventError EventKind = "error"
)

// Event is one decoded frame of the chat event stream.
//
// Exactly one payload field is meaningful, selected by Kind: Text for
// EventText, Citations for EventCitations, Message for EventError.
type Event struct {
	Kind      EventKind
	Text      string
	Citations []datatypes.Citation
	Message   string
}

// IsTerminal reports whether no further events follow this one.
func (e Event) IsTerminal() bool {
	return e.Kind == EventCitations || e.Kind == EventError
}

// =============================================================================
// Frame Decoding
// =============================================================================

// framePayload mirrors the wire JSON for decoding. Pointer and slice
// fields distinguish absent from empty: `"citations":[]` is a present,
// valid citations event, while a payload without the key is not.
type framePayload struct {
	Text      *string              `json:"text"`
	Citations []datatypes.Citation `json:"citations"`
	Error     *string              `json:"error"`
}

// DecodeEvent parses one frame payload (the JSON after "data: ") into an
// Event. When more than one variant key is present, error wins over
// citations wins over text; a payload with none of the keys is malformed.
func DecodeEvent(payload []byte) (Event, error) {
	var raw framePayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("malformed frame payload: %w", err)
	}
	switch {
	case raw.Error != nil:
		return Event{Kind: EventError, Message: *raw.Error}, nil
	case raw.Citations != nil:
		return Event{Kind: EventCitations, Citations: raw.Citations}, nil
	case raw.Text != nil:
		return Event{Kind: EventText, Text: *raw.Text}, nil
	default:
		return Event{}, fmt.Errorf("frame payload has no recognized variant")
	}
}

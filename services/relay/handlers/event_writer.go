// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/laorent/ether/services/relay/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EventWriter defines the contract for writing chat event frames to an
// HTTP response.
//
// # Description
//
// EventWriter abstracts frame serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the wire format (data: json\n\n) internally. The stream carries
// only data frames; clients discriminate by payload shape, not by SSE
// event names.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the handler's keepalive
// goroutine writes concurrently with the token loop.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter
//   - Response headers must be set before the first write
//
// # Assumptions
//
//   - Caller has set headers via SetStreamHeaders before writing
type EventWriter interface {
	// WriteText writes one incremental text frame: {"text": token}.
	// Flushes immediately; each token is sent as its own frame with no
	// batching so perceived typing latency stays low.
	WriteText(token string) error

	// WriteCitations writes the terminal citations frame:
	// {"citations": [...]}. An empty (non-nil) set serializes as
	// {"citations":[]}. Should be called at most once, after the final
	// text frame.
	WriteCitations(citations []datatypes.Citation) error

	// WriteError writes the terminal error frame: {"error": message}.
	// The message must already be sanitized; internal details never
	// cross the wire. The stream is closed after this frame.
	WriteError(message string) error

	// WriteKeepAlive sends a comment line (": ping\n\n") to prevent
	// connection timeouts from load balancers during slow generations.
	// Comments carry no event and are ignored by the client parser.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// Per-variant wire shapes. Citations uses a bare (non-omitempty) slice so
// an empty set still serializes as an explicit key.
type textFrame struct {
	Text string `json:"text"`
}

type citationsFrame struct {
	Citations []datatypes.Citation `json:"citations"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// eventWriter implements EventWriter for HTTP event-stream responses.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher interface for immediate send
//   - mu: Mutex for thread-safe writes
//
// # Limitations
//
//   - Cannot be reused across requests
type eventWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewEventWriter creates an EventWriter for the given ResponseWriter.
//
// # Outputs
//
//   - EventWriter: Ready to write frames.
//   - error: Non-nil if the ResponseWriter doesn't support flushing.
func NewEventWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &eventWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteText implements EventWriter.
func (w *eventWriter) WriteText(token string) error {
	return w.writeFrame(textFrame{Text: token})
}

// WriteCitations implements EventWriter.
func (w *eventWriter) WriteCitations(citations []datatypes.Citation) error {
	if citations == nil {
		citations = []datatypes.Citation{}
	}
	return w.writeFrame(citationsFrame{Citations: citations})
}

// WriteError implements EventWriter.
func (w *eventWriter) WriteError(message string) error {
	return w.writeFrame(errorFrame{Error: message})
}

// WriteKeepAlive implements EventWriter.
func (w *eventWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// writeFrame serializes one payload and writes it as a data frame.
func (w *eventWriter) writeFrame(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures HTTP response headers for event streaming.
//
// # Description
//
// Sets the required headers:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ EventWriter = (*eventWriter)(nil)

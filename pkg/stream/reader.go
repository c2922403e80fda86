// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// =============================================================================
// Stream Reader
// =============================================================================

// readChunkSize is the transport read granularity. Deliberately small so
// frame reassembly in Parser is exercised, not bypassed.
const readChunkSize = 4 * 1024

// EventCallback receives each decoded event in arrival order. Returning an
// error stops the read and propagates the error to the caller.
type EventCallback func(event Event) error

// Reader drains an event-stream response body, decoding frames and
// delivering typed events to a callback.
//
// # Description
//
// Read pulls raw chunks from r, feeds them through a Parser, and invokes
// the callback once per decoded event, in order. It returns when:
//
//   - a terminal event (citations or error) has been delivered,
//   - the body reaches EOF (normal completion has no sentinel frame),
//   - the context is cancelled,
//   - the callback returns an error, or
//   - a read or parse failure occurs.
//
// A transport failure without a clean close is reported as an error; the
// caller treats it like a mid-stream error event. Context cancellation is
// reported as ctx.Err() so callers can distinguish deliberate abort from
// failure.
type Reader interface {
	Read(ctx context.Context, r io.Reader, callback EventCallback) error
}

// streamReader is the default Reader implementation.
type streamReader struct{}

// NewReader creates a Reader.
func NewReader() Reader {
	return &streamReader{}
}

// Read implements Reader.
func (sr *streamReader) Read(ctx context.Context, r io.Reader, callback EventCallback) error {
	parser := NewParser()
	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			events, parseErr := parser.Feed(buf[:n])
			for _, event := range events {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := callback(event); err != nil {
					return err
				}
				if event.IsTerminal() {
					return nil
				}
			}
			if parseErr != nil {
				return parseErr
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				// Clean close. Completion is signalled by end of body.
				return nil
			}
			if err := ctx.Err(); err != nil {
				// A cancelled fetch surfaces as a read error on the
				// body; report the cancellation, not the transport.
				return err
			}
			return fmt.Errorf("stream read failed: %w", readErr)
		}
	}
}

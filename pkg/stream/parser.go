// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bytes"
	"errors"
)

// =============================================================================
// Incremental Frame Parser
// =============================================================================

// MaxBufferBytes bounds the parser's internal buffer. A peer that never
// terminates a frame cannot grow client memory past this limit.
const MaxBufferBytes = 1 << 20 // 1MB

// ErrBufferLimit is returned by Feed when the retained buffer would exceed
// MaxBufferBytes. The parser is unusable for the rest of the stream.
var ErrBufferLimit = errors.New("stream: frame buffer limit exceeded")

// frameDelim terminates a frame on the wire.
var frameDelim = []byte("\n\n")

// dataPrefix introduces a frame's payload line.
var dataPrefix = []byte("data: ")

// Parser reassembles event-stream frames from arbitrarily chunked input.
//
// # Description
//
// Transport chunk boundaries carry no meaning: a frame may arrive split
// across many chunks, and one chunk may carry many frames. Feed appends
// the chunk to an internal buffer, emits every complete frame in order,
// and retains any trailing partial frame for the next call. The sequence
// of emitted events for a given byte stream is identical for every
// possible chunking of that stream.
//
// A data frame whose payload fails to decode is not skipped: it is
// retained in the buffer along with everything after it, so a frame split
// mid-JSON is simply completed by later chunks. Comment frames (": ...")
// and lines without the data prefix are consumed and emit nothing.
//
// # Limitations
//
// A parser is single-stream and not safe for concurrent use. After Feed
// returns ErrBufferLimit the parser must be discarded.
type Parser struct {
	buf    []byte
	failed bool
}

// NewParser returns a parser ready for the first chunk of a stream.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one transport chunk and returns the events completed by it,
// in wire order. An empty chunk is a no-op.
//
// Feed returns ErrBufferLimit when retained bytes would exceed
// MaxBufferBytes; any events completed before the limit was hit are
// returned alongside the error.
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	if p.failed {
		return nil, ErrBufferLimit
	}
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.Index(p.buf, frameDelim)
		if idx < 0 {
			break
		}
		frame := p.buf[:idx]
		rest := p.buf[idx+len(frameDelim):]

		event, ok, err := decodeFrame(frame)
		if err != nil {
			// Retain the frame: it may be completed into valid JSON
			// by bytes that have not arrived yet.
			break
		}
		p.buf = rest
		if ok {
			events = append(events, event)
		}
	}

	if len(p.buf) > MaxBufferBytes {
		p.failed = true
		p.buf = nil
		return events, ErrBufferLimit
	}
	// Drop the backing array once fully consumed so a long stream of
	// complete frames does not pin a growing allocation.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events, nil
}

// decodeFrame parses one delimiter-terminated frame. ok is false for
// frames that are valid but carry no event (comments, blank frames).
func decodeFrame(frame []byte) (Event, bool, error) {
	line := bytes.TrimRight(frame, "\r")
	if len(line) == 0 {
		return Event{}, false, nil
	}
	if line[0] == ':' {
		// Keepalive comment.
		return Event{}, false, nil
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		// Not a data frame. Discard rather than retain: unlike a JSON
		// decode failure, later bytes cannot turn it into one.
		return Event{}, false, nil
	}
	event, err := DecodeEvent(line[len(dataPrefix):])
	if err != nil {
		return Event{}, false, err
	}
	return event, true, nil
}

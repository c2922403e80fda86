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
	"strings"
	"testing"
)

// errAfterReader yields its payload, then fails instead of closing cleanly.
type errAfterReader struct {
	r   io.Reader
	err error
}

func (e *errAfterReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, e.err
	}
	return n, err
}

func TestReaderDeliversEventsInOrder(t *testing.T) {
	body := "data: {\"text\":\"He\"}\n\ndata: {\"text\":\"llo!\"}\n\ndata: {\"citations\":[]}\n\n"

	var got []Event
	err := NewReader().Read(context.Background(), strings.NewReader(body), func(event Event) error {
		got = append(got, event)
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Text != "He" || got[1].Text != "llo!" || got[2].Kind != EventCitations {
		t.Errorf("unexpected event sequence: %+v", got)
	}
}

func TestReaderStopsAtTerminalEvent(t *testing.T) {
	// Events after a terminal frame must not be delivered.
	body := "data: {\"error\":\"boom\"}\n\ndata: {\"text\":\"late\"}\n\n"

	var got []Event
	err := NewReader().Read(context.Background(), strings.NewReader(body), func(event Event) error {
		got = append(got, event)
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 1 || got[0].Kind != EventError {
		t.Errorf("expected only the terminal event, got %+v", got)
	}
}

func TestReaderCleanEOFWithoutTerminal(t *testing.T) {
	body := "data: {\"text\":\"partial\"}\n\n"
	err := NewReader().Read(context.Background(), strings.NewReader(body), func(Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected clean completion on EOF, got %v", err)
	}
}

func TestReaderTransportFailure(t *testing.T) {
	transportErr := fmt.Errorf("connection reset")
	r := &errAfterReader{r: strings.NewReader("data: {\"text\":\"a\"}\n\n"), err: transportErr}

	var got []Event
	err := NewReader().Read(context.Background(), r, func(event Event) error {
		got = append(got, event)
		return nil
	})
	if err == nil || !errors.Is(err, transportErr) {
		t.Fatalf("expected transport error to propagate, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected events before the failure to be delivered, got %+v", got)
	}
}

func TestReaderContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	body := "data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\n"
	var got []Event
	err := NewReader().Read(ctx, strings.NewReader(body), func(event Event) error {
		got = append(got, event)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected no events applied after cancellation, got %+v", got)
	}
}

func TestReaderCallbackErrorStopsRead(t *testing.T) {
	callbackErr := errors.New("stop")
	body := "data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\n"

	calls := 0
	err := NewReader().Read(context.Background(), strings.NewReader(body), func(Event) error {
		calls++
		return callbackErr
	})
	if !errors.Is(err, callbackErr) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected read to stop after first callback error, got %d calls", calls)
	}
}

func TestReaderBufferLimitFatal(t *testing.T) {
	body := strings.Repeat("x", MaxBufferBytes+1)
	err := NewReader().Read(context.Background(), strings.NewReader(body), func(Event) error {
		return nil
	})
	if !errors.Is(err, ErrBufferLimit) {
		t.Fatalf("expected ErrBufferLimit, got %v", err)
	}
}

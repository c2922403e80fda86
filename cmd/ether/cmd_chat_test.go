// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/laorent/ether/pkg/chat"
	"github.com/laorent/ether/pkg/logging"
	"github.com/laorent/ether/pkg/stream"
	"github.com/laorent/ether/services/relay/datatypes"
)

// stubRelayClient implements chat.Client for loop tests.
type stubRelayClient struct {
	protected bool
	password  string
	events    []stream.Event
	streamErr error

	mu       sync.Mutex
	requests []datatypes.ChatRequest
}

func (c *stubRelayClient) StreamChat(ctx context.Context, req datatypes.ChatRequest, callback stream.EventCallback) error {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	for _, ev := range c.events {
		if err := callback(ev); err != nil {
			return err
		}
	}
	return c.streamErr
}

func (c *stubRelayClient) AccessStatus(ctx context.Context) (datatypes.AccessStatusResponse, error) {
	return datatypes.AccessStatusResponse{IsPasswordProtected: c.protected}, nil
}

func (c *stubRelayClient) VerifyAccess(ctx context.Context, password string) (bool, error) {
	return password == c.password, nil
}

func (c *stubRelayClient) recorded() []datatypes.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datatypes.ChatRequest(nil), c.requests...)
}

func newTestLoop(client chat.Client, inputs []string) (*chatLoop, *bytes.Buffer) {
	var out bytes.Buffer
	logger := logging.New(logging.Config{Quiet: true})
	return newChatLoop(client, NewMockInputReader(inputs), &out, logger), &out
}

func TestChatLoop_ExitImmediately(t *testing.T) {
	loop, out := newTestLoop(&stubRelayClient{}, []string{"exit"})

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if !strings.Contains(out.String(), "ether chat") {
		t.Errorf("expected banner in output, got: %s", out.String())
	}
}

func TestChatLoop_EOFExits(t *testing.T) {
	loop, _ := newTestLoop(&stubRelayClient{}, nil)

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run should treat EOF as clean exit, got: %v", err)
	}
}

func TestChatLoop_StreamsResponse(t *testing.T) {
	client := &stubRelayClient{
		events: []stream.Event{
			{Kind: stream.EventText, Text: "The ionosphere "},
			{Kind: stream.EventText, Text: "reflects radio waves."},
			{Kind: stream.EventCitations, Citations: []datatypes.Citation{
				{StartIndex: 0, EndIndex: 10, URI: "https://example.com/iono", Title: "Ionosphere"},
			}},
		},
	}
	loop, out := newTestLoop(client, []string{"tell me about the sky", "exit"})

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "The ionosphere reflects radio waves.") {
		t.Errorf("streamed text missing from output: %s", got)
	}
	if !strings.Contains(got, "Sources:") || !strings.Contains(got, "Ionosphere") {
		t.Errorf("citations missing from output: %s", got)
	}

	reqs := client.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if len(reqs[0].NewParts) != 1 || reqs[0].NewParts[0].Text != "tell me about the sky" {
		t.Errorf("unexpected request parts: %+v", reqs[0].NewParts)
	}
}

func TestChatLoop_SecondTurnCarriesHistory(t *testing.T) {
	client := &stubRelayClient{
		events: []stream.Event{
			{Kind: stream.EventText, Text: "answer"},
			{Kind: stream.EventCitations, Citations: []datatypes.Citation{}},
		},
	}
	loop, _ := newTestLoop(client, []string{"first", "second", "exit"})

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	reqs := client.recorded()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if len(reqs[0].History) != 0 {
		t.Errorf("first request should have empty history, got %d messages", len(reqs[0].History))
	}
	if len(reqs[1].History) != 2 {
		t.Fatalf("second request should carry user+model history, got %d messages", len(reqs[1].History))
	}
	if reqs[1].History[0].Role != datatypes.RoleUser || reqs[1].History[1].Role != datatypes.RoleModel {
		t.Errorf("history roles wrong: %s, %s", reqs[1].History[0].Role, reqs[1].History[1].Role)
	}
}

func TestChatLoop_StreamErrorReported(t *testing.T) {
	client := &stubRelayClient{
		events: []stream.Event{
			{Kind: stream.EventError, Message: "The response could not be completed. Please try again."},
		},
	}
	loop, out := newTestLoop(client, []string{"hello", "exit"})

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("a failed send should not end the loop: %v", err)
	}
	if !strings.Contains(out.String(), "could not be completed") {
		t.Errorf("error message missing from output: %s", out.String())
	}

	// The failed turn leaves no model message behind.
	transcript := loop.session.Transcript()
	if len(transcript.Messages) != 1 {
		t.Errorf("expected only the user message, got %d messages", len(transcript.Messages))
	}
}

func TestChatLoop_PasswordGate(t *testing.T) {
	client := &stubRelayClient{protected: true, password: "open-sesame"}
	loop, out := newTestLoop(client, []string{"wrong", "open-sesame", "exit"})

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Wrong password.") {
		t.Errorf("expected wrong-password notice: %s", got)
	}
	if !strings.Contains(got, "Access granted.") {
		t.Errorf("expected access granted: %s", got)
	}
}

func TestChatLoop_PasswordGateExhausted(t *testing.T) {
	client := &stubRelayClient{protected: true, password: "right"}
	loop, _ := newTestLoop(client, []string{"a", "b", "c"})

	err := loop.run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected access denied error, got: %v", err)
	}
}

func TestChatLoop_AttachImage(t *testing.T) {
	// Minimal PNG header is enough; the loop validates size and type only.
	raw := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	path := filepath.Join(t.TempDir(), "sky.png")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	client := &stubRelayClient{
		events: []stream.Event{
			{Kind: stream.EventText, Text: "a picture"},
			{Kind: stream.EventCitations, Citations: []datatypes.Citation{}},
		},
	}
	loop, out := newTestLoop(client, []string{"/image " + path, "what is this?", "exit"})

	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if !strings.Contains(out.String(), "Attached sky.png") {
		t.Errorf("expected attach confirmation: %s", out.String())
	}

	reqs := client.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	parts := reqs[0].NewParts
	if len(parts) != 2 {
		t.Fatalf("expected image+text parts, got %d", len(parts))
	}
	if parts[0].Type != datatypes.PartTypeImage || parts[0].MimeType != "image/png" {
		t.Errorf("first part should be the png image: %+v", parts[0])
	}
	if parts[0].Data != base64.StdEncoding.EncodeToString(raw) {
		t.Error("image data not base64 of file contents")
	}
	if parts[1].Type != datatypes.PartTypeText || parts[1].Text != "what is this?" {
		t.Errorf("second part should be the text: %+v", parts[1])
	}
}

func TestChatLoop_AttachImage_UnsupportedType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	loop, out := newTestLoop(&stubRelayClient{}, []string{"/image " + path, "exit"})
	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if !strings.Contains(out.String(), "unsupported image type") {
		t.Errorf("expected unsupported type notice: %s", out.String())
	}
	if len(loop.pendingParts) != 0 {
		t.Error("rejected attachment should not be staged")
	}
}

func TestChatLoop_UnknownCommand(t *testing.T) {
	loop, out := newTestLoop(&stubRelayClient{}, []string{"/frobnicate", "exit"})
	if err := loop.run(context.Background()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("expected unknown-command notice: %s", out.String())
	}
}

func TestStreamPrinter_DeltasOnly(t *testing.T) {
	var out bytes.Buffer
	printer := &streamPrinter{out: &out}

	transcript := chat.BeginModelTurn(chat.Transcript{})
	transcript = chat.Reduce(transcript, stream.Event{Kind: stream.EventText, Text: "Hel"})
	printer.Observe(transcript)
	transcript = chat.Reduce(transcript, stream.Event{Kind: stream.EventText, Text: "lo"})
	printer.Observe(transcript)
	printer.Finish()

	if out.String() != "Hello\n" {
		t.Errorf("output = %q, want %q", out.String(), "Hello\n")
	}
}

func TestStreamPrinter_FinishWithoutOutput(t *testing.T) {
	var out bytes.Buffer
	printer := &streamPrinter{out: &out}
	printer.Finish()

	if out.Len() != 0 {
		t.Errorf("Finish with nothing printed wrote %q", out.String())
	}
}

func TestMockInputReader_EOF(t *testing.T) {
	r := NewMockInputReader([]string{"one"})
	if line, err := r.ReadLine(); err != nil || line != "one" {
		t.Fatalf("ReadLine = %q, %v", line, err)
	}
	if _, err := r.ReadLine(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestIsExitCommand(t *testing.T) {
	for _, in := range []string{"exit", "quit"} {
		if !isExitCommand(in) {
			t.Errorf("isExitCommand(%q) = false", in)
		}
	}
	for _, in := range []string{"EXIT", "hello", ""} {
		if isExitCommand(in) {
			t.Errorf("isExitCommand(%q) = true", in)
		}
	}
}

func TestImageMimeType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.jpg", "image/jpeg"},
		{"a.JPEG", "image/jpeg"},
		{"b.png", "image/png"},
		{"c.webp", "image/webp"},
		{"d.gif", "image/gif"},
		{"e.bmp", ""},
		{"noext", ""},
	}
	for _, tt := range tests {
		if got := imageMimeType(tt.path); got != tt.want {
			t.Errorf("imageMimeType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

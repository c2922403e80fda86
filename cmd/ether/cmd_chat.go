// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/laorent/ether/pkg/chat"
	"github.com/laorent/ether/pkg/logging"
	"github.com/laorent/ether/services/relay/datatypes"
)

// maxAccessAttempts bounds password prompts before giving up.
const maxAccessAttempts = 3

func runChatCommand(cmd *cobra.Command, args []string) {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "cli",
		Quiet:   !verbose && logDir != "", // File-only unless verbose
	})
	defer logger.Close()

	loop := newChatLoop(chat.NewClient(relayURL), NewStdinReader(), os.Stdout, logger)

	// First Ctrl-C cancels the in-flight send; a second one exits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if !loop.interrupt() {
				cancel()
				return
			}
		}
	}()

	if err := loop.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, Styles.Error.Render(fmt.Sprintf("chat error: %v", err)))
		os.Exit(1)
	}
}

// =============================================================================
// Chat Loop
// =============================================================================

// chatLoop drives one interactive session: the access gate, the
// read-send-render cycle, and the /image attachment command.
type chatLoop struct {
	client  chat.Client
	session *chat.Session
	input   InputReader
	out     io.Writer
	logger  *logging.Logger
	printer *streamPrinter

	// sessionID identifies this run in logs and the banner. A new one is
	// minted per run; nothing is persisted across sessions.
	sessionID string

	// pendingParts accumulates /image attachments for the next send.
	pendingParts []datatypes.MessagePart
}

func newChatLoop(client chat.Client, input InputReader, out io.Writer, logger *logging.Logger) *chatLoop {
	printer := &streamPrinter{out: out}
	sessionID := "session-" + uuid.New().String()
	return &chatLoop{
		client:    client,
		session:   chat.NewSession(client, printer.Observe),
		input:     input,
		out:       out,
		logger:    logger.With("session_id", sessionID),
		printer:   printer,
		sessionID: sessionID,
	}
}

// interrupt cancels the in-flight send, if any. Returns false when
// nothing was in flight, meaning the caller should exit instead.
func (l *chatLoop) interrupt() bool {
	switch l.session.State() {
	case chat.StateSending, chat.StateStreaming:
		fmt.Fprintln(l.out, Styles.Muted.Render("\n(cancelled)"))
		l.session.Cancel()
		return true
	default:
		return false
	}
}

// run executes the chat loop until exit, EOF, or context cancellation.
func (l *chatLoop) run(ctx context.Context) error {
	fmt.Fprintln(l.out, Styles.Title.Render("ether chat"), Styles.Muted.Render(l.sessionID))
	fmt.Fprintln(l.out, Styles.Muted.Render("Type a message, /image <path> to attach, exit to quit."))

	if err := l.ensureAccess(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Fprint(l.out, Styles.Prompt.Render("> "))
		line, err := l.input.ReadLine()
		if err == io.EOF {
			fmt.Fprintln(l.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		switch {
		case line == "":
			continue
		case isExitCommand(line):
			return nil
		case strings.HasPrefix(line, "/image "):
			l.attachImage(strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Fprintln(l.out, Styles.Warning.Render(fmt.Sprintf("unknown command %q", line)))
			continue
		}

		l.sendTurn(ctx, line)
	}
}

// ensureAccess checks the relay's password gate and prompts for the
// access password when the deployment is protected.
func (l *chatLoop) ensureAccess(ctx context.Context) error {
	status, err := l.client.AccessStatus(ctx)
	if err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	if !status.IsPasswordProtected {
		return nil
	}

	for attempt := 1; attempt <= maxAccessAttempts; attempt++ {
		fmt.Fprint(l.out, Styles.Prompt.Render("Access password: "))
		password, err := l.input.ReadLine()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		ok, err := l.client.VerifyAccess(ctx, password)
		if err != nil {
			return fmt.Errorf("access check failed: %w", err)
		}
		if ok {
			fmt.Fprintln(l.out, Styles.Success.Render("Access granted."))
			return nil
		}
		l.logger.Warn("access denied", "attempt", attempt)
		fmt.Fprintln(l.out, Styles.Error.Render("Wrong password."))
	}
	return fmt.Errorf("access denied after %d attempts", maxAccessAttempts)
}

// attachImage stages an image file as a part of the next message.
func (l *chatLoop) attachImage(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(l.out, Styles.Error.Render(fmt.Sprintf("cannot read %s: %v", path, err)))
		return
	}

	mimeType := imageMimeType(path)
	if !datatypes.AllowedImageType(mimeType) {
		fmt.Fprintln(l.out, Styles.Error.Render(fmt.Sprintf("unsupported image type %q", mimeType)))
		return
	}
	if len(data) > datatypes.MaxImagePartBytes {
		fmt.Fprintln(l.out, Styles.Error.Render(fmt.Sprintf("image exceeds %d bytes", datatypes.MaxImagePartBytes)))
		return
	}

	part := datatypes.NewImagePart(mimeType, base64.StdEncoding.EncodeToString(data))
	l.pendingParts = append(l.pendingParts, part)
	fmt.Fprintln(l.out, Styles.Success.Render(fmt.Sprintf("Attached %s (%d bytes)", filepath.Base(path), len(data))))
}

// sendTurn runs one send and renders the outcome.
func (l *chatLoop) sendTurn(ctx context.Context, text string) {
	parts := append(l.pendingParts, datatypes.NewTextPart(text))
	l.pendingParts = nil

	err := l.session.Send(ctx, parts)
	l.printer.Finish()

	switch {
	case err == nil:
		l.renderCitations()
	case errors.Is(err, chat.ErrSendInFlight):
		fmt.Fprintln(l.out, Styles.Warning.Render("A send is already in progress."))
	default:
		l.logger.Error("send failed", "error", err)
		fmt.Fprintln(l.out, Styles.Error.Render(err.Error()))
	}
}

// renderCitations prints the sources of the last completed model turn.
func (l *chatLoop) renderCitations() {
	transcript := l.session.Transcript()
	if len(transcript.Messages) == 0 {
		return
	}
	last := transcript.Messages[len(transcript.Messages)-1]
	if last.Role != datatypes.RoleModel || len(last.Citations) == 0 {
		return
	}

	fmt.Fprintln(l.out, Styles.Muted.Render("Sources:"))
	for i, c := range last.Citations {
		label := c.Title
		if label == "" {
			label = c.URI
		}
		fmt.Fprintln(l.out, Styles.Citation.Render(fmt.Sprintf("  %d. %s", i+1, label)))
		if c.Title != "" && c.URI != "" {
			fmt.Fprintln(l.out, Styles.Muted.Render("     "+c.URI))
		}
	}
}

// imageMimeType maps a file extension to its image MIME type.
func imageMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return ""
	}
}

// =============================================================================
// Stream Printer
// =============================================================================

// streamPrinter renders streaming model text incrementally. It observes
// transcript snapshots and writes only the bytes not yet printed for
// the current pending message.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	pending string
	printed int
	wrote   bool
}

// Observe is the session observer callback.
func (p *streamPrinter) Observe(t chat.Transcript) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := t.Pending()
	if !ok {
		return
	}
	if msg.ID != p.pending {
		p.pending = msg.ID
		p.printed = 0
	}
	if len(msg.Parts) == 0 {
		return
	}
	text := msg.Parts[0].Text
	if len(text) > p.printed {
		fmt.Fprint(p.out, text[p.printed:])
		p.printed = len(text)
		p.wrote = true
	}
}

// Finish ends the streamed line after a send returns, if anything was
// printed, and resets for the next turn.
func (p *streamPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.wrote {
		fmt.Fprintln(p.out)
	}
	p.pending = ""
	p.printed = 0
	p.wrote = false
}

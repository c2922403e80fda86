// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the relay's HTTP handlers: the chat
// event-stream endpoint and the access gate.
package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/laorent/ether/services/gateway"
	"github.com/laorent/ether/services/relay/datatypes"
	"github.com/laorent/ether/services/relay/observability"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// gatewayErrorMessage is the sanitized error sent in a mid-stream
	// error frame. Internal Gateway details never cross the wire.
	gatewayErrorMessage = "The response could not be completed. Please try again."
)

// =============================================================================
// Interface Definition
// =============================================================================

// ChatStreamHandler defines the contract for the chat event-stream endpoint.
//
// # Description
//
// ChatStreamHandler abstracts the streaming chat endpoint, enabling
// different implementations and facilitating testing via mocks. The
// endpoint relays one Gateway stream per request as data frames over a
// single persistent response body.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines;
// HTTP handlers are called concurrently by Gin. Each request's stream is
// independent, with no shared mutable state across requests.
//
// # Assumptions
//
//   - All dependencies are properly initialized before handler use
//   - Client supports text/event-stream responses
type ChatStreamHandler interface {
	// HandleChatStream processes POST /api/chat requests.
	//
	// # Description
	//
	// The flow is:
	//  1. Parse and validate the request body
	//  2. Materialize each image part into a Gateway file reference
	//  3. Set stream headers and create the frame writer
	//  4. Start the keepalive heartbeat
	//  5. Open the Gateway stream; relay each token as a {text} frame
	//  6. Emit the terminal {citations} frame and close
	//
	// HTTP status (before streaming starts):
	//   - 400 Bad Request: invalid body or validation failure
	//   - 502 Bad Gateway: attachment materialization failure
	//   - 500 Internal Server Error: stream setup failure
	//
	// Failures after the first frame are emitted as a terminal {error}
	// frame; headers are already committed, so the transport status
	// cannot change. The response body is always closed exactly once.
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// chatStreamHandler implements ChatStreamHandler for production use.
//
// # Fields
//
//   - gatewayClient: Upstream streaming client. Must not be nil.
//   - materializer: Attachment materializer. Must not be nil.
//   - model: Model name for metrics labeling.
//   - tracer: OpenTelemetry tracer for distributed tracing.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type chatStreamHandler struct {
	gatewayClient gateway.Client
	materializer  gateway.Materializer
	model         string
	tracer        trace.Tracer
}

// =============================================================================
// Constructor
// =============================================================================

// NewChatStreamHandler creates a ChatStreamHandler with the provided
// dependencies. Panics if gatewayClient or materializer is nil
// (programming errors).
func NewChatStreamHandler(gatewayClient gateway.Client, materializer gateway.Materializer, model string) ChatStreamHandler {
	if gatewayClient == nil {
		panic("NewChatStreamHandler: gatewayClient must not be nil")
	}
	if materializer == nil {
		panic("NewChatStreamHandler: materializer must not be nil")
	}

	return &chatStreamHandler{
		gatewayClient: gatewayClient,
		materializer:  materializer,
		model:         model,
		tracer:        otel.Tracer("ether.relay.handlers.chat_stream"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream implements ChatStreamHandler.
func (h *chatStreamHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, duration, success)
		}
	}()

	// Step 1: Parse request body
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}

	span.SetAttributes(
		attribute.Int("request.history_count", len(req.History)),
		attribute.Int("request.new_part_count", len(req.NewParts)),
	)

	// Step 2: Validate request
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat request validation failed", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	}

	// Step 3: Materialize attachments before the Gateway call is opened.
	// One upload per image part; text parts are forwarded verbatim.
	history, err := h.buildTurns(ctx, req.History)
	if err != nil {
		h.rejectMaterialization(c, span, endpoint, err)
		return
	}
	newParts, err := h.buildParts(ctx, req.NewParts)
	if err != nil {
		h.rejectMaterialization(c, span, endpoint, err)
		return
	}

	h.stream(ctx, c, span, endpoint, startTime, history, newParts, &success)
}

// rejectMaterialization reports an attachment failure as a pre-stream
// HTTP error.
func (h *chatStreamHandler) rejectMaterialization(c *gin.Context, span trace.Span, endpoint observability.Endpoint, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "attachment materialization failed")
	slog.Error("Attachment materialization failed", "error", err)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, observability.ErrorCodeMaterializer)
	}
	c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: "attachment upload failed"})
}

// stream runs the event-stream phase: headers, heartbeat, token relay,
// terminal frame. The pre-stream error paths are behind us; any failure
// from here on is reported in-band.
func (h *chatStreamHandler) stream(
	ctx context.Context,
	c *gin.Context,
	span trace.Span,
	endpoint observability.Endpoint,
	startTime time.Time,
	history []gateway.Turn,
	newParts []gateway.Part,
	success *bool,
) {
	// Step 4: Set stream headers and create writer
	SetStreamHeaders(c.Writer)
	writer, err := NewEventWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream setup failed")
		slog.Error("Failed to create event writer", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
		return
	}

	// Step 5: Heartbeat goroutine to prevent connection timeouts
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	// Step 6: Relay tokens from the Gateway. Each token chunk becomes
	// one frame immediately; no batching.
	var tokenCount int32
	firstTokenTime := time.Time{}

	citations, streamErr := h.gatewayClient.StreamGenerate(ctx, history, newParts, func(token string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if firstTokenTime.IsZero() {
			firstTokenTime = time.Now()
		}
		atomic.AddInt32(&tokenCount, 1)
		return writer.WriteText(token)
	})

	close(heartbeatDone)

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "gateway streaming failed")
		span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))
		slog.Error("Gateway streaming failed",
			"error", streamErr,
			"tokenCount", tokenCount,
		)

		if errors.Is(streamErr, context.Canceled) {
			// Client abort is not a Gateway failure; closing without an
			// error frame keeps the two distinguishable downstream.
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(endpoint)
			}
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeGateway)
		}
		if err := writer.WriteError(gatewayErrorMessage); err != nil {
			slog.Error("Failed to write error frame", "error", err)
		}
		return
	}

	// Record time to first token
	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, ttft)
		}
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(int(tokenCount), h.model)
	}
	span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))

	// Step 7: Terminal citations frame. Always emitted, empty when the
	// response was not grounded, so clients see a deterministic close.
	if err := writer.WriteCitations(citations); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write citations frame", "error", err)
		return
	}

	*success = true
	span.SetStatus(codes.Ok, "stream completed")
}

// buildTurns converts transcript history into Gateway turns, materializing
// any image parts it carries.
func (h *chatStreamHandler) buildTurns(ctx context.Context, history []datatypes.Message) ([]gateway.Turn, error) {
	turns := make([]gateway.Turn, 0, len(history))
	for i, msg := range history {
		parts, err := h.buildParts(ctx, msg.Parts)
		if err != nil {
			return nil, fmt.Errorf("history[%d]: %w", i, err)
		}
		turns = append(turns, gateway.Turn{Role: msg.Role, Parts: parts})
	}
	return turns, nil
}

// buildParts converts message parts into Gateway parts. Each image part
// costs exactly one Materialize call.
func (h *chatStreamHandler) buildParts(ctx context.Context, parts []datatypes.MessagePart) ([]gateway.Part, error) {
	out := make([]gateway.Part, 0, len(parts))
	for i, part := range parts {
		if part.Type != datatypes.PartTypeImage {
			out = append(out, gateway.Part{Text: part.Text})
			continue
		}

		data, err := base64.StdEncoding.DecodeString(part.Data)
		if err != nil {
			return nil, fmt.Errorf("parts[%d]: invalid base64: %w", i, err)
		}
		ref, err := h.materializer.Materialize(ctx, data, part.MimeType)
		if err != nil {
			return nil, fmt.Errorf("parts[%d]: %w", i, err)
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RecordAttachment(part.MimeType)
		}
		out = append(out, gateway.Part{FileURI: ref.URI, MimeType: ref.MimeType})
	}
	return out, nil
}

// runHeartbeat sends keepalive pings until the stream ends.
func (h *chatStreamHandler) runHeartbeat(
	ctx context.Context,
	writer EventWriter,
	endpoint observability.Endpoint,
	done <-chan struct{},
) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ ChatStreamHandler = (*chatStreamHandler)(nil)

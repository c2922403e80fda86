// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the wire types shared by the relay service and
// the chat client: messages, message parts, citations, and the request and
// response bodies of the HTTP API.
//
// The transcript model is intentionally small. A Message is one turn,
// identified by an immutable ID and role. Its Parts are a tagged union of
// text and image; a streaming model message starts with a single empty text
// part that is appended to as tokens arrive. Citations are opaque grounding
// metadata passed through from the upstream Gateway.
package datatypes

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxTextPartBytes is the maximum size of a single text part.
	// Checked in bytes, not runes, to bound memory per request.
	MaxTextPartBytes = 32 * 1024 // 32KB

	// MaxImagePartBytes is the maximum decoded size of an image part.
	// Matches the upload limit the browser client enforces.
	MaxImagePartBytes = 8 * 1024 * 1024 // 8MB

	// MaxHistoryMessages is the maximum number of prior turns accepted
	// in a chat request.
	MaxHistoryMessages = 64
)

// Message roles. The transcript only ever contains these two.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message part discriminators.
const (
	PartTypeText  = "text"
	PartTypeImage = "image"
)

// allowedImageTypes lists the mime types accepted for image parts.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// AllowedImageType reports whether mimeType is accepted for image parts.
func AllowedImageType(mimeType string) bool {
	return allowedImageTypes[mimeType]
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the byte-size bound on text content.
// Byte length, not rune count: the limit exists to bound memory.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTextPartBytes
}

// =============================================================================
// Transcript Types
// =============================================================================

// MessagePart is a tagged union of the two content kinds a message can carry.
//
// # Description
//
// A part is either text or an image:
//
//	{"type":"text","text":"hello"}
//	{"type":"image","mimeType":"image/png","data":"<base64>"}
//
// Exactly one variant's fields are populated, selected by Type. For a
// streaming model message the text of its single text part is append-only
// while the stream is active; image parts are immutable once created.
//
// # Fields
//
//   - Type: PartTypeText or PartTypeImage. Required.
//   - Text: text content. Only for text parts.
//   - MimeType: image mime type (jpeg/png/webp/gif). Only for image parts.
//   - Data: base64-encoded image bytes. Only for image parts.
type MessagePart struct {
	Type     string `json:"type" validate:"required,oneof=text image"`
	Text     string `json:"text,omitempty" validate:"maxbytes"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Validate checks the union invariant: the populated fields must match Type.
//
// Text parts must carry text and nothing else; image parts must carry an
// allowed mime type and base64 data within the decoded size bound.
func (p *MessagePart) Validate() error {
	if err := chatValidate.Struct(p); err != nil {
		return err
	}
	switch p.Type {
	case PartTypeText:
		if p.MimeType != "" || p.Data != "" {
			return fmt.Errorf("text part must not carry image fields")
		}
	case PartTypeImage:
		if !AllowedImageType(p.MimeType) {
			return fmt.Errorf("unsupported image type %q", p.MimeType)
		}
		if p.Data == "" {
			return fmt.Errorf("image part missing data")
		}
		// base64 expands by 4/3; bound the encoded form so oversized
		// payloads are rejected without decoding them.
		if len(p.Data) > (MaxImagePartBytes/3+1)*4 {
			return fmt.Errorf("image part exceeds %d bytes", MaxImagePartBytes)
		}
		if _, err := base64.StdEncoding.DecodeString(p.Data); err != nil {
			return fmt.Errorf("image part is not valid base64: %w", err)
		}
	}
	return nil
}

// Citation is grounding metadata attached to a model message when the
// Gateway used web-search results to compose its answer. The fields are
// opaque to the relay and the client; they are passed through unchanged.
type Citation struct {
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
	URI        string `json:"uri"`
	Title      string `json:"title"`
	License    string `json:"license"`
}

// Message is one turn in a transcript.
//
// # Description
//
// Messages are append-only within a transcript: once appended they are
// never reordered, and only the pending model message is mutated (by the
// transcript reducer, while its stream is active). ID, Role, and CreatedAt
// are immutable after creation. Citations are written at most once, on the
// terminal citations event of a model stream.
//
// # Fields
//
//   - ID: opaque unique identifier (UUID v4), assigned at creation.
//   - Role: RoleUser or RoleModel.
//   - Parts: ordered content parts. A streaming model message begins with
//     a single empty text part.
//   - Citations: optional grounding metadata, model messages only.
//   - CreatedAt: creation timestamp.
type Message struct {
	ID        string        `json:"id"`
	Role      string        `json:"role" validate:"required,oneof=user model"`
	Parts     []MessagePart `json:"parts" validate:"required,min=1"`
	Citations []Citation    `json:"citations,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// NewTextPart builds a text part.
func NewTextPart(text string) MessagePart {
	return MessagePart{Type: PartTypeText, Text: text}
}

// NewImagePart builds an image part from base64-encoded data.
func NewImagePart(mimeType, data string) MessagePart {
	return MessagePart{Type: PartTypeImage, MimeType: mimeType, Data: data}
}

// NewUserMessage builds a user turn from the given parts.
func NewUserMessage(parts []MessagePart) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

/// NewModelMessage builds the placeholder for a streaming model turn: a
// model message whose single empty text part accumulates tokens as the
// stream progresses.
func NewModelMessage() Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleModel,
		Parts:     []MessagePart{NewTextPart("")},
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// HTTP API Types
// =============================================================================

// ChatRequest is the body of POST /api/chat.
//
// # Description
//
// Carries the conversation so far plus the parts of the new user turn.
// The relay forwards history and new parts to the Gateway in order; image
// parts are materialized into Gateway file references first.
//
// # Validation
//
//   - History: at most MaxHistoryMessages messages, each validated.
//   - NewParts: required, at least one part, each validated.
type ChatRequest struct {
	History  []Message     `json:"history"`
	NewParts []MessagePart `json:"newParts"`
}

// Validate checks structural and size constraints on the request.
func (r *ChatRequest) Validate() error {
	if len(r.NewParts) == 0 {
		return fmt.Errorf("newParts must not be empty")
	}
	if len(r.History) > MaxHistoryMessages {
		return fmt.Errorf("history exceeds %d messages", MaxHistoryMessages)
	}
	for i := range r.History {
		msg := &r.History[i]
		if err := chatValidate.Struct(msg); err != nil {
			return fmt.Errorf("history[%d]: %w", i, err)
		}
		for j := range msg.Parts {
			if err := msg.Parts[j].Validate(); err != nil {
				return fmt.Errorf("history[%d].parts[%d]: %w", i, j, err)
			}
		}
	}
	for i := range r.NewParts {
		if err := r.NewParts[i].Validate(); err != nil {
			return fmt.Errorf("newParts[%d]: %w", i, err)
		}
	}
	return nil
}

// ErrorResponse is the JSON body of any non-streaming failure response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AccessStatusResponse is the body of GET /api/auth-check.
type AccessStatusResponse struct {
	IsPasswordProtected bool `json:"isPasswordProtected"`
}

// VerifyAccessRequest is the body of POST /api/auth-check.
type VerifyAccessRequest struct {
	Password string `json:"password"`
}

// VerifyAccessResponse is the body of the POST /api/auth-check response.
type VerifyAccessResponse struct {
	Success bool `json:"success"`
}

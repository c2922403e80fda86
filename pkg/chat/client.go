// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/laorent/ether/pkg/stream"
	"github.com/laorent/ether/services/relay/datatypes"
)

// =============================================================================
// Relay API Client
// =============================================================================

// APIError is a non-streaming failure response from the relay: the
// request was rejected before any event frame was sent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the relay's HTTP API.
//
// # Description
//
// StreamChat posts a chat request and delivers each decoded stream event
// to the callback in arrival order; it blocks until the stream ends, the
// context is cancelled, or the callback stops it. Pre-stream rejections
// surface as *APIError, never as events.
//
// AccessStatus and VerifyAccess wrap the password gate the client checks
// before allowing sends.
type Client interface {
	StreamChat(ctx context.Context, req datatypes.ChatRequest, callback stream.EventCallback) error
	AccessStatus(ctx context.Context) (datatypes.AccessStatusResponse, error)
	VerifyAccess(ctx context.Context, password string) (bool, error)
}

// relayClient is the default Client implementation.
type relayClient struct {
	baseURL    string
	httpClient *http.Client
	reader     stream.Reader
}

var _ Client = (*relayClient)(nil)

// NewClient creates a Client for the relay at baseURL (no trailing slash).
// No overall request timeout is set on the underlying http.Client: a chat
// stream is open-ended, and lifetimes are bounded by the caller's context.
func NewClient(baseURL string) Client {
	return &relayClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		reader:     stream.NewReader(),
	}
}

// StreamChat implements Client.
func (c *relayClient) StreamChat(ctx context.Context, req datatypes.ChatRequest, callback stream.EventCallback) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return c.reader.Read(ctx, resp.Body, callback)
}

// AccessStatus implements Client.
func (c *relayClient) AccessStatus(ctx context.Context) (datatypes.AccessStatusResponse, error) {
	var status datatypes.AccessStatusResponse

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth-check", nil)
	if err != nil {
		return status, fmt.Errorf("failed to build auth-check request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return status, fmt.Errorf("auth-check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("failed to decode auth-check response: %w", err)
	}
	return status, nil
}

// VerifyAccess implements Client. A wrong password is reported as
// (false, nil), not an error; errors mean the check itself failed.
func (c *relayClient) VerifyAccess(ctx context.Context, password string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := json.Marshal(datatypes.VerifyAccessRequest{Password: password})
	if err != nil {
		return false, fmt.Errorf("failed to encode auth-check request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth-check", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build auth-check request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("auth-check request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	default:
		return false, decodeAPIError(resp)
	}
}

// decodeAPIError reads a non-2xx JSON error body into an *APIError. A body
// that is not the expected shape still produces a usable error.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		apiErr.Message = "unreadable error body"
		return apiErr
	}
	var body datatypes.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

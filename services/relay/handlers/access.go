// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/laorent/ether/services/relay/datatypes"
	"github.com/laorent/ether/services/relay/observability"
)

// =============================================================================
// Access Gate Handler
// =============================================================================

// AccessHandler implements the password gate the client checks before
// allowing any chat send.
//
// # Description
//
// The gate is optional: with no shared secret configured, GET reports
// not-protected and POST always succeeds. With a secret configured, POST
// compares the submitted password in constant time and answers 200 or
// 401. The gate carries no session state; the client re-checks on load.
//
// # Thread Safety
//
// Thread-safe. The secret is read-only after construction.
type AccessHandler struct {
	secret string
}

// NewAccessHandler creates an AccessHandler with the given shared secret.
// An empty secret disables the gate.
func NewAccessHandler(secret string) *AccessHandler {
	if secret == "" {
		slog.Info("No access secret configured; access gate is open")
	}
	return &AccessHandler{secret: secret}
}

// HandleStatus processes GET /api/auth-check: reports whether a password
// is required.
func (h *AccessHandler) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.AccessStatusResponse{
		IsPasswordProtected: h.secret != "",
	})
}

// HandleVerify processes POST /api/auth-check: checks the submitted
// password against the configured secret.
//
// Responds 200 {"success":true} on a match (or when no secret is
// configured), 401 {"success":false} otherwise.
func (h *AccessHandler) HandleVerify(c *gin.Context) {
	endpoint := observability.EndpointAuthCheck

	var req datatypes.VerifyAccessRequest
	if err := c.BindJSON(&req); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
			m.RecordRequest(endpoint, false)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}

	if h.secret == "" {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, true)
		}
		c.JSON(http.StatusOK, datatypes.VerifyAccessResponse{Success: true})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.secret)) != 1 {
		slog.Warn("Access check failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeUnauthorized)
			m.RecordRequest(endpoint, false)
		}
		c.JSON(http.StatusUnauthorized, datatypes.VerifyAccessResponse{Success: false})
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
	}
	c.JSON(http.StatusOK, datatypes.VerifyAccessResponse{Success: true})
}

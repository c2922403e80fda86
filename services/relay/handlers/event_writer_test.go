// Copyright (C) 2025 Laorent
// Tests for the event frame writer

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laorent/ether/services/relay/datatypes"
)

func newWriter(t *testing.T) (EventWriter, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := NewEventWriter(rec)
	require.NoError(t, err)
	return w, rec
}

func TestNewEventWriter_RequiresFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewEventWriter(struct{ http.ResponseWriter }{rec})
	assert.Error(t, err)
}

func TestWriteText_FrameFormat(t *testing.T) {
	w, rec := newWriter(t)

	require.NoError(t, w.WriteText("Hello"))
	assert.Equal(t, "data: {\"text\":\"Hello\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriteText_EscapesJSON(t *testing.T) {
	w, rec := newWriter(t)

	require.NoError(t, w.WriteText("line1\nline2 \"quoted\""))
	// The newline must be JSON-escaped, never a literal frame break.
	assert.Equal(t, "data: {\"text\":\"line1\\nline2 \\\"quoted\\\"\"}\n\n", rec.Body.String())
}

func TestWriteCitations_EmptySetIsExplicit(t *testing.T) {
	w, rec := newWriter(t)

	require.NoError(t, w.WriteCitations(nil))
	assert.Equal(t, "data: {\"citations\":[]}\n\n", rec.Body.String())
}

func TestWriteCitations_Fields(t *testing.T) {
	w, rec := newWriter(t)

	require.NoError(t, w.WriteCitations([]datatypes.Citation{
		{StartIndex: 1, EndIndex: 9, URI: "https://a.example", Title: "A", License: ""},
	}))
	assert.Contains(t, rec.Body.String(), `"startIndex":1`)
	assert.Contains(t, rec.Body.String(), `"uri":"https://a.example"`)
}

func TestWriteError_FrameFormat(t *testing.T) {
	w, rec := newWriter(t)

	require.NoError(t, w.WriteError("something failed"))
	assert.Equal(t, "data: {\"error\":\"something failed\"}\n\n", rec.Body.String())
}

func TestWriteKeepAlive_CommentFormat(t *testing.T) {
	w, rec := newWriter(t)

	require.NoError(t, w.WriteKeepAlive())
	assert.Equal(t, ": ping\n\n", rec.Body.String())
}

func TestSetStreamHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetStreamHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

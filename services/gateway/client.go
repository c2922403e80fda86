// Package gateway defines the upstream model interface the relay streams
// from, plus the attachment materializer that turns inline image bytes
// into references the model API accepts.
package gateway

import (
	"context"

	"github.com/laorent/ether/services/relay/datatypes"
)

// Part is one content part of a turn in Gateway terms: either inline text
// or a reference to a previously materialized file.
type Part struct {
	Text     string
	FileURI  string
	MimeType string
}

// Turn is one prior message of the conversation, flattened for the
// Gateway: the role plus its parts.
type Turn struct {
	Role  string
	Parts []Part
}

// FileRef identifies a materialized attachment.
type FileRef struct {
	URI      string
	MimeType string
}

// TokenCallback receives each incremental token chunk as the Gateway
// yields it. Returning an error aborts the stream.
type TokenCallback func(token string) error

// Client streams one model response per call.
//
// StreamGenerate opens a single streaming call, invokes onToken once per
// token chunk in order, and returns the citation set the response carried
// (nil when the model did not ground the answer). Errors after the first
// token are still returned as errors; the caller decides how to surface
// them on its own wire.
type Client interface {
	StreamGenerate(ctx context.Context, history []Turn, parts []Part, onToken TokenCallback) ([]datatypes.Citation, error)
}

// Materializer converts inline attachment bytes into a FileRef the
// Gateway can consume, typically by uploading them. May fail with a
// transient I/O error; callers treat that as a pre-stream failure.
type Materializer interface {
	Materialize(ctx context.Context, data []byte, mimeType string) (FileRef, error)
}

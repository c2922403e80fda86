package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newMockGeminiServer serves canned SSE lines from the streaming endpoint
// and a fixed file reference from the upload endpoint.
func newMockGeminiServer(t *testing.T, streamLines []string) (*httptest.Server, *int) {
	t.Helper()
	uploads := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range streamLines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	})
	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		uploads++
		fmt.Fprint(w, `{"file":{"name":"files/abc123","uri":"https://files.example/abc123","mimeType":"image/png"}}`)
	})
	return httptest.NewServer(mux), &uploads
}

func newTestClient(baseURL string) *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     "test-key",
		model:      defaultGeminiModel,
	}
}

func TestStreamGenerateForwardsTokensInOrder(t *testing.T) {
	server, _ := newMockGeminiServer(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"The answer"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":" is 42."}]}}]}`,
	})
	defer server.Close()

	var tokens []string
	citations, err := newTestClient(server.URL).StreamGenerate(context.Background(), nil,
		[]Part{{Text: "question"}},
		func(token string) error {
			tokens = append(tokens, token)
			return nil
		})
	if err != nil {
		t.Fatalf("StreamGenerate failed: %v", err)
	}
	if len(tokens) != 2 || tokens[0] != "The answer" || tokens[1] != " is 42." {
		t.Errorf("unexpected token sequence: %v", tokens)
	}
	if citations != nil {
		t.Errorf("expected no citations, got %+v", citations)
	}
}

func TestStreamGenerateCollectsCitations(t *testing.T) {
	server, _ := newMockGeminiServer(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"grounded"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":" answer"}]},"citationMetadata":{"citationSources":[{"startIndex":0,"endIndex":8,"uri":"https://source.example","title":"Source","license":"CC-BY"}]}}]}`,
	})
	defer server.Close()

	citations, err := newTestClient(server.URL).StreamGenerate(context.Background(), nil,
		[]Part{{Text: "question"}},
		func(string) error { return nil })
	if err != nil {
		t.Fatalf("StreamGenerate failed: %v", err)
	}
	if len(citations) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(citations))
	}
	c := citations[0]
	if c.URI != "https://source.example" || c.EndIndex != 8 || c.License != "CC-BY" {
		t.Errorf("citation fields not preserved: %+v", c)
	}
}

func TestStreamGenerateSendsHistoryAndGrounding(t *testing.T) {
	var got geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\n\n")
	}))
	defer server.Close()

	history := []Turn{
		{Role: "user", Parts: []Part{{Text: "earlier question"}}},
		{Role: "model", Parts: []Part{{Text: "earlier answer"}}},
	}
	parts := []Part{
		{Text: "look at this"},
		{FileURI: "https://files.example/abc", MimeType: "image/png"},
	}
	if _, err := newTestClient(server.URL).StreamGenerate(context.Background(), history, parts, func(string) error { return nil }); err != nil {
		t.Fatalf("StreamGenerate failed: %v", err)
	}

	if len(got.Contents) != 3 {
		t.Fatalf("expected history + new turn, got %d contents", len(got.Contents))
	}
	if got.Contents[1].Role != "model" {
		t.Errorf("expected history roles preserved, got %q", got.Contents[1].Role)
	}
	last := got.Contents[2]
	if len(last.Parts) != 2 || last.Parts[1].FileData == nil {
		t.Fatalf("expected file reference in final turn, got %+v", last.Parts)
	}
	if last.Parts[1].FileData.FileURI != "https://files.example/abc" {
		t.Errorf("file URI not forwarded: %+v", last.Parts[1].FileData)
	}
	if len(got.Tools) != 1 {
		t.Errorf("expected the search grounding tool to be attached, got %+v", got.Tools)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 8192 {
		t.Errorf("unexpected generation config: %+v", got.GenerationConfig)
	}
}

func TestStreamGenerateErrorChunk(t *testing.T) {
	server, _ := newMockGeminiServer(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`,
		`{"error":{"code":500,"message":"internal"}}`,
	})
	defer server.Close()

	tokens := 0
	_, err := newTestClient(server.URL).StreamGenerate(context.Background(), nil,
		[]Part{{Text: "q"}},
		func(string) error { tokens++; return nil })
	if err == nil || !strings.Contains(err.Error(), "internal") {
		t.Fatalf("expected gateway error to surface, got %v", err)
	}
	if tokens != 1 {
		t.Errorf("expected tokens before the error to be delivered, got %d", tokens)
	}
}

func TestStreamGenerateNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"quota exceeded"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StreamGenerate(context.Background(), nil,
		[]Part{{Text: "q"}},
		func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestStreamGenerateCallbackAbort(t *testing.T) {
	server, _ := newMockGeminiServer(t, []string{
		`{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"b"}]}}]}`,
	})
	defer server.Close()

	abort := fmt.Errorf("stop")
	_, err := newTestClient(server.URL).StreamGenerate(context.Background(), nil,
		[]Part{{Text: "q"}},
		func(string) error { return abort })
	if err != abort {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}

func TestMaterializeUploadsOnce(t *testing.T) {
	server, uploads := newMockGeminiServer(t, nil)
	defer server.Close()

	ref, err := newTestClient(server.URL).Materialize(context.Background(), []byte("png bytes"), "image/png")
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if *uploads != 1 {
		t.Errorf("expected exactly one upload, got %d", *uploads)
	}
	if ref.URI != "https://files.example/abc123" || ref.MimeType != "image/png" {
		t.Errorf("unexpected file reference: %+v", ref)
	}
}

func TestMaterializeUploadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).Materialize(context.Background(), []byte("x"), "image/png"); err == nil {
		t.Fatal("expected upload failure to surface")
	}
}

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/laorent/ether/services/relay/datatypes"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.5-flash"

	// maxScanTokenSize bounds a single SSE line from the upstream; a
	// full 8K-token response can arrive as one large chunk.
	maxScanTokenSize = 1 << 20
)

// --- Wire Types ---

type geminiRequest struct {
	Contents         []geminiContent   `json:"contents"`
	Tools            []geminiTool      `json:"tools,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	SafetySettings   []safetySetting   `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text     string          `json:"text,omitempty"`
	FileData *geminiFileData `json:"fileData,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type geminiTool struct {
	GoogleSearch struct{} `json:"google_search"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature"`
	TopP            float32 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		CitationMetadata *struct {
			CitationSources []struct {
				StartIndex int    `json:"startIndex"`
				EndIndex   int    `json:"endIndex"`
				URI        string `json:"uri"`
				Title      string `json:"title"`
				License    string `json:"license"`
			} `json:"citationSources"`
		} `json:"citationMetadata"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type geminiUploadResponse struct {
	File struct {
		Name     string `json:"name"`
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

// --- Client Implementation ---

// GeminiClient talks to the Generative Language API over REST. It
// implements both Client (streaming generation with search grounding)
// and Materializer (file upload).
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var _ Client = (*GeminiClient)(nil)
var _ Materializer = (*GeminiClient)(nil)

// NewGeminiClient builds a client from the environment: GATEWAY_API_KEY
// (required), GATEWAY_MODEL and GATEWAY_BASE_URL (optional overrides).
func NewGeminiClient() (*GeminiClient, error) {
	apiKey := os.Getenv("GATEWAY_API_KEY")
	if apiKey == "" {
		slog.Warn("Gateway API key is missing.")
		return nil, fmt.Errorf("GATEWAY_API_KEY is missing")
	}

	model := os.Getenv("GATEWAY_MODEL")
	if model == "" {
		model = defaultGeminiModel
		slog.Info("GATEWAY_MODEL not set, defaulting to", "model", model)
	}

	baseURL := os.Getenv("GATEWAY_BASE_URL")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	return &GeminiClient{
		// No overall timeout: a generation stream can legitimately run
		// for minutes. Lifetimes are bounded by the request context.
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// StreamGenerate implements the Client interface.
func (g *GeminiClient) StreamGenerate(ctx context.Context, history []Turn, parts []Part, onToken TokenCallback) ([]datatypes.Citation, error) {
	contents := make([]geminiContent, 0, len(history)+1)
	for _, turn := range history {
		contents = append(contents, geminiContent{
			Role:  turn.Role,
			Parts: convertParts(turn.Parts),
		})
	}
	contents = append(contents, geminiContent{
		Role:  datatypes.RoleUser,
		Parts: convertParts(parts),
	})

	reqPayload := geminiRequest{
		Contents: contents,
		Tools:    []geminiTool{{}},
		GenerationConfig: &generationConfig{
			Temperature:     1,
			TopP:            0.95,
			TopK:            64,
			MaxOutputTokens: 8192,
		},
		SafetySettings: []safetySetting{
			{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
		},
	}

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Opening Gateway stream", "model", g.model, "turns", len(contents))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return g.consumeStream(ctx, resp.Body, onToken)
}

// consumeStream reads the upstream SSE body line by line, forwarding text
// parts and collecting citation metadata. Later chunks that repeat the
// citation block replace earlier ones; the last one observed is the
// complete set for the response.
func (g *GeminiClient) consumeStream(ctx context.Context, body io.Reader, onToken TokenCallback) ([]datatypes.Citation, error) {
	var citations []datatypes.Citation

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			slog.Warn("Skipping undecodable gateway chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("gateway error %d: %s", chunk.Error.Code, chunk.Error.Message)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		candidate := chunk.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text == "" {
				continue
			}
			if err := onToken(part.Text); err != nil {
				return nil, err
			}
		}
		if md := candidate.CitationMetadata; md != nil {
			citations = citations[:0]
			for _, src := range md.CitationSources {
				citations = append(citations, datatypes.Citation{
					StartIndex: src.StartIndex,
					EndIndex:   src.EndIndex,
					URI:        src.URI,
					Title:      src.Title,
					License:    src.License,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gateway stream read failed: %w", err)
	}
	return citations, nil
}

// Materialize implements the Materializer interface by uploading the
// bytes through the file API and returning the resulting file reference.
func (g *GeminiClient) Materialize(ctx context.Context, data []byte, mimeType string) (FileRef, error) {
	url := fmt.Sprintf("%s/upload/v1beta/files?key=%s", g.baseURL, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return FileRef{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return FileRef{}, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return FileRef{}, fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var uploadResp geminiUploadResponse
	if err := json.Unmarshal(bodyBytes, &uploadResp); err != nil {
		return FileRef{}, fmt.Errorf("failed to parse upload response: %w", err)
	}
	if uploadResp.File.URI == "" {
		return FileRef{}, fmt.Errorf("upload response missing file URI")
	}

	slog.Debug("Materialized attachment",
		"mime_type", mimeType,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())

	ref := FileRef{URI: uploadResp.File.URI, MimeType: uploadResp.File.MimeType}
	if ref.MimeType == "" {
		ref.MimeType = mimeType
	}
	return ref, nil
}

func convertParts(parts []Part) []geminiPart {
	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		if p.FileURI != "" {
			out = append(out, geminiPart{FileData: &geminiFileData{
				MimeType: p.MimeType,
				FileURI:  p.FileURI,
			}})
			continue
		}
		out = append(out, geminiPart{Text: p.Text})
	}
	return out
}

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash"
)

// GeminiClient implements Client against the generateContent REST API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGeminiClient creates a Gemini client. Empty model and baseURL
// fall back to defaults.
func NewGeminiClient(apiKey, model, baseURL string, timeout time.Duration) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *GeminiClient) Name() string    { return ProviderGemini }
func (c *GeminiClient) Model() string   { return c.model }
func (c *GeminiClient) BaseURL() string { return c.baseURL }

// The key rides in a header, never in the URL, so request logging
// cannot leak it.
func (c *GeminiClient) headers() map[string]string {
	return map[string]string{"x-goog-api-key": c.apiKey}
}

// Complete runs a plain completion with no tools attached.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*types.Completion, error) {
	req.Tools = nil
	return c.complete(ctx, req)
}

// CompleteWithTools runs one non-streaming tool round.
func (c *GeminiClient) CompleteWithTools(ctx context.Context, req Request) (*types.Completion, error) {
	return c.complete(ctx, req)
}

func (c *GeminiClient) complete(ctx context.Context, req Request) (*types.Completion, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNotConfigured)
	}
	ctx, cancel := c.ensureDeadline(ctx)
	defer cancel()

	startTime := time.Now()
	body := c.buildRequest(req)
	logging.ProviderDebug("[Gemini] complete: model=%s contents=%d tools=%d", c.model, len(body.Contents), len(body.Tools))

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	status, respBody, err := doJSON(ctx, c.httpClient, url, c.headers(), body)
	if err != nil {
		logging.ProviderError("[Gemini] complete: request failed after %v: %v", time.Since(startTime), err)
		return nil, err
	}
	if status != http.StatusOK {
		if len(req.Tools) > 0 && toolsRejected(status, respBody) {
			return nil, fmt.Errorf("gemini rejected tools (status %d): %w", status, ErrToolsNotSupported)
		}
		logging.ProviderError("[Gemini] complete: status %d: %s", status, truncateForLog(respBody))
		return nil, fmt.Errorf("API request failed with status %d: %s", status, truncateForLog(respBody))
	}

	var resp geminiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	completion, err := c.parseCandidate(resp.Candidates[0].Content, resp.Candidates[0].FinishReason)
	if err != nil {
		return nil, err
	}
	completion.Usage = types.Usage{
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}
	logging.Provider("[Gemini] complete: %v text_len=%d tool_calls=%d stop=%s",
		time.Since(startTime), len(completion.Text), len(completion.ToolCalls), completion.StopReason)
	return completion, nil
}

// Stream runs a streaming completion with no tools.
func (c *GeminiClient) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		if c.apiKey == "" {
			errorChan <- fmt.Errorf("gemini: %w", ErrNotConfigured)
			return
		}
		ctx, cancel := c.ensureDeadline(ctx)
		defer cancel()

		req.Tools = nil
		body := c.buildRequest(req)
		jsonData, err := json.Marshal(body)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range c.headers() {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			errorChan <- fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncateForLog(b))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			var evt geminiResponse
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}
			if evt.Error != nil {
				errorChan <- fmt.Errorf("API error: %s", evt.Error.Message)
				return
			}
			for _, cand := range evt.Candidates {
				var content geminiContent
				if err := json.Unmarshal(cand.Content, &content); err != nil {
					continue
				}
				for _, part := range content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case contentChan <- part.Text:
					case <-ctx.Done():
						errorChan <- ctx.Err()
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errorChan <- fmt.Errorf("stream error: %w", err)
		} else if ctx.Err() != nil {
			errorChan <- ctx.Err()
		}
	}()

	return contentChan, errorChan
}

// SynthesizeAssistantRaw builds a single-text-part model message.
func (c *GeminiClient) SynthesizeAssistantRaw(text string) json.RawMessage {
	raw, _ := json.Marshal(geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}})
	return raw
}

func (c *GeminiClient) buildRequest(req Request) geminiRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	out := geminiRequest{
		Contents:         c.buildContents(req.Messages),
		GenerationConfig: geminiGenerationConfig{MaxOutputTokens: maxTokens},
	}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  scrubGeminiSchema(t.CloneSchema()),
			})
		}
		out.Tools = []geminiTool{tool}
	}
	return out
}

// buildContents translates the transcript. Tool results travel as
// user-role functionResponse parts keyed by function name; Gemini has
// no call ids of its own.
func (c *GeminiClient) buildContents(msgs []types.ChatMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			b, _ := json.Marshal(geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
			out = append(out, b)
		case types.RoleAssistant:
			if len(m.RawMessage) > 0 {
				out = append(out, m.RawMessage)
			} else {
				out = append(out, c.SynthesizeAssistantRaw(m.Content))
			}
		case types.RoleTool:
			b, _ := json.Marshal(geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResp{
						Name:     m.ToolName,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
			out = append(out, b)
		}
	}
	return out
}

// parseCandidate extracts text and function calls. Gemini reports
// finishReason STOP even when function calls are present, so tool_use
// is inferred from the parts.
func (c *GeminiClient) parseCandidate(rawContent json.RawMessage, finishReason string) (*types.Completion, error) {
	var content geminiContent
	if err := json.Unmarshal(rawContent, &content); err != nil {
		return nil, fmt.Errorf("failed to parse candidate content: %w", err)
	}

	completion := &types.Completion{RawMessage: rawContent}
	var textBuilder strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" {
			textBuilder.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			completion.ToolCalls = append(completion.ToolCalls, types.ToolCall{
				// Synthesized: Gemini function calls carry no id, the
				// transcript model requires one.
				ID:    "gemini-" + uuid.NewString()[:8],
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		}
	}
	completion.Text = strings.TrimSpace(textBuilder.String())

	switch {
	case len(completion.ToolCalls) > 0:
		completion.StopReason = types.StopToolUse
	case finishReason == "MAX_TOKENS":
		completion.StopReason = types.StopMaxTokens
	default:
		completion.StopReason = types.StopEndTurn
	}
	return completion, nil
}

// scrubGeminiSchema strips JSON-Schema keywords the generateContent
// API rejects. Operates on the clone the loop handed us.
func scrubGeminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	delete(schema, "$schema")
	delete(schema, "additionalProperties")
	delete(schema, "examples")
	for _, v := range schema {
		switch t := v.(type) {
		case map[string]any:
			scrubGeminiSchema(t)
		case []any:
			for _, e := range t {
				if m, ok := e.(map[string]any); ok {
					scrubGeminiSchema(m)
				}
			}
		}
	}
	return schema
}

func (c *GeminiClient) ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.httpClient.Timeout > 0 {
		return context.WithTimeout(ctx, c.httpClient.Timeout)
	}
	return context.WithCancel(ctx)
}

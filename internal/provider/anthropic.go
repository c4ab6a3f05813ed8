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

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient creates an Anthropic client. Empty model and
// baseURL fall back to defaults.
func NewAnthropicClient(apiKey, model, baseURL string, timeout time.Duration) *AnthropicClient {
	if model == "" {
		model = defaultAnthropicModel
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *AnthropicClient) Name() string    { return ProviderAnthropic }
func (c *AnthropicClient) Model() string   { return c.model }
func (c *AnthropicClient) BaseURL() string { return c.baseURL }

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// Complete runs a plain completion with no tools attached.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*types.Completion, error) {
	req.Tools = nil
	return c.complete(ctx, req)
}

// CompleteWithTools runs one non-streaming tool round.
func (c *AnthropicClient) CompleteWithTools(ctx context.Context, req Request) (*types.Completion, error) {
	return c.complete(ctx, req)
}

func (c *AnthropicClient) complete(ctx context.Context, req Request) (*types.Completion, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
	}
	ctx, cancel := c.ensureDeadline(ctx)
	defer cancel()

	startTime := time.Now()
	body := c.buildRequest(req, false)
	logging.ProviderDebug("[Anthropic] complete: model=%s messages=%d tools=%d", c.model, len(body.Messages), len(body.Tools))

	status, respBody, err := doJSON(ctx, c.httpClient, c.baseURL+"/messages", c.headers(), body)
	if err != nil {
		logging.ProviderError("[Anthropic] complete: request failed after %v: %v", time.Since(startTime), err)
		return nil, err
	}
	if status != http.StatusOK {
		if len(req.Tools) > 0 && toolsRejected(status, respBody) {
			return nil, fmt.Errorf("anthropic rejected tools (status %d): %w", status, ErrToolsNotSupported)
		}
		logging.ProviderError("[Anthropic] complete: status %d: %s", status, truncateForLog(respBody))
		return nil, fmt.Errorf("API request failed with status %d: %s", status, truncateForLog(respBody))
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}

	completion, err := c.parseCompletion(&resp)
	if err != nil {
		return nil, err
	}
	logging.Provider("[Anthropic] complete: %v text_len=%d tool_calls=%d stop=%s",
		time.Since(startTime), len(completion.Text), len(completion.ToolCalls), completion.StopReason)
	return completion, nil
}

// Stream runs a streaming completion with no tools.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		if c.apiKey == "" {
			errorChan <- fmt.Errorf("anthropic: %w", ErrNotConfigured)
			return
		}
		ctx, cancel := c.ensureDeadline(ctx)
		defer cancel()

		req.Tools = nil
		body := c.buildRequest(req, true)
		jsonData, err := json.Marshal(body)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
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

			var evt struct {
				Type  string `json:"type"`
				Delta *struct {
					Type string `json:"type"`
					Text string `json:"text,omitempty"`
				} `json:"delta,omitempty"`
				Error *struct {
					Message string `json:"message"`
				} `json:"error,omitempty"`
			}
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}
			if evt.Error != nil {
				errorChan <- fmt.Errorf("API error: %s", evt.Error.Message)
				return
			}
			if evt.Type == "message_stop" {
				return
			}
			if evt.Type == "content_block_delta" && evt.Delta != nil && evt.Delta.Text != "" {
				select {
				case contentChan <- evt.Delta.Text:
				case <-ctx.Done():
					errorChan <- ctx.Err()
					return
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

// SynthesizeAssistantRaw builds a single-text-block assistant message.
func (c *AnthropicClient) SynthesizeAssistantRaw(text string) json.RawMessage {
	raw, _ := json.Marshal(anthropicMessage{
		Role:    "assistant",
		Content: []anthropicContentBlock{{Type: "text", Text: text}},
	})
	return raw
}

func (c *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	out := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  c.buildMessages(req.Messages),
		Stream:    stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.CloneSchema(),
		})
	}
	return out
}

// buildMessages translates the transcript. Assistant turns with a raw
// message are spliced verbatim; tool results become user-role
// tool_result blocks per the Messages API.
func (c *AnthropicClient) buildMessages(msgs []types.ChatMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			b, _ := json.Marshal(anthropicMessage{Role: "user", Content: m.Content})
			out = append(out, b)
		case types.RoleAssistant:
			if len(m.RawMessage) > 0 {
				out = append(out, m.RawMessage)
			} else {
				out = append(out, c.SynthesizeAssistantRaw(m.Content))
			}
		case types.RoleTool:
			b, _ := json.Marshal(anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			out = append(out, b)
		}
	}
	return out
}

func (c *AnthropicClient) parseCompletion(resp *anthropicResponse) (*types.Completion, error) {
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(resp.Content, &blocks); err != nil {
		return nil, fmt.Errorf("failed to parse content blocks: %w", err)
	}

	completion := &types.Completion{
		StopReason: normalizeAnthropicStop(resp.StopReason),
		Usage: types.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	var textBuilder strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case "text":
			textBuilder.WriteString(block.Text)
		case "tool_use":
			completion.ToolCalls = append(completion.ToolCalls, types.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	completion.Text = strings.TrimSpace(textBuilder.String())

	// The raw message keeps the content bytes exactly as the API sent
	// them; unknown block types survive the round trip.
	raw, err := json.Marshal(anthropicRawAssistant{Role: "assistant", Content: resp.Content})
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}
	completion.RawMessage = raw
	return completion, nil
}

func normalizeAnthropicStop(reason string) types.StopReason {
	switch reason {
	case "tool_use":
		return types.StopToolUse
	case "max_tokens":
		return types.StopMaxTokens
	default:
		return types.StopEndTurn
	}
}

func (c *AnthropicClient) ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.httpClient.Timeout > 0 {
		return context.WithTimeout(ctx, c.httpClient.Timeout)
	}
	return context.WithCancel(ctx)
}

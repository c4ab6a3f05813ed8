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
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o"
)

// OpenAIClient implements Client against the chat completions API.
// Any OpenAI-compatible endpoint works via baseURL override.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient creates an OpenAI client. Empty model and baseURL
// fall back to defaults.
func NewOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) *OpenAIClient {
	if model == "" {
		model = defaultOpenAIModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Name() string    { return ProviderOpenAI }
func (c *OpenAIClient) Model() string   { return c.model }
func (c *OpenAIClient) BaseURL() string { return c.baseURL }

func (c *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Complete runs a plain completion with no tools attached.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*types.Completion, error) {
	req.Tools = nil
	return c.complete(ctx, req)
}

// CompleteWithTools runs one non-streaming tool round.
func (c *OpenAIClient) CompleteWithTools(ctx context.Context, req Request) (*types.Completion, error) {
	return c.complete(ctx, req)
}

func (c *OpenAIClient) complete(ctx context.Context, req Request) (*types.Completion, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
	}
	ctx, cancel := c.ensureDeadline(ctx)
	defer cancel()

	startTime := time.Now()
	body := c.buildRequest(req, false)
	logging.ProviderDebug("[OpenAI] complete: model=%s messages=%d tools=%d", c.model, len(body.Messages), len(body.Tools))

	status, respBody, err := doJSON(ctx, c.httpClient, c.baseURL+"/chat/completions", c.headers(), body)
	if err != nil {
		logging.ProviderError("[OpenAI] complete: request failed after %v: %v", time.Since(startTime), err)
		return nil, err
	}
	if status != http.StatusOK {
		if len(req.Tools) > 0 && toolsRejected(status, respBody) {
			return nil, fmt.Errorf("openai rejected tools (status %d): %w", status, ErrToolsNotSupported)
		}
		logging.ProviderError("[OpenAI] complete: status %d: %s", status, truncateForLog(respBody))
		return nil, fmt.Errorf("API request failed with status %d: %s", status, truncateForLog(respBody))
	}

	var resp openaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	completion, err := parseOpenAIChoice(resp.Choices[0].Message, resp.Choices[0].FinishReason)
	if err != nil {
		return nil, err
	}
	completion.Usage = types.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	logging.Provider("[OpenAI] complete: %v text_len=%d tool_calls=%d stop=%s",
		time.Since(startTime), len(completion.Text), len(completion.ToolCalls), completion.StopReason)
	return completion, nil
}

// Stream runs a streaming completion with no tools.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		if c.apiKey == "" {
			errorChan <- fmt.Errorf("openai: %w", ErrNotConfigured)
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

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
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
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					return
				}
				continue
			}

			var evt struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}
			if len(evt.Choices) > 0 && evt.Choices[0].Delta.Content != "" {
				select {
				case contentChan <- evt.Choices[0].Delta.Content:
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

// SynthesizeAssistantRaw builds a plain-content assistant message.
func (c *OpenAIClient) SynthesizeAssistantRaw(text string) json.RawMessage {
	raw, _ := json.Marshal(openaiMessage{Role: "assistant", Content: text})
	return raw
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) openaiRequest {
	out := openaiRequest{
		Model:     c.model,
		Messages:  c.buildMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.CloneSchema(),
			},
		})
	}
	return out
}

// buildMessages translates the transcript. The system prompt rides as
// the leading system message; tool results use the tool role with the
// originating call id.
func (c *OpenAIClient) buildMessages(system string, msgs []types.ChatMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(msgs)+1)
	if system != "" {
		b, _ := json.Marshal(openaiMessage{Role: "system", Content: system})
		out = append(out, b)
	}
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			b, _ := json.Marshal(openaiMessage{Role: "user", Content: m.Content})
			out = append(out, b)
		case types.RoleAssistant:
			if len(m.RawMessage) > 0 {
				out = append(out, m.RawMessage)
			} else {
				out = append(out, c.SynthesizeAssistantRaw(m.Content))
			}
		case types.RoleTool:
			b, _ := json.Marshal(openaiMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})
			out = append(out, b)
		}
	}
	return out
}

// parseOpenAIChoice extracts text and tool calls from the raw choice
// message, which is also the round-trip raw message.
func parseOpenAIChoice(rawMessage json.RawMessage, finishReason string) (*types.Completion, error) {
	var asst openaiAssistant
	if err := json.Unmarshal(rawMessage, &asst); err != nil {
		return nil, fmt.Errorf("failed to parse assistant message: %w", err)
	}

	completion := &types.Completion{
		Text:       strings.TrimSpace(asst.Content),
		StopReason: normalizeOpenAIStop(finishReason),
		RawMessage: rawMessage,
	}
	for _, tc := range asst.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				logging.ProviderWarn("[OpenAI] tool call %s has unparseable arguments: %v", tc.Function.Name, err)
				input = map[string]any{}
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, types.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return completion, nil
}

func normalizeOpenAIStop(reason string) types.StopReason {
	switch reason {
	case "tool_calls":
		return types.StopToolUse
	case "length":
		return types.StopMaxTokens
	default:
		return types.StopEndTurn
	}
}

func (c *OpenAIClient) ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.httpClient.Timeout > 0 {
		return context.WithTimeout(ctx, c.httpClient.Timeout)
	}
	return context.WithCancel(ctx)
}

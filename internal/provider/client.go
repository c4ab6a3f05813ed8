// Package provider normalizes LLM vendors behind one Client interface.
// Adapters speak each vendor's REST API directly and translate between
// the transcript model and vendor wire formats. The assistant raw
// message is carried verbatim both ways: responses keep the vendor's
// own JSON, requests splice it back untouched, so multi-round tool
// conversations round-trip without loss.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Provider name constants. These key the chat capability cache together
// with model and base URL.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

var (
	// ErrNotConfigured means no API key is available for the provider.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrToolsNotSupported marks a vendor rejection of a tool-use
	// request. The chat loop caches this and falls back to plain
	// completions over a flattened transcript.
	ErrToolsNotSupported = errors.New("provider does not support tool use")
)

// Request is one completion request. Messages follow the transcript
// model (user / assistant / tool); adapters translate per vendor.
type Request struct {
	System    string
	Messages  []types.ChatMessage
	Tools     []types.ToolDefinition
	MaxTokens int
}

// Client is the normalized LLM vendor contract.
type Client interface {
	// Name returns the provider identifier (anthropic, openai, gemini).
	Name() string
	// Model returns the configured model.
	Model() string
	// BaseURL returns the endpoint root in use.
	BaseURL() string

	// Complete runs a plain chat completion with no tools attached.
	Complete(ctx context.Context, req Request) (*types.Completion, error)

	// CompleteWithTools runs one non-streaming tool round. Returns
	// ErrToolsNotSupported (wrapped) when the vendor rejects the tools
	// field itself.
	CompleteWithTools(ctx context.Context, req Request) (*types.Completion, error)

	// Stream runs a streaming completion with no tools. Text deltas
	// arrive on the first channel; a terminal error, if any, on the
	// second. Both channels close when the stream ends.
	Stream(ctx context.Context, req Request) (<-chan string, <-chan error)

	// SynthesizeAssistantRaw builds a provider-shaped raw message for
	// assistant turns that predate tool support and carry text only.
	SynthesizeAssistantRaw(text string) json.RawMessage
}

const (
	defaultMaxTokens = 4096
	maxRetries       = 3
)

// doJSON posts a JSON payload and returns the status and fully-read
// body. Transient failures (network errors, 429, 5xx, Anthropic 529)
// are retried with exponential backoff. Non-2xx terminal responses are
// returned to the caller for vendor-specific interpretation, not
// turned into errors here.
func doJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, payload any) (int, []byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			logging.ProviderWarn("Request to %s failed (attempt %d/%d): %v", url, i+1, maxRetries+1, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncateForLog(body))
			logging.ProviderWarn("Retryable status %d from %s (attempt %d/%d)", resp.StatusCode, url, i+1, maxRetries+1)
			continue
		}

		return resp.StatusCode, body, nil
	}

	return 0, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return true
	}
	return false
}

func truncateForLog(body []byte) string {
	s := string(body)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

// toolsRejected reports whether an error response is the vendor saying
// it cannot accept tool definitions (as opposed to a bad request of
// ours). Matching is on the body text; vendors phrase this differently
// but always name tools or functions.
func toolsRejected(status int, body []byte) bool {
	if status != http.StatusBadRequest && status != http.StatusNotFound {
		return false
	}
	s := strings.ToLower(string(body))
	if !strings.Contains(s, "tool") && !strings.Contains(s, "function") {
		return false
	}
	for _, phrase := range []string{"not supported", "unsupported", "does not support", "unknown parameter", "unrecognized", "invalid parameter"} {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}

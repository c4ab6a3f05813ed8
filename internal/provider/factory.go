package provider

import (
	"fmt"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Options resolves one concrete client.
type Options struct {
	Name    string // anthropic, openai, gemini
	APIKey  string
	Model   string // empty uses the provider default
	BaseURL string // empty uses the provider default
	Timeout time.Duration
}

// New builds a client for the named provider.
func New(opts Options) (Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", opts.Name, ErrNotConfigured)
	}
	switch opts.Name {
	case ProviderAnthropic:
		return NewAnthropicClient(opts.APIKey, opts.Model, opts.BaseURL, opts.Timeout), nil
	case ProviderOpenAI:
		return NewOpenAIClient(opts.APIKey, opts.Model, opts.BaseURL, opts.Timeout), nil
	case ProviderGemini:
		return NewGeminiClient(opts.APIKey, opts.Model, opts.BaseURL, opts.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", opts.Name)
	}
}

// ForDomain resolves the client serving a domain. The domain's
// provider and model override the config defaults when set; the API
// key always comes from config (per-provider keys allow a domain to
// use a non-default vendor).
func ForDomain(cfg *config.Config, d *types.Domain) (Client, error) {
	name := cfg.Provider.Name
	model := cfg.Provider.Model
	if d != nil && d.Provider != "" {
		name = d.Provider
		model = "" // the domain picked the vendor; never carry the default model across vendors
	}
	if d != nil && d.Model != "" {
		model = d.Model
	}

	apiKey := cfg.KeyForProvider(name)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}

	baseURL := ""
	if name == cfg.Provider.Name {
		baseURL = cfg.Provider.BaseURL
	}

	return New(Options{
		Name:    name,
		APIKey:  apiKey,
		Model:   model,
		BaseURL: baseURL,
		Timeout: cfg.GetProviderTimeout(),
	})
}

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig selects and configures the upstream provider.
type GenkitConfig struct {
	Provider string // "google", "anthropic", "openai", "openai_compatible"
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitClient backs ModelClient with a Genkit instance.
type GenkitClient struct {
	g        *genkit.Genkit
	cfg      GenkitConfig
	llmOn    bool
	provider string
}

// NewGenkitClient initializes Genkit with the configured provider. A missing
// API key yields a client whose calls fail fast rather than a nil client, so
// wiring stays uniform.
func NewGenkitClient(ctx context.Context, cfg GenkitConfig) *GenkitClient {
	prov := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if prov == "" {
		prov = "google"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(prov)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(prov)
	}

	var g *genkit.Genkit
	llmOn := false

	switch prov {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			slog.Info("model client initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; model calls will fail fast")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			slog.Info("model client initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; model calls will fail fast")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
			slog.Info("model client initialized", "provider", "openai_compatible", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI-compatible API key missing; model calls will fail fast")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			slog.Info("model client initialized", "provider", "google", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; model calls will fail fast")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown model provider; model calls will fail fast", "provider", prov)
	}

	return &GenkitClient{g: g, cfg: cfg, llmOn: llmOn, provider: prov}
}

func (c *GenkitClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if !c.llmOn {
		return nil, fmt.Errorf("model provider %q not configured: missing API key", c.provider)
	}
	opts := c.buildOpts(req)
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	text := resp.Text()
	return &Response{Text: text, Usage: EstimateUsage(req, text)}, nil
}

func (c *GenkitClient) Stream(ctx context.Context, req Request, onText func(string) error) (*Response, error) {
	if !c.llmOn {
		return nil, fmt.Errorf("model provider %q not configured: missing API key", c.provider)
	}
	opts := c.buildOpts(req)
	stream := genkit.GenerateStream(ctx, c.g, opts...)

	var full strings.Builder
	for streamVal, err := range stream {
		if err != nil {
			return nil, fmt.Errorf("stream: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if onText != nil {
						if err := onText(part.Text); err != nil {
							return nil, err
						}
					}
					full.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil && full.Len() == 0 {
			full.WriteString(streamVal.Response.Text())
		}
	}
	text := full.String()
	return &Response{Text: text, Usage: EstimateUsage(req, text)}, nil
}

func (c *GenkitClient) buildOpts(req Request) []ai.GenerateOption {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(c.provider, model)),
		ai.WithPrompt(req.Prompt),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if msgs := toGenkitMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	return opts
}

func toGenkitMessages(messages []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range messages {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

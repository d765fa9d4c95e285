package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kadirpekel/agentmesh/pkg/config"
	"github.com/kadirpekel/agentmesh/pkg/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic messages API.
type AnthropicProvider struct {
	name       string
	cfg        *config.LLMProviderConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider creates a provider from its config entry.
func NewAnthropicProvider(name string, cfg *config.LLMProviderConfig) *AnthropicProvider {
	return &AnthropicProvider{
		name: name,
		cfg:  cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// Generate implements Provider. The messages API rejects a leading system
// role in messages, so system turns are lifted into the system field.
func (p *AnthropicProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	tracer := otel.Tracer("agentmesh.llms")
	ctx, span := tracer.Start(ctx, "llm.generate")
	span.SetAttributes(
		attribute.String("llm.provider", p.name),
		attribute.String("llm.model", model),
	)
	defer span.End()

	var system string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}

	if req.ForceJSON {
		// No response_format equivalent; steer through the system prompt.
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with a single valid JSON object and nothing else."
	}

	body := anthropicRequest{
		Model:       model,
		System:      system,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	if body.Temperature == nil {
		t := p.cfg.Temperature
		body.Temperature = &t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := http.Header{}
	headers.Set("x-api-key", p.cfg.APIKey)
	headers.Set("anthropic-version", anthropicVersion)

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	url := strings.TrimSuffix(baseURL, "/") + "/messages"

	resp, err := p.httpClient.Post(ctx, url, payload, headers)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response (%d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		span.SetStatus(codes.Error, parsed.Error.Message)
		return nil, fmt.Errorf("anthropic error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic returned status %d", resp.StatusCode)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", parsed.Usage.InputTokens),
		attribute.Int("llm.output_tokens", parsed.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")

	return &GenerateResponse{
		Text:         text.String(),
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

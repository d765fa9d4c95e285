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

// OpenAIProvider speaks the OpenAI chat-completions API. It also covers any
// OpenAI-compatible endpoint (ollama's /v1, vllm, llama.cpp server).
type OpenAIProvider struct {
	name       string
	cfg        *config.LLMProviderConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []Message             `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewOpenAIProvider creates a provider from its config entry.
func NewOpenAIProvider(name string, cfg *config.LLMProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{
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
func (p *OpenAIProvider) Name() string { return p.name }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
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

	body := openAIRequest{
		Model:       model,
		Messages:    req.Messages,
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
	if req.ForceJSON {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := http.Header{}
	if p.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	resp, err := p.httpClient.Post(ctx, url, payload, headers)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response (%d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		span.SetStatus(codes.Error, parsed.Error.Message)
		return nil, fmt.Errorf("openai error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", parsed.Usage.PromptTokens),
		attribute.Int("llm.output_tokens", parsed.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "")

	return &GenerateResponse{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/agentmesh/pkg/httpclient"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIEmbedder generates embeddings through an OpenAI-compatible
// /embeddings endpoint. It backs the vector store's query path.
type OpenAIEmbedder struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAIEmbedder creates an embedder. model defaults to
// text-embedding-3-small.
func NewOpenAIEmbedder(baseURL, apiKey, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding api key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &OpenAIEmbedder{
		client:  httpclient.New(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements vector.Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Post(ctx, e.baseURL+"/embeddings", payload, headers)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(raw))
	}

	var out embedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return out.Data[0].Embedding, nil
}

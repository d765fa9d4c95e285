package llms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingProvider struct {
	last GenerateRequest
}

func (c *capturingProvider) Name() string { return "capture" }

func (c *capturingProvider) Generate(_ context.Context, req GenerateRequest) (*GenerateResponse, error) {
	c.last = req
	return &GenerateResponse{Text: "ok"}, nil
}

func TestWithModel(t *testing.T) {
	base := &capturingProvider{}

	t.Run("fills an empty model", func(t *testing.T) {
		p := WithModel(base, "gpt-4o-mini")
		_, err := p.Generate(context.Background(), GenerateRequest{})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", base.last.Model)
		assert.Equal(t, "capture", p.Name())
	})

	t.Run("an explicit model wins", func(t *testing.T) {
		p := WithModel(base, "gpt-4o-mini")
		_, err := p.Generate(context.Background(), GenerateRequest{Model: "o3"})
		require.NoError(t, err)
		assert.Equal(t, "o3", base.last.Model)
	})

	t.Run("empty override is a no-op", func(t *testing.T) {
		assert.Same(t, Provider(base), WithModel(base, ""))
	})

	t.Run("the outermost wrapper wins when stacked", func(t *testing.T) {
		p := WithModel(WithModel(base, "fallback"), "preferred")
		_, err := p.Generate(context.Background(), GenerateRequest{})
		require.NoError(t, err)
		assert.Equal(t, "preferred", base.last.Model)
	})
}

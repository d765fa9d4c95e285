package llms

import "context"

// WithModel returns a provider that fills in model on every request that
// does not name one itself. An empty model returns p unchanged, so the
// call sites can pass configuration values through without checking them.
func WithModel(p Provider, model string) Provider {
	if model == "" {
		return p
	}
	return &modelOverride{p: p, model: model}
}

type modelOverride struct {
	p     Provider
	model string
}

func (m *modelOverride) Name() string { return m.p.Name() }

func (m *modelOverride) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Model == "" {
		req.Model = m.model
	}
	return m.p.Generate(ctx, req)
}

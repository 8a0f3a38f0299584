// Package gateway is the boundary between the pipelines and the remote
// text-generation service. Pipelines depend on the Gateway interface; the
// production implementation is Session, which routes through a
// unifiedllm.Client.
package gateway

import (
	"context"
	"errors"
)

// ErrNoCredential is returned when a pipeline is started without an
// initialized credential.
var ErrNoCredential = errors.New("gateway: no API credential configured")

// ModelParams are the per-request sampling parameters.
type ModelParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Gateway sends a system and user prompt to the service and returns the raw
// text of the reply.
type Gateway interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, p ModelParams) (string, error)
}

// Authenticator is implemented by gateways that know whether they hold a
// credential.
type Authenticator interface {
	Authenticated() bool
}

// RequireCredential fails with ErrNoCredential for a nil gateway or one that
// reports it has no credential.
func RequireCredential(g Gateway) error {
	if g == nil {
		return ErrNoCredential
	}
	if a, ok := g.(Authenticator); ok && !a.Authenticated() {
		return ErrNoCredential
	}
	return nil
}

// Func adapts an ordinary function to the Gateway interface.
type Func func(ctx context.Context, systemPrompt, userPrompt string, p ModelParams) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, systemPrompt, userPrompt string, p ModelParams) (string, error) {
	return f(ctx, systemPrompt, userPrompt, p)
}

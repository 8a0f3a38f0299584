package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/martinemde/attrnorm/unifiedllm"
	"go.uber.org/zap"
)

// Session is an authenticated handle on the service, built once per run and
// shared read-only by both pipelines.
type Session struct {
	credential string
	provider   string
	client     *unifiedllm.Client
	logger     *zap.Logger

	mu    sync.Mutex
	usage unifiedllm.Usage
	calls int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProvider pins requests to one registered provider.
func WithProvider(name string) SessionOption {
	return func(s *Session) {
		s.provider = name
	}
}

// NewSession returns a Session. An empty credential or nil client yields a
// session that reports Authenticated() == false.
func NewSession(credential string, client *unifiedllm.Client, opts ...SessionOption) *Session {
	s := &Session{
		credential: credential,
		client:     client,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticated reports whether the session holds a credential and a client.
func (s *Session) Authenticated() bool {
	return s != nil && s.credential != "" && s.client != nil
}

// Complete implements Gateway.
func (s *Session) Complete(ctx context.Context, systemPrompt, userPrompt string, p ModelParams) (string, error) {
	if !s.Authenticated() {
		return "", ErrNoCredential
	}

	temperature := p.Temperature
	opts := unifiedllm.GenerateOptions{
		Client:      s.client,
		Model:       p.Model,
		Provider:    s.provider,
		System:      systemPrompt,
		Prompt:      userPrompt,
		Temperature: &temperature,
	}
	if p.MaxTokens > 0 {
		maxTokens := p.MaxTokens
		opts.MaxTokens = &maxTokens
	}

	result, err := unifiedllm.Generate(ctx, opts)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.usage = s.usage.Add(result.Usage)
	s.calls++
	s.mu.Unlock()

	s.logger.Debug("completion received",
		zap.String("model", result.Response.Model),
		zap.String("response_id", result.Response.ID),
		zap.Bool("cached", result.Cached),
		zap.Int("output_tokens", result.Usage.OutputTokens),
		zap.Duration("elapsed", result.Elapsed.Round(time.Millisecond)),
	)
	return result.Text, nil
}

// Usage returns the accumulated token usage and the number of successful
// calls.
func (s *Session) Usage() (unifiedllm.Usage, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.calls
}

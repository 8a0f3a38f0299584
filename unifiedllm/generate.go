package unifiedllm

import (
	"context"
	"time"
)

// GenerateOptions configures a Generate call.
type GenerateOptions struct {
	Client      *Client
	Model       string
	Provider    string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   *int
	Metadata    map[string]string
}

// GenerateResult is returned by Generate.
type GenerateResult struct {
	Text         string        `json:"text"`
	FinishReason FinishReason  `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Cached       bool          `json:"cached,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Response     Response      `json:"response"`
}

// Generate sends one system+user exchange and returns the text. It makes a
// single call; retrying is left to the caller (see Attempt).
func Generate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Client == nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "generate: client is required"}}
	}
	if opts.Prompt == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "generate: prompt is empty"}}
	}

	messages := []Message{UserMessage(opts.Prompt)}
	if opts.System != "" {
		messages = append([]Message{SystemMessage(opts.System)}, messages...)
	}

	var maxTokens *int
	if opts.MaxTokens != nil {
		n := ClampMaxTokens(opts.Model, *opts.MaxTokens)
		maxTokens = &n
	}

	req := Request{
		Model:       opts.Model,
		Provider:    opts.Provider,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   maxTokens,
		Metadata:    opts.Metadata,
	}

	start := time.Now()
	resp, err := opts.Client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		Text:         resp.Text(),
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Cached:       resp.Cached,
		Elapsed:      time.Since(start),
		Response:     *resp,
	}, nil
}

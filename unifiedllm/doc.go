// Package unifiedllm is a small provider-agnostic client for text-generation
// services. It wraps the gollm library (github.com/teilomillet/gollm) behind
// a ProviderAdapter interface so pipelines can be tested against stubs and
// pointed at OpenAI, Anthropic or any other provider gollm supports.
//
// # Architecture
//
//   - Provider layer: ProviderAdapter and the shared Request/Response types
//   - Utilities: error classification (RateLimitError, ServerError, ...),
//     the Attempt retry driver and RateLimitMiddleware
//   - Client: provider routing plus an onion-style middleware chain
//   - High-level API: Generate for one system+user exchange
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai", adapter))
//
//	result, err := unifiedllm.Generate(ctx, unifiedllm.GenerateOptions{
//	    Client: client,
//	    Model:  "gpt-4",
//	    System: "You consolidate game attribute mappings.",
//	    Prompt: `{"hp":{},"health_points":{}}`,
//	})
//
// # Retries
//
// Neither the adapter nor the client retries on its own. Callers decide per
// unit of work with Attempt, classifying each failure as retry-after-delay or
// fail-fast:
//
//	text, attempts, err := unifiedllm.Attempt(ctx, unifiedllm.AttemptPolicy{
//	    MaxAttempts: 3,
//	    Classify: func(err error, attempt int) unifiedllm.Verdict {
//	        if unifiedllm.IsRateLimited(err) {
//	            return unifiedllm.RetryAfter(time.Duration(attempt+1) * 5 * time.Second)
//	        }
//	        return unifiedllm.FailFast()
//	    },
//	}, op)
package unifiedllm

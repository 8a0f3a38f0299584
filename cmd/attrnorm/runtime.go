package main

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/martinemde/attrnorm/cache"
	"github.com/martinemde/attrnorm/config"
	"github.com/martinemde/attrnorm/gateway"
	"github.com/martinemde/attrnorm/unifiedllm"
)

// runtime owns the resources one command needs to reach the provider.
type runtime struct {
	session *gateway.Session
	client  *unifiedllm.Client
	store   *cache.Store
	log     *zap.Logger
}

// resolveCredential picks the key from the flag, then the argument, then the
// environment.
func resolveCredential(flag string, args []string, creds config.Credentials, provider string) string {
	if flag != "" {
		return flag
	}
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return creds.For(provider)
}

func newRuntime(cfg *config.Config, args []string, log *zap.Logger) (*runtime, error) {
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	key := resolveCredential(apiKey, args, creds, cfg.Provider)
	if key == "" {
		return nil, fmt.Errorf("%w: set --api-key or the %s key in the environment", gateway.ErrNoCredential, cfg.Provider)
	}
	log.Info("provider initialized", zap.String("provider", cfg.Provider), zap.Bool("api_key_present", true))

	adapter, err := unifiedllm.NewGollmAdapter(cfg.Provider, key,
		unifiedllm.WithModel(cfg.Consolidation.Name),
		unifiedllm.WithTemperature(cfg.Consolidation.Temperature),
		unifiedllm.WithMaxTokens(cfg.Consolidation.MaxTokens),
		unifiedllm.WithTimeout(cfg.Gateway.Timeout),
	)
	if err != nil {
		return nil, err
	}

	rt := &runtime{log: log}
	var middleware []unifiedllm.Middleware
	if cfg.Gateway.CachePath != "" {
		rt.store, err = cache.Open(cfg.Gateway.CachePath, log)
		if err != nil {
			return nil, err
		}
		middleware = append(middleware, rt.store.Middleware(cache.AcceptIf(gateway.Parseable)))
	}
	if lim := unifiedllm.PerMinute(cfg.Gateway.RequestsPerMinute); lim != nil {
		middleware = append(middleware, unifiedllm.RateLimitMiddleware(lim))
	}

	rt.client = unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithMiddleware(middleware...),
	)
	rt.session = gateway.NewSession(key, rt.client,
		gateway.WithLogger(log.Named("gateway")),
		gateway.WithProvider(cfg.Provider),
	)
	return rt, nil
}

// Close logs usage and releases the client and cache.
func (rt *runtime) Close() error {
	usage, calls := rt.session.Usage()
	fields := []zap.Field{
		zap.Int("calls", calls),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
	}
	if rt.store != nil {
		hits, misses := rt.store.Stats()
		fields = append(fields, zap.Int64("cache_hits", hits), zap.Int64("cache_misses", misses))
	}
	rt.log.Info("gateway usage", fields...)

	err := rt.client.Close()
	if rt.store != nil {
		err = multierr.Append(err, rt.store.Close())
	}
	return err
}

// Package consolidate folds a large set of raw attribute keys into unified
// attributes with alias lists. The mapping is sent to the text-generation
// service in fixed-size chunks; each chunk is retried on its own and a chunk
// that keeps failing is skipped without failing the run.
//
// Chunks are consolidated independently. Two synonymous keys that land in
// different chunks stay separate entries unless the service happens to give
// them the same unified name, in which case their aliases are combined.
package consolidate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/martinemde/attrnorm/attrs"
	"github.com/martinemde/attrnorm/gateway"
	"github.com/martinemde/attrnorm/report"
	"github.com/martinemde/attrnorm/unifiedllm"
	"go.uber.org/zap"
)

const (
	DefaultChunkSize   = 20
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// DefaultParams are the sampling parameters for consolidation requests.
var DefaultParams = gateway.ModelParams{Model: "gpt-4", Temperature: 0.3, MaxTokens: 2000}

// Options configures a Consolidator. Zero values take the defaults.
type Options struct {
	ChunkSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Params      gateway.ModelParams

	Logger *zap.Logger
	Timer  backoff.Timer // drives retry waits; nil uses real time
}

func (o Options) withDefaults() Options {
	if o.ChunkSize < 1 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Params.Model == "" {
		o.Params.Model = DefaultParams.Model
	}
	if o.Params.MaxTokens <= 0 {
		o.Params.MaxTokens = DefaultParams.MaxTokens
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Consolidator runs attribute consolidation against a gateway.
type Consolidator struct {
	gw   gateway.Gateway
	opts Options
	log  *zap.Logger
}

// New returns a Consolidator. A zero Params.Temperature is sent as is.
func New(gw gateway.Gateway, opts Options) *Consolidator {
	opts = opts.withDefaults()
	return &Consolidator{
		gw:   gw,
		opts: opts,
		log:  opts.Logger.Named("consolidate"),
	}
}

// Result is the outcome of a consolidation run.
type Result struct {
	Mapping *attrs.ConsolidatedMapping
	Report  report.Report
	Stats   Stats
}

// Consolidate partitions mapping into chunks and consolidates each one. It
// only returns an error when no gateway credential is available; failed
// chunks are recorded in the report and their keys are left out of the
// mapping.
func (c *Consolidator) Consolidate(ctx context.Context, mapping *attrs.RawMapping) (Result, error) {
	if err := gateway.RequireCredential(c.gw); err != nil {
		return Result{}, err
	}

	keys := attrs.Keys(mapping)
	rawKeys := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		rawKeys[k] = struct{}{}
	}
	chunks := Partition(keys, c.opts.ChunkSize)

	rep := report.New("chunk", len(chunks))
	log := c.log.With(zap.String("run_id", rep.RunID))
	log.Info("starting consolidation",
		zap.Int("attributes", len(keys)),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", c.opts.ChunkSize),
	)

	out := attrs.NewConsolidatedMapping()
	for i, chunk := range chunks {
		label := fmt.Sprintf("chunk %d/%d", i+1, len(chunks))
		clog := log.With(zap.Int("chunk", i+1), zap.Int("keys", len(chunk)))

		if err := ctx.Err(); err != nil {
			clog.Warn("skipping chunk", zap.Error(err))
			rep.Fail(i, label, 0, err)
			continue
		}

		reply, attempts, err := c.processChunk(ctx, clog, mapping, chunk)
		if err != nil {
			clog.Error("chunk failed, moving to next chunk",
				zap.Int("attempts", attempts),
				zap.Bool("unparseable_reply", gateway.IsParseError(err)),
				zap.Error(err),
			)
			rep.Fail(i, label, attempts, err)
			continue
		}

		clean := sanitize(reply, chunk, rawKeys, clog)
		for _, name := range mergeAll(out, clean) {
			clog.Info("unified name seen in an earlier chunk, aliases combined", zap.String("unified", name))
		}
		for pair := clean.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.Merged() {
				clog.Debug("merged", zap.String("entry", pair.Key), zap.Strings("aliases", pair.Value.Aliases))
			}
		}
		rep.Succeed(attempts - 1)
		clog.Info("chunk done", zap.Int("entries", clean.Len()), zap.Int("attempts", attempts))
	}

	res := Result{
		Mapping: out,
		Report:  rep.Finish(),
		Stats:   ComputeStats(len(keys), out),
	}
	log.Info("consolidation complete", append(res.Report.Fields(), zap.Int("consolidated", out.Len()))...)
	return res, nil
}

func (c *Consolidator) processChunk(ctx context.Context, log *zap.Logger, mapping *attrs.RawMapping, chunk []string) (*attrs.ConsolidatedMapping, int, error) {
	user, err := userPrompt(mapping, chunk)
	if err != nil {
		return nil, 0, err
	}

	policy := unifiedllm.AttemptPolicy{
		MaxAttempts: c.opts.MaxAttempts,
		Classify:    c.classify,
		Timer:       c.opts.Timer,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			log.Warn("chunk attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Int("attempts_left", c.opts.MaxAttempts-attempt-1),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
		},
	}

	return unifiedllm.Attempt(ctx, policy, func(ctx context.Context, attempt int) (*attrs.ConsolidatedMapping, error) {
		reply := attrs.NewConsolidatedMapping()
		comp, err := gateway.CompleteJSON(ctx, c.gw, systemPrompt, user, c.opts.Params, reply)
		if err != nil {
			return nil, err
		}
		if comp.Repaired {
			log.Warn("reply was truncated and has been repaired", zap.Int("raw_bytes", len(comp.Raw)))
		}
		return reply, nil
	})
}

// classify retries every failure. A rate-limit hint longer than RetryDelay
// is honoured.
func (c *Consolidator) classify(err error, _ int) unifiedllm.Verdict {
	delay := c.opts.RetryDelay
	if hint := unifiedllm.RetryAfterHint(err); hint > delay {
		delay = hint
	}
	return unifiedllm.RetryAfter(delay)
}

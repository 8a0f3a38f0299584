// Package normalize rewrites the attribute keys of game items to the
// unified names of a consolidated mapping, one item per request.
//
// Items are sent one at a time in batches with fixed pauses between items
// and between batches. Rate-limited requests are retried with a growing
// delay; any other failure drops the item. A run never aborts because of a
// single item.
package normalize

import (
	"context"
	"encoding/json"
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
	DefaultBatchSize      = 2
	DefaultMaxAttempts    = 3
	DefaultRateLimitStep  = 5 * time.Second
	DefaultItemPause      = 2 * time.Second
	DefaultBatchPause     = 10 * time.Second
	DefaultMaxFieldLength = 500
	DefaultEllipsis       = "..."
)

// DefaultParams are the sampling parameters for normalization requests.
var DefaultParams = gateway.ModelParams{Model: "gpt-4", Temperature: 0.3, MaxTokens: 1000}

// PauseFunc waits for d or until ctx is done.
type PauseFunc func(ctx context.Context, d time.Duration) error

// Options configures a Normalizer. Zero values take the defaults.
type Options struct {
	BatchSize      int
	MaxAttempts    int
	RateLimitStep  time.Duration
	ItemPause      time.Duration
	BatchPause     time.Duration
	MaxFieldLength int
	Ellipsis       string
	Match          MatchMode
	Params         gateway.ModelParams

	Logger *zap.Logger
	Pause  PauseFunc
	Timer  backoff.Timer // drives retry waits; nil uses real time
}

func (o Options) withDefaults() Options {
	if o.BatchSize < 1 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RateLimitStep <= 0 {
		o.RateLimitStep = DefaultRateLimitStep
	}
	if o.ItemPause <= 0 {
		o.ItemPause = DefaultItemPause
	}
	if o.BatchPause <= 0 {
		o.BatchPause = DefaultBatchPause
	}
	if o.MaxFieldLength < 1 {
		o.MaxFieldLength = DefaultMaxFieldLength
	}
	if o.Ellipsis == "" {
		o.Ellipsis = DefaultEllipsis
	}
	if o.Match == "" {
		o.Match = MatchExact
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
	if o.Pause == nil {
		o.Pause = sleep
	}
	return o
}

// Normalizer runs item normalization against a gateway.
type Normalizer struct {
	gw   gateway.Gateway
	opts Options
	log  *zap.Logger
}

// New returns a Normalizer.
func New(gw gateway.Gateway, opts Options) *Normalizer {
	opts = opts.withDefaults()
	return &Normalizer{
		gw:   gw,
		opts: opts,
		log:  opts.Logger.Named("normalize"),
	}
}

// Result is the outcome of a normalization run.
type Result struct {
	Items      []attrs.Item // successful items in input order
	Report     report.Report
	Deviations int // groups where the reply disagreed with the exact rewrite
}

// NormalizeAll normalizes items against mapping. It fails only when the
// gateway has no credential; failed items are left out of Result.Items and
// listed in the report.
func (n *Normalizer) NormalizeAll(ctx context.Context, items []attrs.Item, mapping *attrs.ConsolidatedMapping) (Result, error) {
	if err := gateway.RequireCredential(n.gw); err != nil {
		return Result{}, err
	}

	names, err := json.Marshal(attrs.AliasNames(mapping))
	if err != nil {
		return Result{}, fmt.Errorf("encode mapping: %w", err)
	}
	index := attrs.AliasIndex(mapping)

	rep := report.New("item", len(items))
	log := n.log.With(zap.String("run_id", rep.RunID))
	batches := (len(items) + n.opts.BatchSize - 1) / n.opts.BatchSize
	log.Info("starting normalization",
		zap.Int("items", len(items)),
		zap.Int("batches", batches),
		zap.Int("batch_size", n.opts.BatchSize),
		zap.String("match", string(n.opts.Match)),
	)

	res := Result{Items: make([]attrs.Item, 0, len(items))}
	for b := 0; b < batches; b++ {
		start := b * n.opts.BatchSize
		end := min(start+n.opts.BatchSize, len(items))

		for i := start; i < end; i++ {
			if i > start {
				n.pause(ctx, log, n.opts.ItemPause)
			}
			label := itemLabel(items[i], i)
			ilog := log.With(zap.Int("item", i+1), zap.String("item_name", label))

			if err := ctx.Err(); err != nil {
				ilog.Warn("skipping item", zap.Error(err))
				rep.Fail(i, label, 0, err)
				continue
			}

			out, attempts, deviations, err := n.normalizeOne(ctx, ilog, items[i], names, index)
			if err != nil {
				ilog.Error("item failed, dropping it",
					zap.Int("attempts", attempts),
					zap.Bool("unparseable_reply", gateway.IsParseError(err)),
					zap.Error(err),
				)
				rep.Fail(i, label, attempts, err)
				continue
			}
			res.Items = append(res.Items, out)
			res.Deviations += deviations
			rep.Succeed(attempts - 1)
			ilog.Info("item normalized", zap.Int("attempts", attempts))
		}

		log.Info("batch processed", zap.Int("batch", b+1), zap.Int("of", batches))
		if b < batches-1 {
			n.pause(ctx, log, n.opts.BatchPause)
		}
	}

	res.Report = rep.Finish()
	log.Info("normalization complete", append(res.Report.Fields(), zap.Int("deviations", res.Deviations))...)
	return res, nil
}

func (n *Normalizer) normalizeOne(ctx context.Context, log *zap.Logger, item attrs.Item, names []byte, index map[string]string) (attrs.Item, int, int, error) {
	prepped := Preprocess(item, n.opts.MaxFieldLength, n.opts.Ellipsis)
	user, err := userPrompt(names, prepped, n.opts.Match)
	if err != nil {
		return attrs.Item{}, 0, 0, err
	}

	policy := unifiedllm.AttemptPolicy{
		MaxAttempts: n.opts.MaxAttempts,
		Classify:    n.classify,
		Timer:       n.opts.Timer,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			log.Warn("rate limited, retrying", zap.Int("attempt", attempt+1), zap.Duration("retry_in", delay))
		},
	}
	reply, attempts, err := unifiedllm.Attempt(ctx, policy, func(ctx context.Context, attempt int) (attrs.Item, error) {
		var got attrs.Item
		comp, err := gateway.CompleteJSON(ctx, n.gw, systemPrompt, user, n.opts.Params, &got)
		if err != nil {
			return attrs.Item{}, err
		}
		if comp.Repaired {
			log.Warn("reply was truncated and has been repaired", zap.Int("raw_bytes", len(comp.Raw)))
		}
		return got, nil
	})
	if err != nil {
		return attrs.Item{}, attempts, 0, err
	}

	out, deviations, collisions := reconcile(prepped, reply, index, n.opts.Match)
	for _, d := range deviations {
		log.Warn("reply differs from exact mapping, using exact rewrite",
			zap.String("group", d.Group),
			zap.Strings("missing", d.Missing),
			zap.Strings("unexpected", d.Invented),
		)
	}
	if len(collisions) > 0 {
		log.Warn("several keys map to the same unified name, first kept", zap.Strings("dropped", collisions))
	}
	return out, attempts, len(deviations), nil
}

// classify retries rate limits after (attempt+1) * RateLimitStep. Every
// other failure is final.
func (n *Normalizer) classify(err error, attempt int) unifiedllm.Verdict {
	if unifiedllm.IsRateLimited(err) {
		return unifiedllm.RetryAfter(time.Duration(attempt+1) * n.opts.RateLimitStep)
	}
	return unifiedllm.FailFast()
}

func (n *Normalizer) pause(ctx context.Context, log *zap.Logger, d time.Duration) {
	if err := n.opts.Pause(ctx, d); err != nil {
		log.Debug("pause interrupted", zap.Error(err))
	}
}

func itemLabel(it attrs.Item, i int) string {
	if it.ItemName != "" {
		return Truncate(it.ItemName, 80, DefaultEllipsis)
	}
	return fmt.Sprintf("item %d", i+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/martinemde/attrnorm/attrs"
	"github.com/martinemde/attrnorm/consolidate"
	"github.com/martinemde/attrnorm/gateway"
	"github.com/martinemde/attrnorm/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingAdapter answers call n with replies[n], repeating the last one. No
// replies means a fixed JSON document.
type countingAdapter struct {
	calls   int
	err     error
	replies []string
}

func (a *countingAdapter) Name() string { return "openai" }

func (a *countingAdapter) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	text := `{"hp":"unified_health"}`
	if len(a.replies) > 0 {
		text = a.replies[min(a.calls, len(a.replies))-1]
	}
	return &unifiedllm.Response{
		ID:       "resp_1",
		Model:    req.Model,
		Provider: "openai",
		Message:  unifiedllm.AssistantMessage(text),
		Usage:    unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache", "completions.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type instantTimer struct{ c chan time.Time }

func (f *instantTimer) Start(time.Duration) { f.c <- time.Now() }
func (f *instantTimer) Stop()               {}
func (f *instantTimer) C() <-chan time.Time { return f.c }

func request(prompt string) unifiedllm.Request {
	temp := 0.3
	return unifiedllm.Request{
		Model:       "gpt-4",
		Messages:    []unifiedllm.Message{unifiedllm.SystemMessage("sys"), unifiedllm.UserMessage(prompt)},
		Temperature: &temp,
	}
}

func TestMiddlewareServesRepeatsFromCache(t *testing.T) {
	s := openStore(t)
	adapter := &countingAdapter{}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider("openai", adapter),
		unifiedllm.WithMiddleware(s.Middleware()),
	)

	first, err := client.Complete(context.Background(), request("chunk 1"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := client.Complete(context.Background(), request("chunk 1"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text(), second.Text())
	assert.Equal(t, 15, second.Usage.TotalTokens)

	_, err = client.Complete(context.Background(), request("chunk 2"))
	require.NoError(t, err)

	assert.Equal(t, 2, adapter.calls)
	hits, misses := s.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 2, misses)
}

func TestMiddlewareDoesNotCacheErrors(t *testing.T) {
	s := openStore(t)
	adapter := &countingAdapter{err: unifiedllm.ErrorFromStatusCode(429, "slow down", "openai", nil)}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider("openai", adapter),
		unifiedllm.WithMiddleware(s.Middleware()),
	)

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), request("chunk 1"))
		assert.True(t, unifiedllm.IsRateLimited(err))
	}
	assert.Equal(t, 2, adapter.calls)

	got, err := s.Get(context.Background(), Key(request("chunk 1")))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetryBypassesRejectedReply(t *testing.T) {
	s := openStore(t)
	adapter := &countingAdapter{replies: []string{
		`{"hp": nonsense`,
		`{"hp": {"unified": "hp", "aliases": ["hp"]}}`,
	}}
	session := gateway.NewSession("sk-test", unifiedllm.NewClient(
		unifiedllm.WithProvider("openai", adapter),
		unifiedllm.WithMiddleware(s.Middleware()),
	))
	mapping := attrs.NewRawMapping()
	mapping.Set("hp", json.RawMessage(`{}`))
	run := func() consolidate.Result {
		t.Helper()
		opts := consolidate.Options{Timer: &instantTimer{c: make(chan time.Time, 1)}}
		res, err := consolidate.New(session, opts).Consolidate(context.Background(), mapping)
		require.NoError(t, err)
		return res
	}

	res := run()
	assert.Equal(t, 2, adapter.calls, "the retry must reach the provider")
	assert.Equal(t, 1, res.Report.Succeeded)
	assert.Zero(t, res.Report.Failed)
	assert.Equal(t, 1, res.Mapping.Len())

	res = run()
	assert.Equal(t, 2, adapter.calls, "a re-run is answered by the stored reply")
	assert.Equal(t, 1, res.Report.Succeeded)
	assert.Zero(t, res.Report.Retries)
	hits, _ := s.Stats()
	assert.EqualValues(t, 1, hits)
}

func TestAcceptIfSkipsUnparseableReplies(t *testing.T) {
	s := openStore(t)
	adapter := &countingAdapter{replies: []string{`{"hp": nonsense`, `{"hp": "unified_health"}`}}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider("openai", adapter),
		unifiedllm.WithMiddleware(s.Middleware(AcceptIf(gateway.Parseable))),
	)
	ctx := context.Background()

	first, err := client.Complete(ctx, request("chunk 1"))
	require.NoError(t, err)
	assert.Equal(t, `{"hp": nonsense`, first.Text(), "a rejected reply still reaches the caller")
	got, err := s.Get(ctx, Key(request("chunk 1")))
	require.NoError(t, err)
	assert.Nil(t, got)

	second, err := client.Complete(ctx, request("chunk 1"))
	require.NoError(t, err)
	assert.False(t, second.Cached)

	third, err := client.Complete(ctx, request("chunk 1"))
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.Equal(t, `{"hp": "unified_health"}`, third.Text())
	assert.Equal(t, 2, adapter.calls)
}

func TestPutReplaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &CompletionModel{Key: "k", Model: "gpt-4", Text: "old"}))
	require.NoError(t, s.Put(ctx, &CompletionModel{Key: "k", Model: "gpt-4", Text: "new"}))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Text)

	assert.Error(t, s.Put(ctx, nil))
}

func TestCachePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "completions.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), &CompletionModel{Key: "k", Text: "kept"}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "kept", got.Text)
}

func TestKey(t *testing.T) {
	base := request("same")
	assert.Equal(t, Key(base), Key(request("same")))
	assert.Len(t, Key(base), 64)

	other := request("same")
	temp := 0.9
	other.Temperature = &temp
	assert.NotEqual(t, Key(base), Key(other))

	other = request("same")
	other.Model = "gpt-4o"
	assert.NotEqual(t, Key(base), Key(other))

	assert.NotEqual(t, Key(base), Key(request("different")))
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ", nil)
	assert.EqualError(t, err, "cache path cannot be empty")
}

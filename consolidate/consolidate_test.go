package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/martinemde/attrnorm/attrs"
	"github.com/martinemde/attrnorm/gateway"
	"github.com/martinemde/attrnorm/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedGateway answers each call with reply(call, userPrompt).
type scriptedGateway struct {
	mu      sync.Mutex
	prompts []string
	reply   func(call int, user string) (string, error)
}

func (g *scriptedGateway) Complete(ctx context.Context, system, user string, p gateway.ModelParams) (string, error) {
	g.mu.Lock()
	call := len(g.prompts)
	g.prompts = append(g.prompts, user)
	g.mu.Unlock()
	return g.reply(call, user)
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// fakeTimer fires immediately and records the requested delays.
type fakeTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func newFakeTimer() *fakeTimer { return &fakeTimer{c: make(chan time.Time, 1)} }

func (f *fakeTimer) Start(d time.Duration) {
	f.delays = append(f.delays, d)
	f.c <- time.Now()
}
func (f *fakeTimer) Stop()               {}
func (f *fakeTimer) C() <-chan time.Time { return f.c }

func rawMapping(t *testing.T, keys ...string) *attrs.RawMapping {
	t.Helper()
	m := attrs.NewRawMapping()
	for _, k := range keys {
		m.Set(k, json.RawMessage(`{}`))
	}
	return m
}

// keysIn returns the keys of want that the prompt mentions, in order.
func keysIn(user string, want []string) []string {
	var found []string
	for _, k := range want {
		if strings.Contains(user, `"`+k+`":`) {
			found = append(found, k)
		}
	}
	return found
}

// echoReply keeps every key it sees as its own entry.
func echoReply(keys []string) string {
	m := attrs.NewConsolidatedMapping()
	for _, k := range keys {
		m.Set(k, attrs.Descriptor{Unified: k, Aliases: []string{k}})
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func descriptors(m *attrs.ConsolidatedMapping) map[string]attrs.Descriptor {
	out := make(map[string]attrs.Descriptor, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

func TestConsolidateMergesSynonymsInOneChunk(t *testing.T) {
	gw := &scriptedGateway{reply: func(int, string) (string, error) {
		return `{
  "unified_health": {"unified": "unified_health", "aliases": ["hp", "health_points"]},
  "unified_damage": {"unified": "unified_damage", "aliases": ["dmg"]}
}`, nil
	}}

	res, err := New(gw, Options{Timer: newFakeTimer()}).Consolidate(context.Background(), rawMapping(t, "hp", "health_points", "dmg"))
	require.NoError(t, err)

	assert.Equal(t, 1, gw.calls(), "three keys fit in one chunk")
	want := map[string]attrs.Descriptor{
		"unified_health": {Unified: "unified_health", Aliases: []string{"hp", "health_points"}},
		"unified_damage": {Unified: "unified_damage", Aliases: []string{"dmg"}},
	}
	if diff := cmp.Diff(want, descriptors(res.Mapping)); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"unified_health", "unified_damage"}, attrs.Keys(res.Mapping))

	assert.Equal(t, 1, res.Report.Total)
	assert.Equal(t, 1, res.Report.Succeeded)
	assert.Zero(t, res.Report.Failed)
	assert.Equal(t, 3, res.Stats.Original)
	assert.Equal(t, 2, res.Stats.Consolidated)
	assert.Equal(t, 1, res.Stats.Merged)
	assert.InDelta(t, 33.33, res.Stats.Reduction, 0.01)
}

func TestConsolidateSkipsExhaustedChunk(t *testing.T) {
	var keys []string
	for i := 0; i < 45; i++ {
		keys = append(keys, fmt.Sprintf("attr_%02d", i))
	}
	failing := keys[20:40]

	gw := &scriptedGateway{reply: func(_ int, user string) (string, error) {
		if len(keysIn(user, failing)) > 0 {
			return "", errors.New("upstream unavailable")
		}
		return echoReply(keysIn(user, keys)), nil
	}}
	timer := newFakeTimer()

	res, err := New(gw, Options{Timer: timer}).Consolidate(context.Background(), rawMapping(t, keys...))
	require.NoError(t, err)

	assert.Equal(t, 5, gw.calls(), "1 + 3 attempts + 1")
	assert.Equal(t, 25, res.Mapping.Len())
	for _, k := range failing {
		_, ok := res.Mapping.Get(k)
		assert.False(t, ok, "key %s from the failed chunk must be absent", k)
	}
	assert.Equal(t, 3, res.Report.Total)
	assert.Equal(t, 2, res.Report.Succeeded)
	assert.Equal(t, 1, res.Report.Failed)
	assert.Equal(t, 2, res.Report.Retries)
	require.Len(t, res.Report.Failures, 1)
	assert.Equal(t, 1, res.Report.Failures[0].Index)
	assert.Equal(t, 3, res.Report.Failures[0].Attempts)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, timer.delays)
}

func TestConsolidateRetriesParseFailure(t *testing.T) {
	gw := &scriptedGateway{reply: func(call int, user string) (string, error) {
		if call == 0 {
			return `{"hp": nonsense`, nil
		}
		return echoReply([]string{"hp"}), nil
	}}

	res, err := New(gw, Options{Timer: newFakeTimer()}).Consolidate(context.Background(), rawMapping(t, "hp"))
	require.NoError(t, err)
	assert.Equal(t, 2, gw.calls())
	assert.Equal(t, 1, res.Report.Retries)
	assert.Equal(t, 1, res.Mapping.Len())
}

func TestConsolidateRepairsTruncatedReply(t *testing.T) {
	gw := &scriptedGateway{reply: func(int, string) (string, error) {
		return `{"unified_health":{"unified":"unified_health","aliases":["hp","health_points"]},"unified_damage":{"unified":"unified_dam`, nil
	}}

	res, err := New(gw, Options{Timer: newFakeTimer()}).Consolidate(context.Background(), rawMapping(t, "hp", "health_points", "dmg"))
	require.NoError(t, err)
	assert.Equal(t, 1, gw.calls(), "repair avoids a retry")

	want := map[string]attrs.Descriptor{
		"unified_health": {Unified: "unified_health", Aliases: []string{"hp", "health_points"}},
		"dmg":            {Unified: "dmg", Aliases: []string{"dmg"}},
	}
	if diff := cmp.Diff(want, descriptors(res.Mapping)); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
}

func TestConsolidateHonoursRateLimitHint(t *testing.T) {
	hint := 7.0
	gw := &scriptedGateway{reply: func(call int, user string) (string, error) {
		if call == 0 {
			return "", unifiedllm.ErrorFromStatusCode(429, "slow down", "openai", &hint)
		}
		return echoReply([]string{"hp"}), nil
	}}
	timer := newFakeTimer()

	_, err := New(gw, Options{Timer: timer}).Consolidate(context.Background(), rawMapping(t, "hp"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, timer.delays)
}

func TestConsolidateCombinesUnifiedNamesAcrossChunks(t *testing.T) {
	keys := []string{"hp", "health", "life", "vitality"}
	gw := &scriptedGateway{reply: func(_ int, user string) (string, error) {
		seen := keysIn(user, keys)
		data, _ := json.Marshal(map[string]attrs.Descriptor{
			"unified_health": {Unified: "unified_health", Aliases: seen},
		})
		return string(data), nil
	}}

	res, err := New(gw, Options{ChunkSize: 2, Timer: newFakeTimer()}).Consolidate(context.Background(), rawMapping(t, keys...))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Report.Succeeded)

	require.Equal(t, 1, res.Mapping.Len())
	d, _ := res.Mapping.Get("unified_health")
	assert.Equal(t, keys, d.Aliases)
	assert.Equal(t, 1, res.Stats.Merged)
	assert.InDelta(t, 75.0, res.Stats.Reduction, 1e-9)
}

func TestConsolidateKeepsOmittedKeys(t *testing.T) {
	gw := &scriptedGateway{reply: func(int, string) (string, error) {
		return `{"unified_health":{"unified":"","aliases":["hp"]}}`, nil
	}}

	res, err := New(gw, Options{Timer: newFakeTimer()}).Consolidate(context.Background(), rawMapping(t, "hp", "mana"))
	require.NoError(t, err)

	want := map[string]attrs.Descriptor{
		"unified_health": {Unified: "unified_health", Aliases: []string{"hp"}},
		"mana":           {Unified: "mana", Aliases: []string{"mana"}},
	}
	if diff := cmp.Diff(want, descriptors(res.Mapping)); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
}

func TestConsolidateRejectsForeignAndDuplicateClaims(t *testing.T) {
	gw := &scriptedGateway{reply: func(call int, user string) (string, error) {
		if call == 0 {
			// chunk [a b]: claims "c" from the next chunk and "a" twice.
			return `{
  "first":  {"unified": "first",  "aliases": ["a", "c", "alpha"]},
  "second": {"unified": "second", "aliases": ["a", "b"]},
  "ghost":  {"unified": "ghost",  "aliases": ["c"]}
}`, nil
		}
		return echoReply(keysIn(user, []string{"c"})), nil
	}}

	res, err := New(gw, Options{ChunkSize: 2, Timer: newFakeTimer()}).Consolidate(context.Background(), rawMapping(t, "a", "b", "c"))
	require.NoError(t, err)

	want := map[string]attrs.Descriptor{
		"first":  {Unified: "first", Aliases: []string{"a", "alpha"}},
		"second": {Unified: "second", Aliases: []string{"b"}},
		"c":      {Unified: "c", Aliases: []string{"c"}},
	}
	if diff := cmp.Diff(want, descriptors(res.Mapping)); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
}

func TestConsolidateRequiresCredential(t *testing.T) {
	_, err := New(gateway.NewSession("", nil), Options{}).Consolidate(context.Background(), rawMapping(t, "hp"))
	assert.ErrorIs(t, err, gateway.ErrNoCredential)

	_, err = New(nil, Options{}).Consolidate(context.Background(), rawMapping(t, "hp"))
	assert.ErrorIs(t, err, gateway.ErrNoCredential)
}

func TestConsolidateCanceledContext(t *testing.T) {
	gw := &scriptedGateway{reply: func(int, string) (string, error) { return echoReply(nil), nil }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(gw, Options{ChunkSize: 1, Timer: newFakeTimer()}).Consolidate(ctx, rawMapping(t, "a", "b"))
	require.NoError(t, err)
	assert.Zero(t, gw.calls())
	assert.Equal(t, 2, res.Report.Failed)
	assert.Zero(t, res.Mapping.Len())
}

func TestConsolidateEmptyMapping(t *testing.T) {
	gw := &scriptedGateway{reply: func(int, string) (string, error) { return "{}", nil }}
	res, err := New(gw, Options{}).Consolidate(context.Background(), attrs.NewRawMapping())
	require.NoError(t, err)
	assert.Zero(t, gw.calls())
	assert.Zero(t, res.Mapping.Len())
	assert.Zero(t, res.Stats.Reduction)
}

// Whatever the service groups together, every raw key of a successful chunk
// ends up in exactly one alias list and every entry is valid.
func TestConsolidateInvariantHoldsForArbitraryReplies(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(60)
		keys := make([]string, n)
		for i := range keys {
			keys[i] = fmt.Sprintf("k%03d", i)
		}

		gw := &scriptedGateway{reply: func(_ int, user string) (string, error) {
			seen := keysIn(user, keys)
			groups := map[string]attrs.Descriptor{}
			for _, k := range seen {
				switch rng.Intn(5) {
				case 0: // omitted
				case 1: // claimed by a random raw key, possibly another chunk's
					name := fmt.Sprintf("g%d", rng.Intn(4))
					d := groups[name]
					d.Aliases = append(d.Aliases, k, keys[rng.Intn(len(keys))])
					groups[name] = d
				default:
					name := fmt.Sprintf("g%d", rng.Intn(4))
					d := groups[name]
					d.Unified = name
					d.Aliases = append(d.Aliases, k)
					groups[name] = d
				}
			}
			data, _ := json.Marshal(groups)
			return string(data), nil
		}}

		res, err := New(gw, Options{ChunkSize: 1 + rng.Intn(25), Timer: newFakeTimer()}).
			Consolidate(context.Background(), rawMapping(t, keys...))
		require.NoError(t, err)

		count := map[string]int{}
		for pair := res.Mapping.Oldest(); pair != nil; pair = pair.Next() {
			require.True(t, pair.Value.Valid(), "entry %q invalid: %+v", pair.Key, pair.Value)
			for _, a := range pair.Value.Aliases {
				count[a]++
			}
		}
		for _, k := range keys {
			assert.Equal(t, 1, count[k], "round %d: key %s", round, k)
		}
	}
}

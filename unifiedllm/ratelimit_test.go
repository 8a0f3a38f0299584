package unifiedllm

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimitMiddlewarePassesThrough(t *testing.T) {
	mock := newMockAdapter("test", "ok")
	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(RateLimitMiddleware(rate.NewLimiter(rate.Inf, 1))),
	)
	for i := 0; i < 3; i++ {
		if _, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 calls, got %d", mock.calls)
	}
}

func TestRateLimitMiddlewareCanceled(t *testing.T) {
	mock := newMockAdapter("test", "ok")
	limiter := rate.NewLimiter(rate.Limit(0.001), 1)
	limiter.Allow() // drain the burst
	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(RateLimitMiddleware(limiter)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, Request{Messages: []Message{UserMessage("Hi")}})
	if _, ok := err.(*RequestTimeoutError); !ok {
		t.Errorf("expected RequestTimeoutError, got %T: %v", err, err)
	}
	if mock.calls != 0 {
		t.Errorf("adapter should not be called, got %d calls", mock.calls)
	}
}

func TestPerMinute(t *testing.T) {
	if PerMinute(0) != nil {
		t.Error("expected nil limiter for zero rate")
	}
	if PerMinute(-1) != nil {
		t.Error("expected nil limiter for negative rate")
	}
	l := PerMinute(60)
	if l == nil || l.Limit() != rate.Limit(1) {
		t.Errorf("expected 1 request/second, got %v", l)
	}
}

func TestPerMinuteFractional(t *testing.T) {
	l := PerMinute(0.5)
	if l == nil {
		t.Fatal("expected a limiter for half a request per minute")
	}
	if got, want := float64(l.Limit()), 0.5/60.0; got != want {
		t.Errorf("expected %v requests/second, got %v", want, got)
	}
	if l.Burst() != 1 {
		t.Errorf("expected burst 1, got %d", l.Burst())
	}
	start := time.Now()
	if !l.AllowN(start, 1) {
		t.Fatal("first request should pass")
	}
	if l.AllowN(start.Add(time.Minute), 1) {
		t.Error("second request within two minutes should wait")
	}
	if !l.AllowN(start.Add(2*time.Minute+time.Second), 1) {
		t.Error("second request after two minutes should pass")
	}
}

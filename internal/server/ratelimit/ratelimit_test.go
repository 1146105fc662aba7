package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter_AllowsUnderLimitThenRejects(t *testing.T) {
	l := New(NewMemoryCounter(), time.Minute, 2)
	d1 := l.Check(context.Background(), "rate:tok")
	d2 := l.Check(context.Background(), "rate:tok")
	d3 := l.Check(context.Background(), "rate:tok")

	if !d1.Allowed || !d2.Allowed {
		t.Fatalf("expected first two requests allowed, got %+v %+v", d1, d2)
	}
	if d3.Allowed {
		t.Fatalf("expected third request rejected, got %+v", d3)
	}
	if d3.Remaining != 0 {
		t.Fatalf("expected remaining 0 once over limit, got %d", d3.Remaining)
	}
}

func TestKey_PrefersBearerTokenOverIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/outbox", nil)
	req.Header.Set("Authorization", "Bearer abc")
	req.RemoteAddr = "10.0.0.1:1234"
	if got := Key(req); got != "rate:abc" {
		t.Fatalf("expected rate:abc, got %q", got)
	}
}

func TestKey_FallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/outbox", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := Key(req); got != "rate:10.0.0.1:1234" {
		t.Fatalf("expected rate:10.0.0.1:1234, got %q", got)
	}
}

type failingCounter struct{}

func (failingCounter) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	return 0, 0, errors.New("boom")
}

func TestLimiter_CounterFailureAllows(t *testing.T) {
	var logged error
	l := New(failingCounter{}, time.Minute, 1).WithErrorHook(func(err error) { logged = err })
	d := l.Check(context.Background(), "rate:tok")
	if !d.Allowed {
		t.Fatal("expected counter failure to fail open")
	}
	if logged == nil {
		t.Fatal("expected error hook invoked")
	}
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec, Decision{Allowed: false, Limit: 5, Remaining: 0, Reset: 10 * time.Second, RetryAfter: 10 * time.Second}, time.Now())
	if rec.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("unexpected limit header: %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("Retry-After") != "10" {
		t.Fatalf("unexpected retry-after header: %q", rec.Header().Get("Retry-After"))
	}
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()), WithBaseDelay(time.Millisecond), WithMaxRetries(3))
	resp, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(resp.Body) != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("unexpected response %q after %d calls", resp.Body, calls)
	}
}

func TestDoDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()), WithBaseDelay(time.Millisecond))
	if _, err := c.Get(context.Background(), srv.URL); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("404 must not be retried, got %d calls", calls)
	}
	if c.BreakerStates()[hostOf(srv.URL)] != "closed" {
		t.Fatal("404 must not count towards the breaker")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()), WithMaxRetries(0), WithBreaker(2, time.Minute))
	for i := 0; i < 2; i++ {
		if _, err := c.Get(context.Background(), srv.URL); !errors.Is(err, ErrUpstreamDown) {
			t.Fatalf("attempt %d: expected upstream down, got %v", i, err)
		}
	}
	before := atomic.LoadInt32(&calls)
	if _, err := c.Get(context.Background(), srv.URL); !errors.Is(err, ErrUpstreamDown) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Fatal("open breaker must short-circuit the request")
	}
	if c.BreakerStates()[hostOf(srv.URL)] != "open" {
		t.Fatalf("unexpected breaker states %v", c.BreakerStates())
	}
}

func TestPostJSONSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()))
	resp, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", resp.Body)
	}
}

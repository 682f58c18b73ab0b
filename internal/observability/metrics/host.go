package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Forged-Core/pkg/dispatch"
	"Forged-Core/pkg/registry"
)

var (
	httpRequests = newFamily("forged_http_requests_total",
		"Total number of HTTP requests processed.", "counter", nil, "handler", "method", "code")
	httpErrors = newFamily("forged_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "counter", nil, "handler", "method")
	httpLatency = newFamily("forged_http_request_duration_seconds",
		"HTTP request duration in seconds.", "histogram", defaultBuckets, "handler", "method")

	dispatches = newFamily("forged_dispatch_total",
		"Event dispatches by result.", "counter", nil, "event", "result")
	handlerOutcomes = newFamily("forged_handler_outcomes_total",
		"Handler invocations by extension and status.", "counter", nil, "event", "extension", "status")
	dispatchLatency = newFamily("forged_dispatch_duration_seconds",
		"Time to deliver an event to all subscribers.", "histogram", defaultBuckets, "event")

	transitions = newFamily("forged_lifecycle_transitions_total",
		"Extension lifecycle transitions by type and error code.", "counter", nil, "type", "code")
	loadLatency = newFamily("forged_load_duration_seconds",
		"Time to instantiate a resolution plan.", "histogram", defaultBuckets)

	families = []*family{httpRequests, httpErrors, httpLatency, dispatches, handlerOutcomes, dispatchLatency, transitions, loadLatency}
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.inc(handler, method, strconv.Itoa(status))
	if status >= 500 {
		httpErrors.inc(handler, method)
	}
	httpLatency.observe(duration.Seconds(), handler, method)
}

// ObserveDispatch 记录一次事件分发，可直接作为 dispatch 的观察者。
func ObserveDispatch(res dispatch.Result) {
	result := "ok"
	switch {
	case errors.Is(res.Err(), context.Canceled), errors.Is(res.Err(), context.DeadlineExceeded):
		result = "cancelled"
	case res.Err() != nil:
		result = "aborted"
	}
	dispatches.inc(res.Event, result)
	for _, o := range res.Outcomes {
		handlerOutcomes.inc(res.Event, o.Extension, string(o.Status))
	}
	dispatchLatency.observe(res.Duration.Seconds(), res.Event)
}

// ObserveLifecycle 记录扩展状态转换，可直接作为注册表的观察者。
func ObserveLifecycle(ev registry.Event) {
	transitions.inc(string(ev.Type), string(ev.Code))
}

// ObserveLoad 记录一次计划加载的耗时。
func ObserveLoad(rep registry.Report) {
	loadLatency.observe(rep.Duration.Seconds())
}

// Reset 清空所有指标，仅供测试使用。
func Reset() {
	for _, f := range families {
		f.reset()
	}
}

// Render 返回当前全部指标的文本格式。
func Render() string {
	var b strings.Builder
	b.Grow(2048)
	for _, f := range families {
		f.render(&b)
	}
	return b.String()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, Render())
	})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/internal/observability/metrics"
	"Forged-Core/internal/storage/mysql"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/dispatch"
	"Forged-Core/pkg/host"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/registry"
)

// Host 是管理接口依赖的宿主能力。
type Host interface {
	List() []registry.LoadedExtension
	Match(pattern string) []registry.LoadedExtension
	Get(name string) (registry.LoadedExtension, error)
	Unload(ctx context.Context, name string) error
	Dispatch(ctx context.Context, event string, payload any) dispatch.Result
	Health(ctx context.Context) map[string]error
	Stats() host.CacheStats
}

// Server 负责暴露 REST 管理接口。
type Server struct {
	addr    string
	host    Host
	reports mysql.ReportRepository
	metrics bool
	maxBody int64
}

// Option 配置 Server。
type Option func(*Server)

// WithReports 启用加载报告相关接口。
func WithReports(repo mysql.ReportRepository) Option {
	return func(s *Server) { s.reports = repo }
}

// WithMetrics 控制是否暴露 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, h Host, opts ...Option) *Server {
	s := &Server{addr: addr, host: h, metrics: true, maxBody: 1 << 20}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由，便于测试直接调用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/extensions", s.handleListExtensions)
	mux.HandleFunc("GET /api/v1/extensions/{name}", s.handleGetExtension)
	mux.HandleFunc("DELETE /api/v1/extensions/{name}", s.handleUnloadExtension)
	mux.HandleFunc("GET /api/v1/extensions/{name}/history", s.handleExtensionHistory)
	mux.HandleFunc("POST /api/v1/events/{name}", s.handleDispatch)
	mux.HandleFunc("GET /api/v1/reports", s.handleListReports)
	mux.HandleFunc("GET /api/v1/reports/{id}", s.handleGetReport)
	mux.HandleFunc("GET /api/v1/cache", s.handleCacheStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("admin api listening", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ExtensionView 是扩展在接口中的表示。
type ExtensionView struct {
	Name         string                      `json:"name"`
	Version      string                      `json:"version"`
	Fingerprint  string                      `json:"fingerprint"`
	Status       registry.Status             `json:"status"`
	Code         xerrors.Code                `json:"code,omitempty"`
	Reason       string                      `json:"reason,omitempty"`
	Payload      descriptor.Payload          `json:"payload"`
	Dependencies []descriptor.DependencySpec `json:"dependencies,omitempty"`
	Capabilities []string                    `json:"capabilities,omitempty"`
	Events       []descriptor.EventSpec      `json:"events,omitempty"`
	LoadedAt     *time.Time                  `json:"loaded_at,omitempty"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

func viewOf(l registry.LoadedExtension) ExtensionView {
	d := l.Descriptor
	v := ExtensionView{
		Name:         d.Name(),
		Version:      d.RawVersion(),
		Fingerprint:  d.Fingerprint(),
		Status:       l.Status,
		Code:         l.Code,
		Reason:       l.Reason,
		Payload:      d.Payload(),
		Dependencies: d.Dependencies(),
		Capabilities: d.Capabilities(),
		Events:       d.Events(),
		UpdatedAt:    l.UpdatedAt,
	}
	if !l.LoadedAt.IsZero() {
		loaded := l.LoadedAt
		v.LoadedAt = &loaded
	}
	return v
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	var entries []registry.LoadedExtension
	if pattern := r.URL.Query().Get("match"); pattern != "" {
		entries = s.host.Match(pattern)
	} else {
		entries = s.host.List()
	}
	views := make([]ExtensionView, 0, len(entries))
	for _, l := range entries {
		if status := r.URL.Query().Get("status"); status != "" && string(l.Status) != status {
			continue
		}
		views = append(views, viewOf(l))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	l, err := s.host.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(l))
}

func (s *Server) handleUnloadExtension(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.host.Unload(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExtensionHistory(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		http.Error(w, "报告存储未启用", http.StatusServiceUnavailable)
		return
	}
	history, err := s.reports.History(r.Context(), r.PathValue("name"), limitOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var payload any
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody))
	if err != nil {
		http.Error(w, "读取请求体失败", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
	}
	res := s.host.Dispatch(r.Context(), r.PathValue("name"), payload)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		http.Error(w, "报告存储未启用", http.StatusServiceUnavailable)
		return
	}
	reports, err := s.reports.ListLatest(r.Context(), limitOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		http.Error(w, "报告存储未启用", http.StatusServiceUnavailable)
		return
	}
	rep, err := s.reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.host.Health(r.Context())
	out := make(map[string]string, len(checks))
	status := http.StatusOK
	for name, err := range checks {
		if err != nil {
			out[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "extensions": out})
}

func limitOf(r *http.Request) int {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeDependentsActive, xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	body := map[string]any{"code": xerrors.CodeOf(err), "error": err.Error()}
	if e, ok := xerrors.From(err); ok && len(e.Metadata()) > 0 {
		body["metadata"] = e.Metadata()
	}
	writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// Package transport 提供带 DNS 缓存、指数退避重试与按主机熔断的 HTTP 客户端，
// 供远程扩展代理与远程描述符源共用。
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/rs/dnscache"
)

var (
	// ErrNotFound 表示上游返回 404。
	ErrNotFound = errors.New("upstream resource not found")
	// ErrRateLimited 表示上游限流。
	ErrRateLimited = errors.New("rate limited by upstream")
	// ErrUpstreamDown 表示上游不可用或熔断器已打开。
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// Response 是已完整读取的 HTTP 响应。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client 封装重试与熔断逻辑。
type Client struct {
	http        *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	maxBody     int64
	tripAfter   int64
	breakerWait time.Duration

	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

// Option 配置 Client。
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithUserAgent 设置 User-Agent。
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithMaxRetries 设置最大重试次数。
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseDelay 设置指数退避的基础间隔。
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithBreaker 设置连续失败多少次后熔断，以及熔断后的初始等待时间。
func WithBreaker(threshold int64, wait time.Duration) Option {
	return func(c *Client) {
		if threshold > 0 {
			c.tripAfter = threshold
		}
		if wait > 0 {
			c.breakerWait = wait
		}
	}
}

// New 创建客户端。默认使用带 DNS 缓存的 Transport。
func New(opts ...Option) *Client {
	c := &Client{
		userAgent:   "forged-core/1.0",
		maxRetries:  3,
		baseDelay:   200 * time.Millisecond,
		maxBody:     8 << 20,
		tripAfter:   5,
		breakerWait: 30 * time.Second,
		breakers:    make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = newCachingHTTPClient()
	}
	return c
}

var (
	sharedResolver     *dnscache.Resolver
	sharedResolverOnce sync.Once
)

func resolver() *dnscache.Resolver {
	sharedResolverOnce.Do(func() {
		sharedResolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				sharedResolver.Refresh(true)
			}
		}()
	})
	return sharedResolver
}

func newCachingHTTPClient() *http.Client {
	res := resolver()
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := res.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				var lastErr error
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				if lastErr == nil {
					lastErr = fmt.Errorf("no addresses for %s", host)
				}
				return nil, lastErr
			},
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Get 发起 GET 请求。
func (c *Client) Get(ctx context.Context, target string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, target, nil, nil)
}

// PostJSON 发起 JSON POST 请求。
func (c *Client) PostJSON(ctx context.Context, target string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, target, body, http.Header{"Content-Type": []string{"application/json"}})
}

// Do 在目标主机的熔断器保护下执行请求，对限流与 5xx 按指数退避加抖动重试。
func (c *Client) Do(ctx context.Context, method, target string, body []byte, header http.Header) (*Response, error) {
	host := hostOf(target)
	breaker := c.breaker(host)
	if !breaker.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}
	var resp *Response
	err := breaker.Call(func() error {
		var callErr error
		resp, callErr = c.retry(ctx, method, target, body, header)
		if errors.Is(callErr, ErrNotFound) {
			return nil
		}
		return callErr
	}, 0)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNotFound
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp, ErrNotFound
	}
	return resp, nil
}

func (c *Client) retry(ctx context.Context, method, target string, body []byte, header http.Header) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			delay += time.Duration(float64(delay) * rand.Float64() * 0.1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err := c.once(ctx, method, target, body, header)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamDown) {
			continue
		}
		return resp, err
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, target string, body []byte, header http.Header) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer httpResp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: payload}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		return resp, nil
	case httpResp.StatusCode == http.StatusNotFound:
		return resp, ErrNotFound
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return resp, ErrRateLimited
	case httpResp.StatusCode >= 500:
		return resp, fmt.Errorf("status %d: %w", httpResp.StatusCode, ErrUpstreamDown)
	default:
		snippet := payload
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return resp, fmt.Errorf("unexpected status %d: %s", httpResp.StatusCode, string(snippet))
	}
}

func (c *Client) breaker(host string) *circuit.Breaker {
	c.mu.RLock()
	b, ok := c.breakers[host]
	c.mu.RUnlock()
	if ok {
		return b
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.breakerWait
	expBackoff.MaxInterval = 10 * c.breakerWait
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()
	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(c.tripAfter),
	})
	c.breakers[host] = b
	return b
}

// BreakerStates 返回每个主机的熔断状态，用于健康检查。
func (c *Client) BreakerStates() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	states := make(map[string]string, len(c.breakers))
	for host, b := range c.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		if len(raw) > 50 {
			return raw[:50]
		}
		return raw
	}
	return parsed.Host
}

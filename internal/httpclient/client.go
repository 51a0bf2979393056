// Package httpclient 带磁盘缓存、限流和退避重试的通用GET客户端
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"txindexer/internal/cache"
	ierrors "txindexer/internal/errors"
	"txindexer/internal/ratelimit"
	"txindexer/internal/retry"
)

// Getter 链上数据客户端和价格预言机依赖的最小接口
type Getter interface {
	Get(ctx context.Context, path string, params url.Values, cacheKey string) ([]byte, error)
}

// Config 客户端配置
type Config struct {
	BaseURL string
	Headers map[string]string
	Timeout time.Duration
	Retry   *retry.RetryConfig
	// Validate 在写缓存前检查业务层响应，返回错误则按重试规则处理且不缓存
	Validate func(body []byte) error
}

// Client 同一套逻辑同时服务链上数据和价格接口，仅基地址和请求头不同
type Client struct {
	baseURL  string
	headers  map[string]string
	validate func(body []byte) error
	http     *http.Client
	limiter  ratelimit.Waiter
	cache    cache.Store
	retrier  *retry.Retrier
	logger   *logrus.Logger
	now      func() time.Time

	requests  atomic.Int64
	cacheHits atomic.Int64
}

// New 创建客户端，store 为 nil 时不使用缓存
func New(cfg Config, limiter ratelimit.Waiter, store cache.Store, logger *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		headers:  cfg.Headers,
		validate: cfg.Validate,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		cache:    store,
		retrier:  retry.NewRetrier(cfg.Retry, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Retrier 暴露重试器以便替换等待函数
func (c *Client) Retrier() *retry.Retrier {
	return c.retrier
}

// Get 发起GET请求并返回原始JSON。cacheKey 非空且命中时不发起网络请求
func (c *Client) Get(ctx context.Context, path string, params url.Values, cacheKey string) ([]byte, error) {
	if cacheKey != "" && c.cache != nil {
		data, ok, err := c.cache.Get(cacheKey)
		if err != nil {
			c.logger.Warnf("读取缓存失败，改为网络请求: %v", err)
		} else if ok {
			c.cacheHits.Add(1)
			return data, nil
		}
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var body []byte
	attempts, err := c.retrier.Execute(ctx, path, func(int) error {
		var ferr error
		body, ferr = c.fetch(ctx, reqURL)
		return ferr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ierrors.NewFetchError(c.baseURL+path, attempts, err)
	}

	if cacheKey != "" && c.cache != nil {
		if err := c.cache.Put(cacheKey, body); err != nil {
			c.logger.Warnf("写入缓存失败: %v", err)
		}
	}
	return body, nil
}

// fetch 单次请求
func (c *Client) fetch(ctx context.Context, reqURL string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, retry.NewRetryableError(fmt.Errorf("构造请求失败: %w", err), false)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.requests.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.NewRetryableError(err, true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.NewRetryableError(fmt.Errorf("读取响应失败: %w", err), true)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retry.RateLimitError{
			Err:        fmt.Errorf("HTTP 429"),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return nil, retry.NewRetryableError(fmt.Errorf("HTTP %d", resp.StatusCode), true)
	case resp.StatusCode >= 400:
		return nil, retry.NewRetryableError(fmt.Errorf("HTTP %d", resp.StatusCode), false)
	}

	if !json.Valid(body) {
		return nil, retry.NewRetryableError(ierrors.ErrMalformedBody, true)
	}
	if c.validate != nil {
		if err := c.validate(body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// parseRetryAfter 支持秒数和HTTP日期两种格式，无法解析时返回0
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// GetStats 获取统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"base_url":   c.baseURL,
		"requests":   c.requests.Load(),
		"cache_hits": c.cacheHits.Load(),
	}
}

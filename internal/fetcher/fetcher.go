// Package fetcher implements the remote-fetch collaborator over HTTP. The
// cache engine treats it as an opaque "bytes or failure" capability: no
// conditional requests, no retries, no header interpretation happen here.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/fetch-vault/fetch-vault/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// HTTP 以共享 http.Client 按 Key（绝对 URL）拉取远端正文。
type HTTP struct {
	client   *http.Client
	maxBytes int64
}

// New 构造 HTTP 回源客户端，超时与响应上限来自全局配置。
func New(cfg *config.Config) *HTTP {
	timeout := 30 * time.Second
	if cfg != nil && cfg.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.UpstreamTimeout.DurationValue()
	}
	maxBytes := int64(256 * 1024 * 1024)
	if cfg != nil && cfg.MaxFetchBytes > 0 {
		maxBytes = cfg.MaxFetchBytes
	}

	return &HTTP{
		client: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		maxBytes: maxBytes,
	}
}

// FetchBytes 发起一次 GET 并整体读取响应。非 2xx 状态与超限响应均视为失败，
// 由调用方决定如何向上透传。
func (h *HTTP) FetchBytes(ctx context.Context, key string) ([]byte, error) {
	parsed, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("upstream status %d for %s", resp.StatusCode, key)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes for %s", h.maxBytes, key)
	}
	return data, nil
}

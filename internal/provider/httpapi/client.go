// Package httpapi implements provider.Provider against a remote proxy service
// that exposes a small JSON REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
)

const apiKeyHeader = "X-API-Key"

// wireProxy is the proxy object as returned by the remote service.
type wireProxy struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Location struct {
		CountryCode string `json:"countryCode"`
	} `json:"location"`
	Latency  int64     `json:"latency"`
	LastUsed time.Time `json:"lastUsed"`
}

func (w wireProxy) toModel() model.Proxy {
	return model.Proxy{
		ID:        w.ID,
		Host:      w.Host,
		Port:      w.Port,
		Protocol:  strings.ToLower(w.Protocol),
		Country:   strings.ToUpper(w.Location.CountryCode),
		LatencyMs: w.Latency,
		LastUsed:  w.LastUsed,
	}
}

type listResponse struct {
	Proxies []wireProxy `json:"proxies"`
}

type assignBody struct {
	ProxyID  string `json:"proxyId"`
	Validate bool   `json:"validate"`
}

type assignResponse struct {
	Proxy wireProxy `json:"proxy"`
}

type healthResponse struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latencyMs"`
}

// Client talks to the remote provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ provider.Provider = (*Client)(nil)

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListProxies(ctx context.Context, availableOnly bool) ([]model.Proxy, error) {
	q := url.Values{}
	if availableOnly {
		q.Set("available", "true")
	}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/proxies?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Proxy, 0, len(resp.Proxies))
	for _, p := range resp.Proxies {
		out = append(out, p.toModel())
	}
	return out, nil
}

func (c *Client) AssignProxy(ctx context.Context, req provider.AssignRequest) (*model.Proxy, error) {
	var resp assignResponse
	if err := c.do(ctx, http.MethodPost, "/proxies/assign", assignBody{ProxyID: req.ProxyID, Validate: req.Validate}, &resp); err != nil {
		return nil, err
	}
	p := resp.Proxy.toModel()
	return &p, nil
}

func (c *Client) ReleaseProxy(ctx context.Context, proxyID string) error {
	return c.do(ctx, http.MethodPost, "/proxies/"+url.PathEscape(proxyID)+"/release", nil, nil)
}

func (c *Client) CheckHealth(ctx context.Context, proxyID string) (*provider.HealthResult, error) {
	var resp healthResponse
	if err := c.do(ctx, http.MethodGet, "/proxies/"+url.PathEscape(proxyID)+"/health", nil, &resp); err != nil {
		return nil, err
	}
	return &provider.HealthResult{Healthy: resp.Healthy, LatencyMs: resp.LatencyMs}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("provider: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", provider.ErrProxyNotFound, path)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", provider.ErrProxyUnavailable, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.WithComponent("Provider/HTTP").Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("Provider returned an error status.")
		return fmt.Errorf("provider: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: failed to decode response: %w", err)
	}
	return nil
}

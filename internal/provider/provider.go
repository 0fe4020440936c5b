// Package provider defines the upstream proxy source the broker allocates from.
package provider

import (
	"context"
	"errors"

	"liuproxy_broker/internal/model"
)

var (
	ErrProxyNotFound    = errors.New("proxy not found")
	ErrProxyUnavailable = errors.New("proxy unavailable")
)

// AssignRequest asks the provider to hand out one proxy.
type AssignRequest struct {
	ProxyID  string `json:"proxy_id"`
	Validate bool   `json:"validate"` // probe the proxy before confirming the assignment
}

// HealthResult is the outcome of a live probe.
type HealthResult struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latency_ms"`
}

// Provider is the source of truth for which proxies exist and their live attributes.
type Provider interface {
	ListProxies(ctx context.Context, availableOnly bool) ([]model.Proxy, error)
	AssignProxy(ctx context.Context, req AssignRequest) (*model.Proxy, error)
	ReleaseProxy(ctx context.Context, proxyID string) error
	CheckHealth(ctx context.Context, proxyID string) (*HealthResult, error)
}

package model

import "time"

// UnknownCountry is the pool group used for proxies the provider reports without a location.
const UnknownCountry = "UNKNOWN"

// HealthStatus is the classified health of a proxy or of a device->proxy binding.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Proxy is an upstream egress point as reported by the provider.
type Proxy struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Protocol  string    `json:"protocol"` // "http", "https" or "socks5"
	Country   string    `json:"country"`  // ISO country code, may be empty
	LatencyMs int64     `json:"latency_ms"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// ProxyScore is the scored, pool-level view of one proxy.
// It is rebuilt on every pool refresh; a blacklisted entry always has Score 0.
type ProxyScore struct {
	ProxyID  string `json:"proxy_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Country  string `json:"country"`

	Score             int          `json:"score"` // 0-100
	LatencyMs         int64        `json:"latency_ms"`
	SuccessRate       float64      `json:"success_rate"` // 0-100
	Health            HealthStatus `json:"health"`
	ActiveConnections int          `json:"active_connections"`
	LastUsed          time.Time    `json:"last_used,omitempty"`
	Blacklisted       bool         `json:"blacklisted"`
}

// Available reports whether the proxy may currently be handed out.
func (s ProxyScore) Available() bool {
	return !s.Blacklisted && s.Score > 0
}

// PoolGroup is the score-ordered pool of a single country.
type PoolGroup struct {
	Country   string       `json:"country"`
	Proxies   []ProxyScore `json:"proxies"`
	Total     int          `json:"total"`
	Available int          `json:"available"`
}

// ScoreWeights blends the sub-scores into the final proxy score.
type ScoreWeights struct {
	Latency     float64 `json:"latency" ini:"weight_latency"`
	SuccessRate float64 `json:"success_rate" ini:"weight_success_rate"`
	Health      float64 `json:"health" ini:"weight_health"`
	Connections float64 `json:"connections" ini:"weight_connections"`
}

// DefaultScoreWeights returns the weights used when nothing is configured.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Latency:     0.3,
		SuccessRate: 0.4,
		Health:      0.2,
		Connections: 0.1,
	}
}

package model

import "time"

// ReleaseReason records why a usage record was closed.
type ReleaseReason string

const (
	ReleaseDeviceDeleted     ReleaseReason = "device_deleted"
	ReleaseHealthCheckFailed ReleaseReason = "health_check_failed"
	ReleaseManual            ReleaseReason = "manual"
	ReleaseAutoCleanup       ReleaseReason = "auto_cleanup"
	ReleaseOrphanCleanup     ReleaseReason = "orphan_cleanup"
)

// UsageRecord is one device->proxy assignment in the usage ledger.
// A record with a nil ReleasedAt is active.
type UsageRecord struct {
	ID           string `json:"id"`
	DeviceID     string `json:"device_id"`
	UserID       string `json:"user_id,omitempty"`
	ProxyID      string `json:"proxy_id"`
	ProxyHost    string `json:"proxy_host"`
	ProxyPort    int    `json:"proxy_port"`
	ProxyType    string `json:"proxy_type"`
	ProxyCountry string `json:"proxy_country"`

	AssignedAt time.Time  `json:"assigned_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`

	AvgLatencyMs   int64   `json:"avg_latency_ms"`
	SuccessRate    float64 `json:"success_rate"`
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`

	HealthChecksPassed int          `json:"health_checks_passed"`
	HealthChecksFailed int          `json:"health_checks_failed"`
	LastHealthCheck    *time.Time   `json:"last_health_check,omitempty"`
	HealthStatus       HealthStatus `json:"health_status"`

	ReleaseReason ReleaseReason `json:"release_reason,omitempty"`
}

// Active reports whether the record still represents a held binding.
func (r UsageRecord) Active() bool {
	return r.ReleasedAt == nil
}

// Assignment is the data written to the ledger when a device takes a proxy.
type Assignment struct {
	DeviceID     string
	UserID       string
	ProxyID      string
	ProxyHost    string
	ProxyPort    int
	ProxyType    string
	ProxyCountry string
}

// ReleaseStats optionally carries final performance counters on release.
type ReleaseStats struct {
	AvgLatencyMs   int64
	SuccessRate    float64
	TotalRequests  int64
	FailedRequests int64
}

// ProxyStats is the per-proxy aggregate over a trailing window of ledger records.
type ProxyStats struct {
	AvgLatencyMs int64
	SuccessRate  float64
	HealthStatus HealthStatus
	LastUsedAt   time.Time
}

// Device is the subset of a device row the broker needs.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	UserID       string `json:"user_id,omitempty"`
	ProxyID      string `json:"proxy_id,omitempty"`
	ProxyHost    string `json:"proxy_host,omitempty"`
	ProxyPort    int    `json:"proxy_port,omitempty"`
	ProxyType    string `json:"proxy_type,omitempty"`
	ProxyCountry string `json:"proxy_country,omitempty"`
}

// HasProxy reports whether the device currently holds a proxy binding.
func (d Device) HasProxy() bool {
	return d.ProxyID != ""
}

// Binding is the proxy part of a device row.
type Binding struct {
	ProxyID      string
	ProxyHost    string
	ProxyPort    int
	ProxyType    string
	ProxyCountry string
}

// BindingFor builds the device binding for a provider proxy.
func BindingFor(p *Proxy) Binding {
	return Binding{
		ProxyID:      p.ID,
		ProxyHost:    p.Host,
		ProxyPort:    p.Port,
		ProxyType:    p.Protocol,
		ProxyCountry: p.Country,
	}
}

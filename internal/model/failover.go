package model

import "time"

// FailoverRecord is one entry of the in-memory failover history.
type FailoverRecord struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	OldProxyID string    `json:"old_proxy_id"`
	NewProxyID string    `json:"new_proxy_id,omitempty"` // empty when the failover failed
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	// Skipped marks a batch entry whose device had already left the failed proxy.
	Skipped bool `json:"skipped,omitempty"`
}

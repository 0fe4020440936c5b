// Package ledger defines the usage ledger and device registry the broker core
// reads from and writes to, together with an in-memory implementation.
// The postgres subpackage provides the persistent implementation.
package ledger

import (
	"context"
	"errors"
	"time"

	"liuproxy_broker/internal/model"
)

var (
	// ErrDeviceNotFound is returned when a device id does not exist in the registry.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNoActiveRecord is returned when no active usage record matches.
	ErrNoActiveRecord = errors.New("no active usage record")
)

// Ledger is the persistent store of proxy assignment lifecycle records.
type Ledger interface {
	// RecordAssignment opens a new active record. Any active record for the
	// same (device, proxy) pair is closed first.
	RecordAssignment(ctx context.Context, a model.Assignment) (*model.UsageRecord, error)

	// RecordRelease closes the active record of (deviceID, proxyID).
	// It returns (nil, nil) when there is no active record.
	RecordRelease(ctx context.Context, deviceID, proxyID string, reason model.ReleaseReason, stats *model.ReleaseStats) (*model.UsageRecord, error)

	// UpdateHealth writes a health check result onto the active record of (deviceID, proxyID).
	// It returns ErrNoActiveRecord when there is none.
	UpdateHealth(ctx context.Context, deviceID, proxyID string, status model.HealthStatus, passed bool) error

	// RecentStatsByProxy aggregates records assigned within the trailing window.
	RecentStatsByProxy(ctx context.Context, window time.Duration) (map[string]model.ProxyStats, error)

	// ActiveUnhealthy lists active records whose health is degraded or unhealthy.
	ActiveUnhealthy(ctx context.Context) ([]*model.UsageRecord, error)

	// ListActive lists all active records.
	ListActive(ctx context.Context) ([]*model.UsageRecord, error)

	// ActiveByProxy returns the most recent active record for a proxy, or ErrNoActiveRecord.
	ActiveByProxy(ctx context.Context, proxyID string) (*model.UsageRecord, error)
}

// DeviceRegistry is the device table as seen by the broker.
type DeviceRegistry interface {
	Get(ctx context.Context, deviceID string) (*model.Device, error)

	// ListWithProxy lists devices that currently hold a proxy binding.
	ListWithProxy(ctx context.Context) ([]*model.Device, error)

	// ListByProxy lists devices bound to the given proxy.
	ListByProxy(ctx context.Context, proxyID string) ([]*model.Device, error)

	// Existing returns the subset of ids that exist, keyed by id.
	Existing(ctx context.Context, ids []string) (map[string]*model.Device, error)

	// UpdateBinding rewrites the proxy columns of a device row.
	UpdateBinding(ctx context.Context, deviceID string, b model.Binding) error
}

func healthPassedRate(passed, failed int) float64 {
	total := passed + failed
	if total == 0 {
		return 100
	}
	return float64(passed) * 100 / float64(total)
}

package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"liuproxy_broker/internal/model"
)

// MemoryLedger is a process-local Ledger. It backs standalone mode and tests.
type MemoryLedger struct {
	clock   clockwork.Clock
	mu      sync.RWMutex
	records []*model.UsageRecord // append order == assignment order
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger. A nil clock uses the real clock.
func NewMemoryLedger(clock clockwork.Clock) *MemoryLedger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLedger{clock: clock}
}

// Seed inserts a record as-is. Intended for tests and imports.
func (l *MemoryLedger) Seed(r *model.UsageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.HealthStatus == "" {
		r.HealthStatus = model.HealthHealthy
	}
	l.records = append(l.records, r)
}

// Records returns copies of every record, active or not.
func (l *MemoryLedger) Records() []model.UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.UsageRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	return out
}

func (l *MemoryLedger) RecordAssignment(_ context.Context, a model.Assignment) (*model.UsageRecord, error) {
	if a.DeviceID == "" || a.ProxyID == "" {
		return nil, fmt.Errorf("ledger: assignment requires device and proxy id")
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if r := l.findActiveLocked(a.DeviceID, a.ProxyID); r != nil {
		r.ReleasedAt = &now
		r.ReleaseReason = model.ReleaseManual
	}

	r := &model.UsageRecord{
		ID:           uuid.NewString(),
		DeviceID:     a.DeviceID,
		UserID:       a.UserID,
		ProxyID:      a.ProxyID,
		ProxyHost:    a.ProxyHost,
		ProxyPort:    a.ProxyPort,
		ProxyType:    a.ProxyType,
		ProxyCountry: a.ProxyCountry,
		AssignedAt:   now,
		HealthStatus: model.HealthHealthy,
		SuccessRate:  100,
	}
	l.records = append(l.records, r)
	cp := *r
	return &cp, nil
}

func (l *MemoryLedger) RecordRelease(_ context.Context, deviceID, proxyID string, reason model.ReleaseReason, stats *model.ReleaseStats) (*model.UsageRecord, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.findActiveLocked(deviceID, proxyID)
	if r == nil {
		return nil, nil
	}
	r.ReleasedAt = &now
	r.ReleaseReason = reason
	if stats != nil {
		r.AvgLatencyMs = stats.AvgLatencyMs
		r.SuccessRate = stats.SuccessRate
		r.TotalRequests = stats.TotalRequests
		r.FailedRequests = stats.FailedRequests
	}
	cp := *r
	return &cp, nil
}

func (l *MemoryLedger) UpdateHealth(_ context.Context, deviceID, proxyID string, status model.HealthStatus, passed bool) error {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.findActiveLocked(deviceID, proxyID)
	if r == nil {
		return ErrNoActiveRecord
	}
	r.HealthStatus = status
	r.LastHealthCheck = &now
	if passed {
		r.HealthChecksPassed++
	} else {
		r.HealthChecksFailed++
	}
	return nil
}

func (l *MemoryLedger) RecentStatsByProxy(_ context.Context, window time.Duration) (map[string]model.ProxyStats, error) {
	since := l.clock.Now().Add(-window)

	type agg struct {
		latencySum   int64
		latencyCount int64
		rateSum      float64
		count        int
		latest       *model.UsageRecord
		lastUsed     time.Time
	}
	byProxy := make(map[string]*agg)

	l.mu.RLock()
	for _, r := range l.records {
		if r.AssignedAt.Before(since) {
			continue
		}
		a, ok := byProxy[r.ProxyID]
		if !ok {
			a = &agg{}
			byProxy[r.ProxyID] = a
		}
		if r.AvgLatencyMs > 0 {
			a.latencySum += r.AvgLatencyMs
			a.latencyCount++
		}
		a.rateSum += recordSuccessRate(r)
		a.count++

		checked := r.AssignedAt
		if r.LastHealthCheck != nil {
			checked = *r.LastHealthCheck
		}
		if a.latest == nil || !checked.Before(a.lastUsed) {
			a.latest = r
			a.lastUsed = checked
		}
	}
	l.mu.RUnlock()

	out := make(map[string]model.ProxyStats, len(byProxy))
	for id, a := range byProxy {
		s := model.ProxyStats{
			SuccessRate:  a.rateSum / float64(a.count),
			HealthStatus: a.latest.HealthStatus,
			LastUsedAt:   a.lastUsed,
		}
		if a.latencyCount > 0 {
			s.AvgLatencyMs = a.latencySum / a.latencyCount
		}
		out[id] = s
	}
	return out, nil
}

func (l *MemoryLedger) ActiveUnhealthy(_ context.Context) ([]*model.UsageRecord, error) {
	return l.collect(func(r *model.UsageRecord) bool {
		return r.Active() && (r.HealthStatus == model.HealthDegraded || r.HealthStatus == model.HealthUnhealthy)
	}), nil
}

func (l *MemoryLedger) ListActive(_ context.Context) ([]*model.UsageRecord, error) {
	return l.collect(func(r *model.UsageRecord) bool { return r.Active() }), nil
}

func (l *MemoryLedger) ActiveByProxy(_ context.Context, proxyID string) (*model.UsageRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.ProxyID == proxyID && r.Active() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNoActiveRecord
}

func (l *MemoryLedger) collect(match func(*model.UsageRecord) bool) []*model.UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*model.UsageRecord, 0)
	for _, r := range l.records {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// findActiveLocked must be called with l.mu held.
func (l *MemoryLedger) findActiveLocked(deviceID, proxyID string) *model.UsageRecord {
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.DeviceID == deviceID && r.ProxyID == proxyID && r.Active() {
			return r
		}
	}
	return nil
}

func recordSuccessRate(r *model.UsageRecord) float64 {
	if r.TotalRequests > 0 {
		return float64(r.TotalRequests-r.FailedRequests) * 100 / float64(r.TotalRequests)
	}
	if r.HealthChecksPassed+r.HealthChecksFailed > 0 {
		return healthPassedRate(r.HealthChecksPassed, r.HealthChecksFailed)
	}
	if r.SuccessRate > 0 {
		return r.SuccessRate
	}
	return 100
}

// MemoryRegistry is a process-local DeviceRegistry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]*model.Device
}

var _ DeviceRegistry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[string]*model.Device)}
}

// Put inserts or replaces a device row.
func (r *MemoryRegistry) Put(d *model.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.devices[d.ID] = &cp
}

// Delete removes a device row.
func (r *MemoryRegistry) Delete(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

func (r *MemoryRegistry) Get(_ context.Context, deviceID string) (*model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRegistry) ListWithProxy(_ context.Context) ([]*model.Device, error) {
	return r.list(func(d *model.Device) bool { return d.HasProxy() }), nil
}

func (r *MemoryRegistry) ListByProxy(_ context.Context, proxyID string) ([]*model.Device, error) {
	return r.list(func(d *model.Device) bool { return d.ProxyID == proxyID }), nil
}

func (r *MemoryRegistry) Existing(_ context.Context, ids []string) (map[string]*model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*model.Device, len(ids))
	for _, id := range ids {
		if d, ok := r.devices[id]; ok {
			cp := *d
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *MemoryRegistry) UpdateBinding(_ context.Context, deviceID string, b model.Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	d.ProxyID = b.ProxyID
	d.ProxyHost = b.ProxyHost
	d.ProxyPort = b.ProxyPort
	d.ProxyType = b.ProxyType
	d.ProxyCountry = b.ProxyCountry
	return nil
}

func (r *MemoryRegistry) list(match func(*model.Device) bool) []*model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Device, 0)
	for _, d := range r.devices {
		if match(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

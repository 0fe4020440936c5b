// Package health probes device->proxy bindings and records the outcome in the
// usage ledger.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"liuproxy_broker/internal/core/failover"
	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/metrics"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
	"liuproxy_broker/internal/shared/settings"
)

// ErrNoProxyBound is returned by Trigger for a device without a proxy.
var ErrNoProxyBound = errors.New("device has no proxy bound")

const autoFailoverReason = "health_check_failed"

// Failover is the part of the failover coordinator the monitor drives.
type Failover interface {
	RecordDeviceFailure(deviceID string) int
	ResetDeviceFailureCount(deviceID string)
	ShouldTrigger(deviceID, proxyID string, sig failover.Signals) bool
	Perform(ctx context.Context, deviceID, reason string) *model.FailoverRecord
}

// CheckResult is the classified outcome of one probe.
type CheckResult struct {
	DeviceID  string             `json:"device_id"`
	ProxyID   string             `json:"proxy_id"`
	Status    model.HealthStatus `json:"status"`
	LatencyMs int64              `json:"latency_ms"`
	Healthy   bool               `json:"healthy"`
	Error     string             `json:"error,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
}

// BatchResult counts the probes of one sweep. A degraded binding counts as successful.
type BatchResult struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// UnhealthyBinding is an active ledger record joined with its device name.
type UnhealthyBinding struct {
	model.UsageRecord
	DeviceName string `json:"device_name"`
}

// Monitor 周期性地检查所有设备的代理绑定, 并按需执行单次检查。
type Monitor struct {
	registry ledger.DeviceRegistry
	ledger   ledger.Ledger
	provider provider.Provider
	clock    clockwork.Clock
	cfg      atomic.Pointer[settings.HealthSettings]
	failover atomic.Value // Failover

	resetChan chan time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

var _ failover.HealthChecker = (*Monitor)(nil)

// New creates a monitor. A nil clock uses the real clock.
func New(reg ledger.DeviceRegistry, l ledger.Ledger, p provider.Provider, cfg *settings.HealthSettings, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Monitor{
		registry:  reg,
		ledger:    l,
		provider:  p,
		clock:     clock,
		resetChan: make(chan time.Duration, 1),
		stopChan:  make(chan struct{}),
	}
	m.cfg.Store(cfg)
	return m
}

// SetFailover enables the auto-failover hook (still gated by settings).
func (m *Monitor) SetFailover(f Failover) {
	m.failover.Store(f)
}

// OnSettingsUpdate implements settings.ConfigurableModule.
func (m *Monitor) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleHealth {
		return nil
	}
	cfg, ok := newSettings.(*settings.HealthSettings)
	if !ok {
		return fmt.Errorf("health: received incorrect settings type for health module")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	old := m.cfg.Swap(cfg)
	if old == nil || old.Interval() != cfg.Interval() {
		select {
		case m.resetChan <- cfg.Interval():
		default:
		}
	}
	return nil
}

// Start launches the sweep loop. The first sweep runs after one interval.
func (m *Monitor) Start(ctx context.Context) {
	interval := m.cfg.Load().Interval()
	if interval <= 0 {
		interval = settings.Defaults().Health.Interval()
	}
	logger.WithComponent("Health").Info().Dur("interval", interval).Msg("Health monitor starting...")
	m.wg.Add(1)
	go m.loop(ctx, interval)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	l := logger.WithComponent("Health")

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.safeSweep(ctx)
		case d := <-m.resetChan:
			if d <= 0 {
				continue
			}
			l.Info().Dur("interval", d).Msg("Health check interval changed.")
			ticker.Reset(d)
		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down health loop.")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) safeSweep(ctx context.Context) {
	l := logger.WithComponent("Health")
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Health sweep panicked.")
		}
	}()
	res, err := m.sweep(ctx)
	if err != nil {
		l.Warn().Err(err).Msg("Health sweep failed.")
		return
	}
	l.Info().
		Int("total", res.Total).
		Int("successful", res.Successful).
		Int("failed", res.Failed).
		Msg("Health sweep finished.")
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	logger.Info().Msg("Health monitor gracefully stopped.")
}

// sweep checks every bound device concurrently. One failing probe never aborts the rest.
func (m *Monitor) sweep(ctx context.Context) (*BatchResult, error) {
	devices, err := m.registry.ListWithProxy(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bound devices: %w", err)
	}

	results := make([]bool, len(devices))
	g := new(errgroup.Group)
	if n := m.cfg.Load().Concurrency; n > 0 {
		g.SetLimit(n)
	}
	for i, dev := range devices {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.WithComponent("Health").Error().
						Interface("panic", r).
						Str("device_id", dev.ID).
						Msg("Health check panicked.")
				}
			}()
			res, err := m.check(ctx, dev.ID, dev.ProxyID, true)
			if err != nil {
				logger.WithComponent("Health").Warn().Err(err).Str("device_id", dev.ID).Msg("Health check could not be recorded.")
			}
			results[i] = res != nil && res.Healthy
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{Total: len(devices)}
	for _, ok := range results {
		if ok {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// CheckDeviceProxy probes one binding, records it and runs the auto-failover hook.
// Provider failures are classified unhealthy, not returned; the error only
// reports a ledger write that failed for another reason than a missing record.
func (m *Monitor) CheckDeviceProxy(ctx context.Context, deviceID, proxyID string) (*CheckResult, error) {
	return m.check(ctx, deviceID, proxyID, true, false)
}

// Recheck implements failover.HealthChecker. It never triggers another failover.
func (m *Monitor) Recheck(ctx context.Context, deviceID, proxyID string) error {
	res, err := m.check(ctx, deviceID, proxyID, false, false)
	if err != nil {
		return err
	}
	if !res.Healthy {
		return fmt.Errorf("proxy %s is %s after failover", proxyID, res.Status)
	}
	return nil
}

// check probes and records one binding. With strict set a missing active
// record is returned as ledger.ErrNoActiveRecord instead of being logged.
func (m *Monitor) check(ctx context.Context, deviceID, proxyID string, hook, strict bool) (*CheckResult, error) {
	l := logger.WithComponent("Health")
	cfg := m.cfg.Load()

	cctx := ctx
	if cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, cfg.Timeout())
		defer cancel()
	}

	res := &CheckResult{DeviceID: deviceID, ProxyID: proxyID, CheckedAt: m.clock.Now()}
	hr, err := m.provider.CheckHealth(cctx, proxyID)
	switch {
	case err != nil:
		res.Status = model.HealthUnhealthy
		res.Error = err.Error()
	case !hr.Healthy:
		res.Status = model.HealthUnhealthy
		res.LatencyMs = hr.LatencyMs
		res.Error = "proxy unreachable"
	case cfg.DegradedLatencyMs > 0 && hr.LatencyMs > cfg.DegradedLatencyMs:
		res.Status = model.HealthDegraded
		res.LatencyMs = hr.LatencyMs
	default:
		res.Status = model.HealthHealthy
		res.LatencyMs = hr.LatencyMs
	}
	res.Healthy = res.Status != model.HealthUnhealthy

	metrics.HealthChecksTotal.WithLabelValues(string(res.Status)).Inc()
	if res.Healthy {
		metrics.HealthCheckLatency.Observe(float64(res.LatencyMs) / 1000)
	}
	l.Debug().
		Str("device_id", deviceID).
		Str("proxy_id", proxyID).
		Str("status", string(res.Status)).
		Int64("latency_ms", res.LatencyMs).
		Str("error", res.Error).
		Msg("Health check done.")

	var writeErr error
	if err := m.ledger.UpdateHealth(ctx, deviceID, proxyID, res.Status, res.Healthy); err != nil {
		if errors.Is(err, ledger.ErrNoActiveRecord) {
			if strict {
				return res, fmt.Errorf("device %s on proxy %s: %w", deviceID, proxyID, ledger.ErrNoActiveRecord)
			}
			l.Warn().Str("device_id", deviceID).Str("proxy_id", proxyID).Msg("No active usage record for checked binding.")
		} else {
			writeErr = fmt.Errorf("record health of %s/%s: %w", deviceID, proxyID, err)
		}
	}

	if hook {
		m.autoFailover(ctx, res)
	}
	return res, writeErr
}

func (m *Monitor) autoFailover(ctx context.Context, res *CheckResult) {
	f, _ := m.failover.Load().(Failover)
	if f == nil || !m.cfg.Load().AutoFailover {
		return
	}
	if res.Status == model.HealthHealthy {
		f.ResetDeviceFailureCount(res.DeviceID)
		return
	}

	sig := failover.Signals{HealthStatus: res.Status, LatencyMs: res.LatencyMs}
	if res.Status == model.HealthUnhealthy {
		sig.ConsecutiveFailures = f.RecordDeviceFailure(res.DeviceID)
	}
	if !f.ShouldTrigger(res.DeviceID, res.ProxyID, sig) {
		return
	}
	rec := f.Perform(ctx, res.DeviceID, autoFailoverReason)
	if rec.Success {
		f.ResetDeviceFailureCount(res.DeviceID)
	}
}

// Trigger checks the device's current binding on demand. A device without a
// binding or without an active usage record is an error.
func (m *Monitor) Trigger(ctx context.Context, deviceID string) (*CheckResult, error) {
	dev, err := m.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.HasProxy() {
		return nil, fmt.Errorf("%w: %s", ErrNoProxyBound, deviceID)
	}
	return m.check(ctx, dev.ID, dev.ProxyID, true, true)
}

// TriggerBatch runs one sweep on demand.
func (m *Monitor) TriggerBatch(ctx context.Context) (*BatchResult, error) {
	return m.sweep(ctx)
}

// Unhealthy lists degraded and unhealthy active bindings, least recently checked first.
func (m *Monitor) Unhealthy(ctx context.Context) ([]UnhealthyBinding, error) {
	records, err := m.ledger.ActiveUnhealthy(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unhealthy records: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.DeviceID)
	}
	devices, err := m.registry.Existing(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("look up devices: %w", err)
	}

	out := make([]UnhealthyBinding, 0, len(records))
	for _, r := range records {
		b := UnhealthyBinding{UsageRecord: *r}
		if d, ok := devices[r.DeviceID]; ok {
			b.DeviceName = d.Name
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastHealthCheck, out[j].LastHealthCheck
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

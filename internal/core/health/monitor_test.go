package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_broker/internal/core/failover"
	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/provider/providertest"
	"liuproxy_broker/internal/shared/settings"
)

type fakeFailover struct {
	mu        sync.Mutex
	threshold int
	failures  map[string]int
	performed []string
	resets    int
}

func newFakeFailover(threshold int) *fakeFailover {
	return &fakeFailover{threshold: threshold, failures: make(map[string]int)}
}

func (f *fakeFailover) RecordDeviceFailure(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	return f.failures[id]
}

func (f *fakeFailover) ResetDeviceFailureCount(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	delete(f.failures, id)
}

func (f *fakeFailover) ShouldTrigger(_, _ string, sig failover.Signals) bool {
	return sig.ConsecutiveFailures >= f.threshold
}

func (f *fakeFailover) Perform(_ context.Context, id, reason string) *model.FailoverRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performed = append(f.performed, id)
	return &model.FailoverRecord{DeviceID: id, Reason: reason, Success: true}
}

type fixture struct {
	clock    clockwork.FakeClock
	provider *providertest.Fake
	ledger   *ledger.MemoryLedger
	registry *ledger.MemoryRegistry
	cfg      *settings.HealthSettings
	monitor  *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	fp := providertest.New(
		model.Proxy{ID: "p1", Host: "10.0.0.1", Port: 8080, LatencyMs: 120},
		model.Proxy{ID: "p2", Host: "10.0.0.2", Port: 8080, LatencyMs: 300},
		model.Proxy{ID: "p3", Host: "10.0.0.3", Port: 8080, LatencyMs: 80},
	)
	ml := ledger.NewMemoryLedger(clock)
	reg := ledger.NewMemoryRegistry()
	cfg := settings.Defaults().Health
	return &fixture{
		clock:    clock,
		provider: fp,
		ledger:   ml,
		registry: reg,
		cfg:      cfg,
		monitor:  New(reg, ml, fp, cfg, clock),
	}
}

func (f *fixture) bind(t *testing.T, deviceID, proxyID string) {
	t.Helper()
	f.registry.Put(&model.Device{ID: deviceID, Name: "name-" + deviceID, ProxyID: proxyID})
	_, err := f.ledger.RecordAssignment(context.Background(), model.Assignment{DeviceID: deviceID, ProxyID: proxyID})
	require.NoError(t, err)
}

func (f *fixture) active(t *testing.T, deviceID string) model.UsageRecord {
	t.Helper()
	for _, r := range f.ledger.Records() {
		if r.DeviceID == deviceID && r.Active() {
			return r
		}
	}
	t.Fatalf("no active record for %s", deviceID)
	return model.UsageRecord{}
}

func TestCheckDeviceProxy_Classification(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*providertest.Fake)
		status  model.HealthStatus
		healthy bool
	}{
		{"healthy", func(*providertest.Fake) {}, model.HealthHealthy, true},
		{"degraded", func(fp *providertest.Fake) {
			fp.SetHealth("p1", provider.HealthResult{Healthy: true, LatencyMs: 2500})
		}, model.HealthDegraded, true},
		{"boundary is healthy", func(fp *providertest.Fake) {
			fp.SetHealth("p1", provider.HealthResult{Healthy: true, LatencyMs: 2000})
		}, model.HealthHealthy, true},
		{"unreachable", func(fp *providertest.Fake) {
			fp.SetHealth("p1", provider.HealthResult{Healthy: false})
		}, model.HealthUnhealthy, false},
		{"provider error", func(fp *providertest.Fake) {
			fp.SetHealthError("p1", errors.New("timeout"))
		}, model.HealthUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.bind(t, "d1", "p1")
			tt.setup(f.provider)

			res, err := f.monitor.CheckDeviceProxy(context.Background(), "d1", "p1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.healthy, res.Healthy)

			rec := f.active(t, "d1")
			assert.Equal(t, tt.status, rec.HealthStatus)
			require.NotNil(t, rec.LastHealthCheck)
			if tt.healthy {
				assert.Equal(t, 1, rec.HealthChecksPassed)
			} else {
				assert.Equal(t, 1, rec.HealthChecksFailed)
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestCheckDeviceProxy_NoActiveRecord(t *testing.T) {
	f := newFixture(t)
	res, err := f.monitor.CheckDeviceProxy(context.Background(), "ghost", "p1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, res.Status)
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "d1", "p2")
	f.registry.Put(&model.Device{ID: "idle"})

	res, err := f.monitor.Trigger(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.ProxyID)
	assert.Equal(t, int64(300), res.LatencyMs)

	_, err = f.monitor.Trigger(context.Background(), "idle")
	assert.ErrorIs(t, err, ErrNoProxyBound)

	_, err = f.monitor.Trigger(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrDeviceNotFound)
}

func TestTrigger_NoActiveRecord(t *testing.T) {
	f := newFixture(t)
	ff := newFakeFailover(1)
	f.monitor.SetFailover(ff)
	cfg := *f.cfg
	cfg.AutoFailover = true
	require.NoError(t, f.monitor.OnSettingsUpdate(settings.ModuleHealth, &cfg))

	// bound in the registry, but the ledger never saw the assignment
	f.registry.Put(&model.Device{ID: "d1", ProxyID: "p1"})
	f.provider.SetHealth("p1", provider.HealthResult{Healthy: false})

	_, err := f.monitor.Trigger(context.Background(), "d1")
	assert.ErrorIs(t, err, ledger.ErrNoActiveRecord)
	assert.Empty(t, ff.performed)

	// the scheduled path only warns
	res, err := f.monitor.CheckDeviceProxy(context.Background(), "d1", "p1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthUnhealthy, res.Status)
}

func TestTriggerBatch(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "d1", "p1")
	f.bind(t, "d2", "p2")
	f.bind(t, "d3", "p3")
	f.registry.Put(&model.Device{ID: "idle"})
	f.provider.SetHealthError("p2", errors.New("connection refused"))

	res, err := f.monitor.TriggerBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Total: 3, Successful: 2, Failed: 1}, *res)
	assert.Equal(t, model.HealthUnhealthy, f.active(t, "d2").HealthStatus)

	_, _, checked := f.provider.Calls()
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, checked)
}

func TestUnhealthy_OldestCheckFirst(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "d1", "p1")
	f.bind(t, "d2", "p2")
	f.bind(t, "d3", "p3")
	f.provider.SetHealth("p1", provider.HealthResult{Healthy: false})
	f.provider.SetHealth("p2", provider.HealthResult{Healthy: true, LatencyMs: 3000})

	ctx := context.Background()
	_, err := f.monitor.CheckDeviceProxy(ctx, "d2", "p2")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.monitor.CheckDeviceProxy(ctx, "d1", "p1")
	require.NoError(t, err)
	_, err = f.monitor.CheckDeviceProxy(ctx, "d3", "p3")
	require.NoError(t, err)

	got, err := f.monitor.Unhealthy(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].DeviceID)
	assert.Equal(t, "name-d2", got[0].DeviceName)
	assert.Equal(t, model.HealthDegraded, got[0].HealthStatus)
	assert.Equal(t, "d1", got[1].DeviceID)
	assert.Equal(t, model.HealthUnhealthy, got[1].HealthStatus)
}

func TestAutoFailover(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "d1", "p1")
	ff := newFakeFailover(2)
	f.monitor.SetFailover(ff)
	f.provider.SetHealth("p1", provider.HealthResult{Healthy: false})
	ctx := context.Background()

	// disabled by default
	_, err := f.monitor.CheckDeviceProxy(ctx, "d1", "p1")
	require.NoError(t, err)
	assert.Empty(t, ff.failures)

	cfg := *f.cfg
	cfg.AutoFailover = true
	require.NoError(t, f.monitor.OnSettingsUpdate(settings.ModuleHealth, &cfg))

	_, err = f.monitor.CheckDeviceProxy(ctx, "d1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, ff.failures["d1"])
	assert.Empty(t, ff.performed)

	_, err = f.monitor.CheckDeviceProxy(ctx, "d1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ff.performed)
	assert.Equal(t, 0, ff.failures["d1"], "successful failover resets the tally")

	f.provider.SetHealth("p1", provider.HealthResult{Healthy: true, LatencyMs: 50})
	resets := ff.resets
	_, err = f.monitor.CheckDeviceProxy(ctx, "d1", "p1")
	require.NoError(t, err)
	assert.Equal(t, resets+1, ff.resets)
}

func TestRecheck_NeverFailsOver(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "d1", "p1")
	ff := newFakeFailover(1)
	f.monitor.SetFailover(ff)
	cfg := *f.cfg
	cfg.AutoFailover = true
	require.NoError(t, f.monitor.OnSettingsUpdate(settings.ModuleHealth, &cfg))

	require.NoError(t, f.monitor.Recheck(context.Background(), "d1", "p1"))

	f.provider.SetHealthError("p1", errors.New("down"))
	assert.Error(t, f.monitor.Recheck(context.Background(), "d1", "p1"))
	assert.Empty(t, ff.performed)
	assert.Equal(t, 1, f.active(t, "d1").HealthChecksFailed)
}

func TestOnSettingsUpdate_WrongType(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.monitor.OnSettingsUpdate(settings.ModuleHealth, &settings.PoolSettings{}))
	assert.NoError(t, f.monitor.OnSettingsUpdate(settings.ModulePool, &settings.PoolSettings{}))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "d1", "p1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Start(ctx)

	f.clock.BlockUntil(1)
	f.clock.Advance(5 * time.Minute)
	assert.Eventually(t, func() bool {
		_, _, checked := f.provider.Calls()
		return len(checked) == 1
	}, time.Second, 10*time.Millisecond)

	f.monitor.Stop()
}

func TestOnSettingsUpdate_RejectsNonPositiveInterval(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "d1", "p1")
	sm := settings.NewInMemory(nil)
	sm.Register(settings.ModuleHealth, f.monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Start(ctx)
	f.clock.BlockUntil(1)

	assert.Error(t, sm.Update(settings.ModuleHealth, []byte(`{"interval_seconds": 0}`)))
	assert.Error(t, f.monitor.OnSettingsUpdate(settings.ModuleHealth, &settings.HealthSettings{IntervalSeconds: -1}))
	assert.Equal(t, 5*time.Minute, f.monitor.cfg.Load().Interval())

	f.clock.Advance(5 * time.Minute)
	assert.Eventually(t, func() bool {
		_, _, checked := f.provider.Calls()
		return len(checked) == 1
	}, time.Second, 10*time.Millisecond)

	f.monitor.Stop()
}

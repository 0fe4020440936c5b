package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_broker/internal/core/health"
	"liuproxy_broker/internal/core/selector"
	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/provider/providertest"
	"liuproxy_broker/internal/shared/config"
	"liuproxy_broker/internal/shared/settings"
)

type harness struct {
	clock    clockwork.FakeClock
	provider *providertest.Fake
	ledger   *ledger.MemoryLedger
	registry *ledger.MemoryRegistry
	server   *AppServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	fp := providertest.New(
		model.Proxy{ID: "us-1", Host: "10.0.0.1", Port: 8080, Protocol: "http", Country: "US", LatencyMs: 100},
		model.Proxy{ID: "us-2", Host: "10.0.0.2", Port: 8080, Protocol: "http", Country: "US", LatencyMs: 200},
		model.Proxy{ID: "de-1", Host: "10.0.1.1", Port: 1080, Protocol: "socks5", Country: "DE", LatencyMs: 150},
	)
	ml := ledger.NewMemoryLedger(clock)
	reg := ledger.NewMemoryRegistry()

	rs := settings.Defaults()
	rs.Failover.RetryDelayMs = 0
	s := NewWithBackends(config.Default(), settings.NewInMemory(rs), Backends{
		Registry: reg,
		Ledger:   ml,
		Provider: fp,
		Clock:    clock,
	})
	require.NoError(t, s.Pool().Refresh(context.Background()))
	return &harness{clock: clock, provider: fp, ledger: ml, registry: reg, server: s}
}

func TestAssignAndRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registry.Put(&model.Device{ID: "d1", Name: "phone", UserID: "u1"})

	dev, err := h.server.AssignDevice(ctx, "d1", "de")
	require.NoError(t, err)
	assert.Equal(t, "de-1", dev.ProxyID)
	assert.Equal(t, "socks5", dev.ProxyType)
	assert.Equal(t, 1, h.server.Pool().Connections("de-1"))

	_, err = h.server.AssignDevice(ctx, "d1", "")
	assert.ErrorIs(t, err, ErrAlreadyBound)

	rec, err := h.server.ReleaseDevice(ctx, "d1", model.ReleaseManual)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, model.ReleaseManual, rec.ReleaseReason)
	assert.Equal(t, 0, h.server.Pool().Connections("de-1"))

	stored, _ := h.registry.Get(ctx, "d1")
	assert.False(t, stored.HasProxy())

	_, err = h.server.ReleaseDevice(ctx, "d1", model.ReleaseManual)
	assert.ErrorIs(t, err, health.ErrNoProxyBound)
}

func TestAssign_CountryFallback(t *testing.T) {
	h := newHarness(t)
	h.registry.Put(&model.Device{ID: "d1"})

	_, err := h.server.AssignDevice(context.Background(), "d1", "JP")
	var selErr *selector.SelectionError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, []string{"US", "DE"}, selErr.AlternativeCountries)
}

func TestAutoFailoverEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registry.Put(&model.Device{ID: "d1"})

	dev, err := h.server.AssignDevice(ctx, "d1", "US")
	require.NoError(t, err)
	require.Equal(t, "us-1", dev.ProxyID)

	require.NoError(t, h.server.Settings().Update(settings.ModuleHealth, json.RawMessage(`{"auto_failover": true}`)))
	h.provider.SetHealth("us-1", provider.HealthResult{Healthy: true, LatencyMs: 2500})

	res, err := h.server.Health().Trigger(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, res.Status)
	assert.Empty(t, h.server.Failover().History(0), "degraded below the latency threshold does not fail over")

	h.provider.SetHealth("us-1", provider.HealthResult{Healthy: false})
	res, err = h.server.Health().Trigger(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthUnhealthy, res.Status)
	h.server.Failover().Wait()

	moved, _ := h.registry.Get(ctx, "d1")
	assert.NotEqual(t, "us-1", moved.ProxyID)
	assert.True(t, h.server.Pool().IsBlacklisted("us-1"))
	assert.Equal(t, 0, h.server.Failover().DeviceFailureCount("d1"))

	hist := h.server.Failover().History(1)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Success)
	assert.Equal(t, "health_check_failed", hist[0].Reason)
}

func TestSettingsPropagate(t *testing.T) {
	h := newHarness(t)
	sm := h.server.Settings()

	require.NoError(t, sm.Update(settings.ModuleSelector, json.RawMessage(`{"default_strategy": "latency_first"}`)))
	sel, err := h.server.Selector().Select(selector.Request{})
	require.NoError(t, err)
	assert.Equal(t, selector.LatencyFirst, sel.Strategy)

	require.NoError(t, sm.Update(settings.ModulePool, json.RawMessage(`{"blacklist_duration_ms": 1000}`)))
	h.server.Pool().AddToBlacklist("us-2", 0)
	h.clock.Advance(1500 * time.Millisecond)
	assert.False(t, h.server.Pool().IsBlacklisted("us-2"))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.server.Run(ctx)
		close(done)
	}()
	// pool, health and orphan loops each hold one ticker
	h.clock.BlockUntil(3)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

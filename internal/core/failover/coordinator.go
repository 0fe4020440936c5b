// Package failover replaces failing proxies on devices and keeps a bounded
// history of every attempt.
package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"liuproxy_broker/internal/core/selector"
	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/metrics"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
	"liuproxy_broker/internal/shared/settings"
)

const (
	topFailedProxies  = 10
	asyncCheckTimeout = 30 * time.Second
)

var (
	errNoProxyBound = errors.New("device has no proxy bound")
	errBindingMoved = errors.New("device is no longer bound to the failed proxy")
)

// Selector is the part of the selector the coordinator needs.
type Selector interface {
	Select(req selector.Request) (*selector.Selection, error)
	ReleaseProxy(proxyID string)
}

// Blacklist is the part of the pool manager the coordinator needs.
type Blacklist interface {
	AddToBlacklist(proxyID string, d time.Duration)
	IsBlacklisted(proxyID string) bool
}

// HealthChecker re-checks a fresh binding after a successful failover.
type HealthChecker interface {
	Recheck(ctx context.Context, deviceID, proxyID string) error
}

// Signals are the observations fed into ShouldTrigger. Zero values are ignored.
type Signals struct {
	ConsecutiveFailures int
	HealthStatus        model.HealthStatus
	LatencyMs           int64
}

// BatchResult summarizes a batch failover.
type BatchResult struct {
	ProxyID   string                  `json:"proxy_id"`
	Total     int                     `json:"total"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Skipped   int                     `json:"skipped"`
	Records   []*model.FailoverRecord `json:"records"`
}

// ProxyFailures counts how often a proxy was failed away from.
type ProxyFailures struct {
	ProxyID string `json:"proxy_id"`
	Count   int    `json:"count"`
}

// Statistics is computed over the retained history.
type Statistics struct {
	Total            int             `json:"total"`
	Successful       int             `json:"successful"`
	Failed           int             `json:"failed"`
	SuccessRate      float64         `json:"success_rate"` // percent
	AverageRetries   float64         `json:"average_retries"`
	LastHour         int             `json:"last_hour"`
	TopFailedProxies []ProxyFailures `json:"top_failed_proxies"`
}

// Deps bundles the collaborators of a Coordinator.
type Deps struct {
	Registry ledger.DeviceRegistry
	Ledger   ledger.Ledger
	Provider provider.Provider
	Selector Selector
	Pool     Blacklist
	Clock    clockwork.Clock
}

type Coordinator struct {
	deps     Deps
	clock    clockwork.Clock
	settings *settings.SettingsManager
	cfg      atomic.Pointer[settings.FailoverSettings]
	health   atomic.Value // HealthChecker

	deviceLocks *keyedMutex

	historyMu sync.RWMutex
	history   []*model.FailoverRecord // oldest first

	failuresMu sync.Mutex
	failures   map[string]int

	async sync.WaitGroup
}

// NewCoordinator registers the coordinator for failover settings updates.
func NewCoordinator(deps Deps, sm *settings.SettingsManager) *Coordinator {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Coordinator{
		deps:        deps,
		clock:       clock,
		settings:    sm,
		deviceLocks: newKeyedMutex(),
		failures:    make(map[string]int),
	}
	c.cfg.Store(sm.Get().Failover)
	sm.Register(settings.ModuleFailover, c)
	return c
}

// SetHealthChecker wires the post-failover check. It may be called once after construction.
func (c *Coordinator) SetHealthChecker(h HealthChecker) {
	c.health.Store(h)
}

// OnSettingsUpdate implements settings.ConfigurableModule.
func (c *Coordinator) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleFailover {
		return nil
	}
	cfg, ok := newSettings.(*settings.FailoverSettings)
	if !ok {
		return fmt.Errorf("failover: received incorrect settings type for failover module")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("failover: %w", err)
	}
	c.cfg.Store(cfg)
	c.trimHistory(cfg.MaxHistory)
	return nil
}

// Config returns a copy of the active configuration.
func (c *Coordinator) Config() settings.FailoverSettings {
	return *c.cfg.Load()
}

// UpdateConfig merges a partial JSON document onto the failover settings.
func (c *Coordinator) UpdateConfig(raw json.RawMessage) error {
	return c.settings.Update(settings.ModuleFailover, raw)
}

// ShouldTrigger reports whether the observed signals warrant a failover.
func (c *Coordinator) ShouldTrigger(deviceID, proxyID string, sig Signals) bool {
	cfg := c.cfg.Load()
	if !cfg.Enabled {
		return false
	}
	switch {
	case cfg.ConsecutiveFailureThreshold > 0 && sig.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold:
	case sig.HealthStatus == model.HealthUnhealthy:
	case cfg.LatencyThresholdMs > 0 && sig.LatencyMs >= cfg.LatencyThresholdMs:
	case proxyID != "" && c.deps.Pool.IsBlacklisted(proxyID):
	default:
		return false
	}
	logger.WithComponent("Failover").Debug().
		Str("device_id", deviceID).
		Str("proxy_id", proxyID).
		Int("consecutive_failures", sig.ConsecutiveFailures).
		Str("health", string(sig.HealthStatus)).
		Msg("Failover conditions met.")
	return true
}

// Perform moves the device off its current proxy. It never returns nil;
// a failure is reported through the record.
func (c *Coordinator) Perform(ctx context.Context, deviceID, reason string) *model.FailoverRecord {
	return c.run(ctx, deviceID, "", reason)
}

// run is Perform restricted to a device still bound to expectedProxy. An empty
// expectedProxy accepts any binding. A moved binding yields a skipped record
// that is not added to the history.
func (c *Coordinator) run(ctx context.Context, deviceID, expectedProxy, reason string) *model.FailoverRecord {
	unlock := c.deviceLocks.lock(deviceID)
	defer unlock()

	cfg := c.cfg.Load()
	if cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout())
		defer cancel()
	}

	rec := &model.FailoverRecord{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Reason:    reason,
		Timestamp: c.clock.Now(),
	}
	err := c.perform(ctx, cfg, rec, expectedProxy)
	if errors.Is(err, errBindingMoved) {
		rec.Skipped = true
		rec.Error = err.Error()
		logger.WithComponent("Failover").Info().
			Str("device_id", deviceID).
			Str("expected_proxy_id", expectedProxy).
			Str("current_proxy_id", rec.OldProxyID).
			Msg("Binding changed before failover, skipping.")
		return rec
	}
	if err != nil {
		rec.Success = false
		rec.Error = err.Error()
	}
	c.finish(rec)
	return rec
}

func (c *Coordinator) perform(ctx context.Context, cfg *settings.FailoverSettings, rec *model.FailoverRecord, expectedProxy string) error {
	l := logger.WithComponent("Failover")

	dev, err := c.deps.Registry.Get(ctx, rec.DeviceID)
	if err != nil {
		return err
	}
	rec.DeviceName = dev.Name
	if !dev.HasProxy() {
		return errNoProxyBound
	}
	rec.OldProxyID = dev.ProxyID
	if expectedProxy != "" && dev.ProxyID != expectedProxy {
		return errBindingMoved
	}
	defer c.deps.Pool.AddToBlacklist(dev.ProxyID, cfg.BlacklistDuration())

	l.Info().
		Str("device_id", dev.ID).
		Str("old_proxy_id", dev.ProxyID).
		Str("reason", rec.Reason).
		Msg("Starting failover.")

	exclude := []string{dev.ProxyID}
	oldReleased := false
	var lastErr error
	for attempt := 1; attempt <= max(cfg.MaxRetries, 1); attempt++ {
		rec.RetryCount = attempt
		if attempt > 1 {
			if err := c.sleep(ctx, cfg.RetryDelay()); err != nil {
				return fmt.Errorf("failover aborted after %d attempts: %w", attempt-1, err)
			}
		}

		sel, err := c.deps.Selector.Select(selector.Request{ExcludeProxyIDs: exclude, MinScore: cfg.MinScore})
		if err != nil {
			lastErr = err
			l.Warn().Err(err).Str("device_id", dev.ID).Int("attempt", attempt).Msg("No replacement proxy available.")
			continue
		}

		newID := sel.Proxy.ProxyID
		if err := c.swap(ctx, dev, newID, &oldReleased); err != nil {
			c.deps.Selector.ReleaseProxy(newID)
			exclude = append(exclude, newID)
			lastErr = err
			l.Warn().Err(err).Str("device_id", dev.ID).Str("new_proxy_id", newID).Int("attempt", attempt).Msg("Failed to rebind device.")
			continue
		}

		rec.NewProxyID = newID
		rec.Success = true
		l.Info().
			Str("device_id", dev.ID).
			Str("old_proxy_id", dev.ProxyID).
			Str("new_proxy_id", newID).
			Int("attempts", attempt).
			Msg("Failover succeeded.")
		return nil
	}

	if lastErr == nil {
		lastErr = selector.ErrNoProxyAvailable
	}
	return fmt.Errorf("failover exhausted %d attempts: %w", rec.RetryCount, lastErr)
}

// swap rebinds dev to newID. The old proxy is released at most once across retries.
func (c *Coordinator) swap(ctx context.Context, dev *model.Device, newID string, oldReleased *bool) error {
	l := logger.WithComponent("Failover")

	if !*oldReleased {
		if err := c.deps.Provider.ReleaseProxy(ctx, dev.ProxyID); err != nil {
			l.Warn().Err(err).Str("proxy_id", dev.ProxyID).Msg("Provider release of old proxy failed.")
		}
		c.deps.Selector.ReleaseProxy(dev.ProxyID)
		*oldReleased = true
	}

	px, err := c.deps.Provider.AssignProxy(ctx, provider.AssignRequest{ProxyID: newID})
	if err != nil {
		return fmt.Errorf("assign %s: %w", newID, err)
	}

	if err := c.deps.Registry.UpdateBinding(ctx, dev.ID, model.BindingFor(px)); err != nil {
		if rerr := c.deps.Provider.ReleaseProxy(ctx, newID); rerr != nil {
			l.Warn().Err(rerr).Str("proxy_id", newID).Msg("Provider release after failed rebind failed.")
		}
		return fmt.Errorf("update device binding: %w", err)
	}

	released, err := c.deps.Ledger.RecordRelease(ctx, dev.ID, dev.ProxyID, model.ReleaseHealthCheckFailed, nil)
	if err != nil {
		l.Warn().Err(err).Str("device_id", dev.ID).Msg("Ledger release failed.")
	} else if released == nil {
		l.Warn().Str("device_id", dev.ID).Str("proxy_id", dev.ProxyID).Msg("No active ledger record for old proxy.")
	}

	_, err = c.deps.Ledger.RecordAssignment(ctx, model.Assignment{
		DeviceID:     dev.ID,
		UserID:       dev.UserID,
		ProxyID:      px.ID,
		ProxyHost:    px.Host,
		ProxyPort:    px.Port,
		ProxyType:    px.Protocol,
		ProxyCountry: px.Country,
	})
	if err != nil {
		l.Warn().Err(err).Str("device_id", dev.ID).Msg("Ledger assignment failed.")
	}

	c.recheckAsync(dev.ID, px.ID)
	return nil
}

func (c *Coordinator) recheckAsync(deviceID, proxyID string) {
	h, _ := c.health.Load().(HealthChecker)
	if h == nil {
		return
	}
	c.async.Add(1)
	go func() {
		defer c.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncCheckTimeout)
		defer cancel()
		if err := h.Recheck(ctx, deviceID, proxyID); err != nil {
			logger.WithComponent("Failover").Warn().Err(err).
				Str("device_id", deviceID).
				Str("proxy_id", proxyID).
				Msg("Post-failover health check failed.")
		}
	}()
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) finish(rec *model.FailoverRecord) {
	result := "failed"
	if rec.Success {
		result = "succeeded"
	}
	metrics.FailoversTotal.WithLabelValues(result).Inc()
	metrics.FailoverRetries.Observe(float64(rec.RetryCount))
	if !rec.Success {
		logger.WithComponent("Failover").Warn().
			Str("device_id", rec.DeviceID).
			Str("old_proxy_id", rec.OldProxyID).
			Str("error", rec.Error).
			Msg("Failover failed.")
	}

	c.historyMu.Lock()
	c.history = append(c.history, rec)
	c.historyMu.Unlock()
	c.trimHistory(c.cfg.Load().MaxHistory)
}

func (c *Coordinator) trimHistory(limit int) {
	if limit <= 0 {
		return
	}
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if over := len(c.history) - limit; over > 0 {
		c.history = append([]*model.FailoverRecord(nil), c.history[over:]...)
	}
}

// Batch fails over every device bound to proxyID in parallel.
func (c *Coordinator) Batch(ctx context.Context, proxyID, reason string) (*BatchResult, error) {
	l := logger.WithComponent("Failover")
	cfg := c.cfg.Load()

	c.deps.Pool.AddToBlacklist(proxyID, cfg.BlacklistDuration())

	devices, err := c.deps.Registry.ListByProxy(ctx, proxyID)
	if err != nil {
		return nil, fmt.Errorf("list devices on %s: %w", proxyID, err)
	}
	l.Info().Str("proxy_id", proxyID).Int("devices", len(devices)).Msg("Starting batch failover.")

	records := make([]*model.FailoverRecord, len(devices))
	g := new(errgroup.Group)
	if cfg.Concurrency > 0 {
		g.SetLimit(cfg.Concurrency)
	}
	for i, dev := range devices {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					rec := &model.FailoverRecord{
						ID:         uuid.NewString(),
						DeviceID:   dev.ID,
						DeviceName: dev.Name,
						OldProxyID: proxyID,
						Reason:     reason,
						Timestamp:  c.clock.Now(),
						Error:      fmt.Sprintf("panic: %v", r),
					}
					c.finish(rec)
					records[i] = rec
				}
			}()
			records[i] = c.run(ctx, dev.ID, proxyID, reason)
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{ProxyID: proxyID, Total: len(records), Records: records}
	for _, r := range records {
		switch {
		case r.Skipped:
			res.Skipped++
		case r.Success:
			res.Succeeded++
		default:
			res.Failed++
		}
	}
	l.Info().
		Str("proxy_id", proxyID).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("Batch failover finished.")
	return res, nil
}

// RecordDeviceFailure bumps and returns the device's consecutive failure count.
func (c *Coordinator) RecordDeviceFailure(deviceID string) int {
	c.failuresMu.Lock()
	defer c.failuresMu.Unlock()
	c.failures[deviceID]++
	return c.failures[deviceID]
}

func (c *Coordinator) ResetDeviceFailureCount(deviceID string) {
	c.failuresMu.Lock()
	defer c.failuresMu.Unlock()
	delete(c.failures, deviceID)
}

func (c *Coordinator) DeviceFailureCount(deviceID string) int {
	c.failuresMu.Lock()
	defer c.failuresMu.Unlock()
	return c.failures[deviceID]
}

// History returns up to limit records, newest first. limit <= 0 returns all.
func (c *Coordinator) History(limit int) []model.FailoverRecord {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	n := len(c.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.FailoverRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *c.history[i])
	}
	return out
}

func (c *Coordinator) Statistics() Statistics {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()

	st := Statistics{Total: len(c.history), TopFailedProxies: []ProxyFailures{}}
	if st.Total == 0 {
		return st
	}
	hourAgo := c.clock.Now().Add(-time.Hour)
	retries := 0
	byProxy := make(map[string]int)
	for _, r := range c.history {
		if r.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		retries += r.RetryCount
		if r.Timestamp.After(hourAgo) {
			st.LastHour++
		}
		if r.OldProxyID != "" {
			byProxy[r.OldProxyID]++
		}
	}
	st.SuccessRate = float64(st.Successful) * 100 / float64(st.Total)
	st.AverageRetries = float64(retries) / float64(st.Total)

	for id, n := range byProxy {
		st.TopFailedProxies = append(st.TopFailedProxies, ProxyFailures{ProxyID: id, Count: n})
	}
	sort.Slice(st.TopFailedProxies, func(i, j int) bool {
		a, b := st.TopFailedProxies[i], st.TopFailedProxies[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ProxyID < b.ProxyID
	})
	if len(st.TopFailedProxies) > topFailedProxies {
		st.TopFailedProxies = st.TopFailedProxies[:topFailedProxies]
	}
	return st
}

// Wait blocks until pending post-failover health checks have finished.
func (c *Coordinator) Wait() {
	c.async.Wait()
}

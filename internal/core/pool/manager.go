// Package pool maintains the scored, country-grouped snapshot of upstream
// proxies together with the blacklist and per-proxy connection counters.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/metrics"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
	"liuproxy_broker/internal/shared/settings"
)

// CountryStats is the per-country part of Statistics.
type CountryStats struct {
	Total        int     `json:"total"`
	Available    int     `json:"available"`
	AverageScore float64 `json:"average_score"`
}

// Statistics summarizes the current snapshot.
type Statistics struct {
	Countries          int                     `json:"countries"`
	TotalProxies       int                     `json:"total_proxies"`
	AvailableProxies   int                     `json:"available_proxies"`
	BlacklistedProxies int                     `json:"blacklisted_proxies"`
	AverageScore       float64                 `json:"average_score"`
	ByCountry          map[string]CountryStats `json:"by_country"`
	LastRefresh        time.Time               `json:"last_refresh"`
}

// Manager 是代理池的总控制器。
// 快照 (pools) 在每次刷新时整体替换, 读取方拿到的总是副本。
type Manager struct {
	provider provider.Provider
	ledger   ledger.Ledger
	clock    clockwork.Clock
	cfg      atomic.Pointer[settings.PoolSettings]

	mu          sync.RWMutex
	pools       map[string][]model.ProxyScore // country -> score desc
	index       map[string]string             // proxy id -> country
	blacklist   map[string]time.Time          // proxy id -> unblock time
	connections map[string]int
	lastRefresh time.Time

	refreshMu sync.Mutex // one refresh at a time

	// 调度器与生命周期管理
	resetChan chan time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a manager with an empty snapshot. A nil clock uses the real clock.
func NewManager(p provider.Provider, l ledger.Ledger, cfg *settings.PoolSettings, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		provider:    p,
		ledger:      l,
		clock:       clock,
		pools:       make(map[string][]model.ProxyScore),
		index:       make(map[string]string),
		blacklist:   make(map[string]time.Time),
		connections: make(map[string]int),
		resetChan:   make(chan time.Duration, 1),
		stopChan:    make(chan struct{}),
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) config() *settings.PoolSettings {
	return m.cfg.Load()
}

// OnSettingsUpdate implements settings.ConfigurableModule.
func (m *Manager) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModulePool {
		return nil
	}
	cfg, ok := newSettings.(*settings.PoolSettings)
	if !ok {
		return fmt.Errorf("pool: received incorrect settings type for pool module")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	old := m.cfg.Swap(cfg)
	if old == nil || old.RefreshInterval() != cfg.RefreshInterval() {
		select {
		case m.resetChan <- cfg.RefreshInterval():
		default:
		}
	}
	return nil
}

// Start performs the initial refresh and launches the refresh loop.
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("Pool/Manager")
	interval := m.config().RefreshInterval()
	if interval <= 0 {
		interval = settings.Defaults().Pool.RefreshInterval()
		l.Warn().Dur("refresh_interval", interval).Msg("Non-positive refresh interval, using default.")
	}
	l.Info().Dur("refresh_interval", interval).Msg("Pool manager starting...")

	m.safeRefresh(ctx)

	m.wg.Add(1)
	go m.schedulerLoop(ctx, interval)
}

func (m *Manager) schedulerLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	l := logger.WithComponent("Pool/Manager")

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.Debug().Msg("Refresh ticker triggered.")
			m.safeRefresh(ctx)

		case d := <-m.resetChan:
			if d <= 0 {
				continue
			}
			l.Info().Dur("refresh_interval", d).Msg("Refresh interval changed.")
			ticker.Reset(d)

		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down refresh loop.")
			return

		case <-ctx.Done():
			return
		}
	}
}

// safeRefresh runs one refresh cycle inside its own error boundary.
func (m *Manager) safeRefresh(ctx context.Context) {
	l := logger.WithComponent("Pool/Manager")
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Pool refresh panicked.")
		}
	}()
	if err := m.Refresh(ctx); err != nil {
		l.Warn().Err(err).Msg("Pool refresh failed, keeping previous snapshot.")
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	logger.Info().Msg("Pool manager gracefully stopped.")
}

// Refresh rebuilds the snapshot from the provider and the ledger.
// On error the previous snapshot is left untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	start := time.Now()
	cfg := m.config()

	proxies, err := m.provider.ListProxies(ctx, true)
	if err != nil {
		metrics.PoolRefreshTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("list proxies: %w", err)
	}
	stats, err := m.ledger.RecentStatsByProxy(ctx, cfg.StatsWindow())
	if err != nil {
		metrics.PoolRefreshTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("load usage stats: %w", err)
	}

	m.mu.Lock()
	now := m.clock.Now()
	m.pruneExpiredLocked(now, cfg.Weights)

	pools := make(map[string][]model.ProxyScore)
	index := make(map[string]string, len(proxies))
	for i := range proxies {
		s := m.scoreLocked(&proxies[i], stats, cfg.Weights)
		pools[s.Country] = append(pools[s.Country], s)
		index[s.ProxyID] = s.Country
	}
	for _, group := range pools {
		sortGroup(group)
	}

	m.pools = pools
	m.index = index
	m.lastRefresh = now
	stat := m.statisticsLocked()
	m.mu.Unlock()

	publish(stat)
	metrics.PoolRefreshTotal.WithLabelValues("ok").Inc()
	metrics.PoolRefreshDuration.Observe(time.Since(start).Seconds())

	logger.WithComponent("Pool/Manager").Debug().
		Int("proxies", stat.TotalProxies).
		Int("available", stat.AvailableProxies).
		Int("countries", stat.Countries).
		Msg("Pool snapshot refreshed.")
	return nil
}

// scoreLocked must be called with m.mu held.
func (m *Manager) scoreLocked(p *model.Proxy, stats map[string]model.ProxyStats, w model.ScoreWeights) model.ProxyScore {
	country := strings.ToUpper(strings.TrimSpace(p.Country))
	if country == "" {
		country = model.UnknownCountry
	}
	s := model.ProxyScore{
		ProxyID:           p.ID,
		Host:              p.Host,
		Port:              p.Port,
		Protocol:          p.Protocol,
		Country:           country,
		LatencyMs:         p.LatencyMs,
		SuccessRate:       100,
		Health:            model.HealthHealthy,
		ActiveConnections: m.connections[p.ID],
		LastUsed:          p.LastUsed,
	}
	if st, ok := stats[p.ID]; ok {
		if st.AvgLatencyMs > 0 {
			s.LatencyMs = st.AvgLatencyMs
		}
		s.SuccessRate = st.SuccessRate
		if st.HealthStatus != "" {
			s.Health = st.HealthStatus
		}
		if st.LastUsedAt.After(s.LastUsed) {
			s.LastUsed = st.LastUsedAt
		}
	}
	_, s.Blacklisted = m.blacklist[p.ID]
	s.Score = computeScore(&s, w)
	return s
}

func sortGroup(group []model.ProxyScore) {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Score != group[j].Score {
			return group[i].Score > group[j].Score
		}
		return group[i].ProxyID < group[j].ProxyID
	})
}

func newGroup(country string, proxies []model.ProxyScore) model.PoolGroup {
	g := model.PoolGroup{
		Country: country,
		Proxies: append([]model.ProxyScore(nil), proxies...),
		Total:   len(proxies),
	}
	for _, p := range proxies {
		if p.Available() {
			g.Available++
		}
	}
	return g
}

// pruneExpired lifts bans that ran out and rescores their cached entries.
func (m *Manager) pruneExpired() {
	now := m.clock.Now()
	m.mu.RLock()
	expired := false
	for _, until := range m.blacklist {
		if !now.Before(until) {
			expired = true
			break
		}
	}
	m.mu.RUnlock()
	if !expired {
		return
	}

	w := m.config().Weights
	m.mu.Lock()
	m.pruneExpiredLocked(now, w)
	count := len(m.blacklist)
	m.mu.Unlock()
	metrics.PoolBlacklisted.Set(float64(count))
}

// pruneExpiredLocked must be called with m.mu held for writing.
func (m *Manager) pruneExpiredLocked(now time.Time, w model.ScoreWeights) {
	for id, until := range m.blacklist {
		if now.Before(until) {
			continue
		}
		delete(m.blacklist, id)
		if p := m.findLocked(id); p != nil {
			p.Blacklisted = false
			p.Score = computeScore(p, w)
			sortGroup(m.pools[p.Country])
		}
	}
}

// PoolByCountry returns a copy of one country's pool.
func (m *Manager) PoolByCountry(country string) (model.PoolGroup, bool) {
	country = strings.ToUpper(strings.TrimSpace(country))
	m.pruneExpired()
	m.mu.RLock()
	defer m.mu.RUnlock()
	proxies, ok := m.pools[country]
	if !ok {
		return model.PoolGroup{}, false
	}
	return newGroup(country, proxies), true
}

// AllPools returns copies of every pool, ordered by country code.
func (m *Manager) AllPools() []model.PoolGroup {
	m.pruneExpired()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PoolGroup, 0, len(m.pools))
	for country, proxies := range m.pools {
		out = append(out, newGroup(country, proxies))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out
}

// Score returns the cached score entry of a proxy.
func (m *Manager) Score(proxyID string) (model.ProxyScore, bool) {
	m.pruneExpired()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := m.findLocked(proxyID); p != nil {
		return *p, true
	}
	return model.ProxyScore{}, false
}

// findLocked returns a pointer into the live snapshot. Callers hold m.mu.
func (m *Manager) findLocked(proxyID string) *model.ProxyScore {
	country, ok := m.index[proxyID]
	if !ok {
		return nil
	}
	group := m.pools[country]
	for i := range group {
		if group[i].ProxyID == proxyID {
			return &group[i]
		}
	}
	return nil
}

// IsBlacklisted reports whether the proxy is banned right now. Expired entries
// are dropped on lookup.
func (m *Manager) IsBlacklisted(proxyID string) bool {
	m.mu.RLock()
	until, ok := m.blacklist[proxyID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if m.clock.Now().Before(until) {
		return true
	}
	m.pruneExpired()
	return false
}

// AddToBlacklist bans a proxy for d (the configured default when d <= 0) and
// zeroes its cached score immediately.
func (m *Manager) AddToBlacklist(proxyID string, d time.Duration) {
	if d <= 0 {
		d = m.config().BlacklistDuration()
	}
	m.mu.Lock()
	until := m.clock.Now().Add(d)
	m.blacklist[proxyID] = until
	if p := m.findLocked(proxyID); p != nil {
		p.Blacklisted = true
		p.Score = 0
		sortGroup(m.pools[p.Country])
	}
	count := len(m.blacklist)
	m.mu.Unlock()

	metrics.PoolBlacklisted.Set(float64(count))
	logger.WithComponent("Pool/Manager").Info().
		Str("proxy_id", proxyID).
		Dur("duration", d).
		Msg("Proxy blacklisted.")
}

// RemoveFromBlacklist lifts a ban and refreshes the snapshot so the proxy is rescored.
func (m *Manager) RemoveFromBlacklist(ctx context.Context, proxyID string) error {
	m.mu.Lock()
	delete(m.blacklist, proxyID)
	count := len(m.blacklist)
	m.mu.Unlock()

	metrics.PoolBlacklisted.Set(float64(count))
	logger.WithComponent("Pool/Manager").Info().Str("proxy_id", proxyID).Msg("Proxy removed from blacklist.")
	return m.Refresh(ctx)
}

// IncrementConnections bumps the active connection count and rescores the cached entry.
func (m *Manager) IncrementConnections(proxyID string) {
	m.adjustConnections(proxyID, 1)
}

// DecrementConnections lowers the active connection count, never below zero.
func (m *Manager) DecrementConnections(proxyID string) {
	m.adjustConnections(proxyID, -1)
}

func (m *Manager) adjustConnections(proxyID string, delta int) {
	w := m.config().Weights

	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.connections[proxyID] + delta
	if n <= 0 {
		delete(m.connections, proxyID)
		n = 0
	} else {
		m.connections[proxyID] = n
	}
	if p := m.findLocked(proxyID); p != nil {
		p.ActiveConnections = n
		p.Score = computeScore(p, w)
		sortGroup(m.pools[p.Country])
	}
}

// Connections returns the active connection count of a proxy.
func (m *Manager) Connections(proxyID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[proxyID]
}

func (m *Manager) Statistics() Statistics {
	m.pruneExpired()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statisticsLocked()
}

func (m *Manager) statisticsLocked() Statistics {
	st := Statistics{
		Countries:   len(m.pools),
		ByCountry:   make(map[string]CountryStats, len(m.pools)),
		LastRefresh: m.lastRefresh,
	}
	now := m.clock.Now()
	for _, until := range m.blacklist {
		if now.Before(until) {
			st.BlacklistedProxies++
		}
	}

	var scoreSum int
	for country, proxies := range m.pools {
		cs := CountryStats{Total: len(proxies)}
		var groupSum int
		for _, p := range proxies {
			groupSum += p.Score
			if p.Available() {
				cs.Available++
			}
		}
		if cs.Total > 0 {
			cs.AverageScore = float64(groupSum) / float64(cs.Total)
		}
		st.ByCountry[country] = cs
		st.TotalProxies += cs.Total
		st.AvailableProxies += cs.Available
		scoreSum += groupSum
	}
	if st.TotalProxies > 0 {
		st.AverageScore = float64(scoreSum) / float64(st.TotalProxies)
	}
	return st
}

func publish(st Statistics) {
	metrics.PoolProxies.Reset()
	for country, cs := range st.ByCountry {
		metrics.PoolProxies.WithLabelValues(country, "total").Set(float64(cs.Total))
		metrics.PoolProxies.WithLabelValues(country, "available").Set(float64(cs.Available))
	}
	metrics.PoolBlacklisted.Set(float64(st.BlacklistedProxies))
	metrics.PoolAverageScore.Set(st.AverageScore)
}

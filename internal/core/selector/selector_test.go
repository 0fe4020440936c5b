package selector

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_broker/internal/core/pool"
	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider/providertest"
	"liuproxy_broker/internal/shared/settings"
)

// fakePool is a hand-built snapshot. It mirrors the manager's read API only.
type fakePool struct {
	groups      map[string][]model.ProxyScore
	blacklisted map[string]bool
	conns       map[string]int
	stats       pool.Statistics
}

func newFakePool(proxies ...model.ProxyScore) *fakePool {
	fp := &fakePool{
		groups:      make(map[string][]model.ProxyScore),
		blacklisted: make(map[string]bool),
		conns:       make(map[string]int),
	}
	for _, p := range proxies {
		fp.groups[p.Country] = append(fp.groups[p.Country], p)
	}
	return fp
}

func (f *fakePool) PoolByCountry(country string) (model.PoolGroup, bool) {
	g, ok := f.groups[country]
	if !ok {
		return model.PoolGroup{}, false
	}
	return model.PoolGroup{Country: country, Proxies: g, Total: len(g)}, true
}

func (f *fakePool) AllPools() []model.PoolGroup {
	out := make([]model.PoolGroup, 0, len(f.groups))
	for c := range f.groups {
		g, _ := f.PoolByCountry(c)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out
}

func (f *fakePool) IsBlacklisted(id string) bool   { return f.blacklisted[id] }
func (f *fakePool) IncrementConnections(id string) { f.conns[id]++ }
func (f *fakePool) DecrementConnections(id string) { f.conns[id]-- }
func (f *fakePool) Statistics() pool.Statistics    { return f.stats }

// fixedRand always returns the same draw.
type fixedRand struct {
	f float64
	i int
}

func (r fixedRand) Float64() float64 { return r.f }
func (r fixedRand) IntN(n int) int   { return r.i % n }

func ps(id, country string, score int) model.ProxyScore {
	return model.ProxyScore{ProxyID: id, Country: country, Score: score, Health: model.HealthHealthy, SuccessRate: 100}
}

func defaultSettings() *settings.SelectorSettings {
	return settings.Defaults().Selector
}

func TestStrategyFromString(t *testing.T) {
	for _, st := range Strategies {
		got, err := StrategyFromString(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	got, err := StrategyFromString(" Least_Connections ")
	require.NoError(t, err)
	assert.Equal(t, LeastConnections, got)

	_, err = StrategyFromString("fastest")
	assert.Error(t, err)
}

func TestApplyStrategy(t *testing.T) {
	candidates := []model.ProxyScore{
		{ProxyID: "a", Score: 60, LatencyMs: 300, SuccessRate: 99, ActiveConnections: 2},
		{ProxyID: "b", Score: 90, LatencyMs: 500, SuccessRate: 80, ActiveConnections: 1},
		{ProxyID: "c", Score: 70, LatencyMs: 100, SuccessRate: 90, ActiveConnections: 1},
	}
	rnd := fixedRand{f: 0.99, i: 2}

	tests := []struct {
		strategy Strategy
		want     string
	}{
		{LeastConnections, "b"}, // tie with c, first encountered wins
		{LatencyFirst, "c"},
		{SuccessRateFirst, "a"},
		{HighestScore, "b"},
		{Random, "c"},
		{WeightedRoundRobin, "c"}, // draw 0.99*220 lands in the last bucket
		{"", "b"},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			got := applyStrategy(tt.strategy, candidates, rnd)
			assert.Equal(t, tt.want, got.ProxyID)
		})
	}
}

func TestWeightedRoundRobin_ZeroTotalFallsBackToRandom(t *testing.T) {
	candidates := []model.ProxyScore{{ProxyID: "a"}, {ProxyID: "b"}}
	got := applyStrategy(WeightedRoundRobin, candidates, fixedRand{i: 1})
	assert.Equal(t, "b", got.ProxyID)
}

func TestWeightedRoundRobin_Distribution(t *testing.T) {
	candidates := []model.ProxyScore{ps("low", "US", 10), ps("high", "US", 90)}
	rnd := rand.New(rand.NewPCG(42, 1024))

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		counts[applyStrategy(WeightedRoundRobin, candidates, rnd).ProxyID]++
	}
	require.Greater(t, counts["low"], 0)
	ratio := float64(counts["high"]) / float64(counts["low"])
	assert.InDelta(t, 9.0, ratio, 1.5, "high=%d low=%d", counts["high"], counts["low"])
}

func TestSelect_FiltersAndCounts(t *testing.T) {
	fp := newFakePool(
		ps("us-1", "US", 95),
		ps("us-2", "US", 80),
		ps("us-3", "US", 40),
		ps("us-4", "US", 99),
	)
	fp.blacklisted["us-4"] = true
	s := New(fp, defaultSettings(), nil)

	sel, err := s.Select(Request{PreferredCountry: "us", ExcludeProxyIDs: []string{"us-1"}, MinScore: 50})
	require.NoError(t, err)
	assert.Equal(t, "us-2", sel.Proxy.ProxyID)
	assert.Equal(t, HighestScore, sel.Strategy)
	assert.Equal(t, 1, fp.conns["us-2"])

	s.ReleaseProxy("us-2")
	assert.Equal(t, 0, fp.conns["us-2"])
}

func TestSelect_NeverReturnsFilteredProxies(t *testing.T) {
	fp := newFakePool(
		ps("a", "US", 10),
		ps("b", "US", 60),
		ps("c", "DE", 70),
		ps("d", "DE", 90),
		ps("e", "JP", 100),
	)
	blocked := model.ProxyScore{ProxyID: "f", Country: "JP", Score: 0, Blacklisted: true}
	fp.groups["JP"] = append(fp.groups["JP"], blocked)
	fp.blacklisted["e"] = true
	s := New(fp, defaultSettings(), rand.New(rand.NewPCG(7, 7)))

	for _, st := range Strategies {
		for i := 0; i < 200; i++ {
			sel, err := s.Select(Request{Strategy: st, ExcludeProxyIDs: []string{"d"}, MinScore: 50})
			require.NoError(t, err)
			id := sel.Proxy.ProxyID
			assert.NotContains(t, []string{"a", "d", "e", "f"}, id, "strategy %s", st)
		}
	}
}

func TestSelect_CountryFallbackReportsAlternatives(t *testing.T) {
	fp := newFakePool(
		ps("us-1", "US", 20),
		ps("de-1", "DE", 70),
		ps("jp-1", "JP", 90),
		ps("fr-1", "FR", 60),
		ps("nl-1", "NL", 55),
		ps("gb-1", "GB", 65),
		ps("it-1", "IT", 51),
	)
	s := New(fp, defaultSettings(), nil)

	_, err := s.Select(Request{PreferredCountry: "US", MinScore: 50})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProxyAvailable))

	var selErr *SelectionError
	require.True(t, errors.As(err, &selErr))
	assert.Equal(t, []string{"JP", "DE", "GB", "FR", "NL"}, selErr.AlternativeCountries)
	assert.Empty(t, fp.conns, "no connection is counted on failure")
}

func TestSelect_UnknownCountryWithAlternatives(t *testing.T) {
	fp := newFakePool(ps("de-1", "DE", 70))
	s := New(fp, defaultSettings(), nil)

	_, err := s.Select(Request{PreferredCountry: "BR"})
	var selErr *SelectionError
	require.True(t, errors.As(err, &selErr))
	assert.Equal(t, []string{"DE"}, selErr.AlternativeCountries)
}

func TestSelect_GenericFailure(t *testing.T) {
	fp := newFakePool(ps("us-1", "US", 20))
	s := New(fp, defaultSettings(), nil)

	_, err := s.Select(Request{PreferredCountry: "US", MinScore: 50})
	var selErr *SelectionError
	require.True(t, errors.As(err, &selErr))
	assert.Empty(t, selErr.AlternativeCountries)

	_, err = s.Select(Request{MinScore: 50})
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestSelect_DefaultStrategyFromSettings(t *testing.T) {
	fp := newFakePool(ps("a", "US", 90), ps("b", "US", 50))
	fp.groups["US"][0].ActiveConnections = 3
	cfg := &settings.SelectorSettings{DefaultStrategy: string(LeastConnections)}
	s := New(fp, cfg, nil)

	sel, err := s.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Proxy.ProxyID)
	assert.Equal(t, LeastConnections, sel.Strategy)

	require.NoError(t, s.OnSettingsUpdate(settings.ModuleSelector, &settings.SelectorSettings{DefaultStrategy: "highest_score", MinScore: 60}))
	sel, err = s.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Proxy.ProxyID)

	assert.Error(t, s.OnSettingsUpdate(settings.ModuleSelector, &settings.SelectorSettings{DefaultStrategy: "bogus"}))
	assert.Error(t, s.OnSettingsUpdate(settings.ModuleSelector, &settings.PoolSettings{}))
}

func TestSelectBatch_Distinct(t *testing.T) {
	fp := newFakePool(ps("a", "US", 90), ps("b", "US", 80), ps("c", "DE", 70))
	s := New(fp, defaultSettings(), rand.New(rand.NewPCG(1, 2)))

	sels, err := s.SelectBatch(5, Request{Strategy: Random})
	require.NoError(t, err)
	require.Len(t, sels, 3)

	seen := map[string]bool{}
	for _, sel := range sels {
		assert.False(t, seen[sel.Proxy.ProxyID], "duplicate %s", sel.Proxy.ProxyID)
		seen[sel.Proxy.ProxyID] = true
	}

	sels, err = s.SelectBatch(2, Request{PreferredCountry: "US", ExcludeProxyIDs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, sels, 1)
	assert.Equal(t, "b", sels[0].Proxy.ProxyID)

	_, err = s.SelectBatch(1, Request{MinScore: 95})
	assert.ErrorIs(t, err, ErrNoProxyAvailable)

	sels, err = s.SelectBatch(0, Request{})
	assert.NoError(t, err)
	assert.Empty(t, sels)
}

func TestRecommendedStrategy(t *testing.T) {
	fp := newFakePool()
	s := New(fp, defaultSettings(), nil)

	fp.stats = pool.Statistics{AverageScore: 85, AvailableProxies: 3}
	assert.Equal(t, Random, s.RecommendedStrategy())

	fp.stats = pool.Statistics{AverageScore: 60, AvailableProxies: 3}
	assert.Equal(t, LeastConnections, s.RecommendedStrategy())

	fp.stats = pool.Statistics{AverageScore: 60, AvailableProxies: 50}
	assert.Equal(t, HighestScore, s.RecommendedStrategy())
}

func TestSelect_ExpiredBlacklistIsSelectableBeforeRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fp := providertest.New(
		model.Proxy{ID: "fast", Host: "10.0.0.1", Port: 8080, Country: "US", LatencyMs: 50},
		model.Proxy{ID: "slow", Host: "10.0.0.2", Port: 8080, Country: "US", LatencyMs: 800},
	)
	pm := pool.NewManager(fp, ledger.NewMemoryLedger(clock), settings.Defaults().Pool, clock)
	require.NoError(t, pm.Refresh(context.Background()))
	s := New(pm, defaultSettings(), nil)

	pm.AddToBlacklist("fast", time.Minute)
	sel, err := s.Select(Request{PreferredCountry: "US"})
	require.NoError(t, err)
	assert.Equal(t, "slow", sel.Proxy.ProxyID)
	s.ReleaseProxy("slow")

	clock.Advance(time.Minute)
	sel, err = s.Select(Request{PreferredCountry: "US"})
	require.NoError(t, err)
	assert.Equal(t, "fast", sel.Proxy.ProxyID)
}

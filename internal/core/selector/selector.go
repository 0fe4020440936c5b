// Package selector picks proxies out of the pool snapshot.
package selector

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"liuproxy_broker/internal/core/pool"
	"liuproxy_broker/internal/metrics"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/shared/logger"
	"liuproxy_broker/internal/shared/settings"
)

const maxAlternativeCountries = 5

// ErrNoProxyAvailable is wrapped by every SelectionError.
var ErrNoProxyAvailable = errors.New("no proxy available")

// SelectionError describes why nothing could be selected. AlternativeCountries
// is set when the preferred country was empty but others were not.
type SelectionError struct {
	Reason               string
	AlternativeCountries []string
}

func (e *SelectionError) Error() string {
	if len(e.AlternativeCountries) > 0 {
		return fmt.Sprintf("%s (alternatives: %s)", e.Reason, strings.Join(e.AlternativeCountries, ", "))
	}
	return e.Reason
}

func (e *SelectionError) Unwrap() error { return ErrNoProxyAvailable }

// Pool is the part of the pool manager the selector needs.
type Pool interface {
	PoolByCountry(country string) (model.PoolGroup, bool)
	AllPools() []model.PoolGroup
	IsBlacklisted(proxyID string) bool
	IncrementConnections(proxyID string)
	DecrementConnections(proxyID string)
	Statistics() pool.Statistics
}

// Request carries the selection constraints. Zero values mean "use the default".
type Request struct {
	PreferredCountry string
	Strategy         Strategy
	ExcludeProxyIDs  []string
	MinScore         int
}

// Selection is a successful pick.
type Selection struct {
	Proxy    model.ProxyScore
	Strategy Strategy
}

type Selector struct {
	pool Pool
	cfg  atomic.Pointer[settings.SelectorSettings]

	randMu sync.Mutex
	rnd    Rand
}

// New creates a selector. A nil rnd uses math/rand/v2's global source.
func New(p Pool, cfg *settings.SelectorSettings, rnd Rand) *Selector {
	if rnd == nil {
		rnd = globalRand{}
	}
	s := &Selector{pool: p, rnd: rnd}
	s.cfg.Store(cfg)
	return s
}

// OnSettingsUpdate implements settings.ConfigurableModule.
func (s *Selector) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleSelector {
		return nil
	}
	cfg, ok := newSettings.(*settings.SelectorSettings)
	if !ok {
		return fmt.Errorf("selector: received incorrect settings type for selector module")
	}
	if _, err := StrategyFromString(cfg.DefaultStrategy); err != nil {
		return fmt.Errorf("selector: %w", err)
	}
	s.cfg.Store(cfg)
	return nil
}

func (s *Selector) defaults(req Request) (Strategy, int) {
	cfg := s.cfg.Load()
	strategy := req.Strategy
	if strategy == "" {
		strategy = HighestScore
		if st, err := StrategyFromString(cfg.DefaultStrategy); err == nil {
			strategy = st
		}
	}
	minScore := req.MinScore
	if minScore <= 0 {
		minScore = cfg.MinScore
	}
	return strategy, minScore
}

// Select picks one proxy and counts a connection against it.
func (s *Selector) Select(req Request) (*Selection, error) {
	l := logger.WithComponent("Selector")
	strategy, minScore := s.defaults(req)

	exclude := make(map[string]struct{}, len(req.ExcludeProxyIDs))
	for _, id := range req.ExcludeProxyIDs {
		exclude[id] = struct{}{}
	}
	country := strings.ToUpper(strings.TrimSpace(req.PreferredCountry))

	var candidates []model.ProxyScore
	if country != "" {
		if g, ok := s.pool.PoolByCountry(country); ok {
			candidates = s.filter(g.Proxies, exclude, minScore)
		}
	} else {
		candidates = s.filter(flatten(s.pool.AllPools()), exclude, minScore)
	}

	if len(candidates) == 0 {
		metrics.SelectionsTotal.WithLabelValues(string(strategy), "failed").Inc()
		if country != "" {
			others := s.filter(flatten(s.pool.AllPools()), exclude, minScore)
			if len(others) > 0 {
				err := &SelectionError{
					Reason:               fmt.Sprintf("no proxy available in country %s", country),
					AlternativeCountries: alternativeCountries(others, country),
				}
				l.Debug().Str("country", country).Strs("alternatives", err.AlternativeCountries).Msg("Preferred country exhausted.")
				return nil, err
			}
		}
		return nil, &SelectionError{Reason: "no proxy available matching the selection criteria"}
	}

	s.randMu.Lock()
	chosen := applyStrategy(strategy, candidates, s.rnd)
	s.randMu.Unlock()

	s.pool.IncrementConnections(chosen.ProxyID)
	metrics.SelectionsTotal.WithLabelValues(string(strategy), "ok").Inc()

	l.Debug().
		Str("proxy_id", chosen.ProxyID).
		Str("strategy", string(strategy)).
		Int("score", chosen.Score).
		Int("candidates", len(candidates)).
		Msg("Proxy selected.")
	return &Selection{Proxy: chosen, Strategy: strategy}, nil
}

func (s *Selector) filter(proxies []model.ProxyScore, exclude map[string]struct{}, minScore int) []model.ProxyScore {
	out := make([]model.ProxyScore, 0, len(proxies))
	for _, p := range proxies {
		if _, skip := exclude[p.ProxyID]; skip {
			continue
		}
		if p.Blacklisted || s.pool.IsBlacklisted(p.ProxyID) {
			continue
		}
		if p.Score < minScore {
			continue
		}
		out = append(out, p)
	}
	return out
}

func flatten(groups []model.PoolGroup) []model.ProxyScore {
	n := 0
	for _, g := range groups {
		n += len(g.Proxies)
	}
	out := make([]model.ProxyScore, 0, n)
	for _, g := range groups {
		out = append(out, g.Proxies...)
	}
	return out
}

// alternativeCountries lists distinct countries of the candidates, best score first.
func alternativeCountries(candidates []model.ProxyScore, skip string) []string {
	best := make(map[string]int)
	order := make([]string, 0)
	for _, c := range candidates {
		if c.Country == skip {
			continue
		}
		if score, ok := best[c.Country]; !ok {
			best[c.Country] = c.Score
			order = append(order, c.Country)
		} else if c.Score > score {
			best[c.Country] = c.Score
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return best[order[i]] > best[order[j]] })
	if len(order) > maxAlternativeCountries {
		order = order[:maxAlternativeCountries]
	}
	return order
}

// ReleaseProxy gives back a connection taken by Select.
func (s *Selector) ReleaseProxy(proxyID string) {
	s.pool.DecrementConnections(proxyID)
}

// SelectBatch selects up to n distinct proxies. It stops at the first failure
// and only returns an error when nothing could be selected.
func (s *Selector) SelectBatch(n int, req Request) ([]Selection, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Selection, 0, n)
	exclude := append([]string(nil), req.ExcludeProxyIDs...)
	var lastErr error
	for i := 0; i < n; i++ {
		r := req
		r.ExcludeProxyIDs = exclude
		sel, err := s.Select(r)
		if err != nil {
			lastErr = err
			break
		}
		out = append(out, *sel)
		exclude = append(exclude, sel.Proxy.ProxyID)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// RecommendedStrategy suggests a strategy from the pool's current shape.
func (s *Selector) RecommendedStrategy() Strategy {
	st := s.pool.Statistics()
	switch {
	case st.AverageScore > 80:
		return Random
	case st.AvailableProxies < 10:
		return LeastConnections
	default:
		return HighestScore
	}
}

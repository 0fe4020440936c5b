// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
)

// Fake is a scriptable provider. The zero value is not usable; use New.
type Fake struct {
	mu          sync.Mutex
	proxies     map[string]model.Proxy
	unavailable map[string]bool
	health      map[string]provider.HealthResult
	healthErr   map[string]error
	releaseErr  map[string]error
	assignErr   map[string]error
	listErr     error

	assigned []string
	released []string
	checked  []string
}

var _ provider.Provider = (*Fake)(nil)

func New(proxies ...model.Proxy) *Fake {
	f := &Fake{
		proxies:     make(map[string]model.Proxy),
		unavailable: make(map[string]bool),
		health:      make(map[string]provider.HealthResult),
		healthErr:   make(map[string]error),
		releaseErr:  make(map[string]error),
		assignErr:   make(map[string]error),
	}
	for _, p := range proxies {
		f.proxies[p.ID] = p
	}
	return f
}

// Put adds or replaces a proxy.
func (f *Fake) Put(p model.Proxy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies[p.ID] = p
}

// SetUnavailable hides a proxy from availableOnly listings.
func (f *Fake) SetUnavailable(id string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable[id] = v
}

func (f *Fake) SetHealth(id string, r provider.HealthResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[id] = r
	delete(f.healthErr, id)
}

func (f *Fake) SetHealthError(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr[id] = err
}

func (f *Fake) SetReleaseError(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseErr[id] = err
}

func (f *Fake) SetAssignError(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignErr[id] = err
}

func (f *Fake) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *Fake) ListProxies(_ context.Context, availableOnly bool) ([]model.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Proxy, 0, len(f.proxies))
	for id, p := range f.proxies {
		if availableOnly && f.unavailable[id] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) AssignProxy(_ context.Context, req provider.AssignRequest) (*model.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.assignErr[req.ProxyID]; err != nil {
		return nil, err
	}
	p, ok := f.proxies[req.ProxyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrProxyNotFound, req.ProxyID)
	}
	f.assigned = append(f.assigned, req.ProxyID)
	return &p, nil
}

func (f *Fake) ReleaseProxy(_ context.Context, proxyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.releaseErr[proxyID]; err != nil {
		return err
	}
	f.released = append(f.released, proxyID)
	return nil
}

func (f *Fake) CheckHealth(_ context.Context, proxyID string) (*provider.HealthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, proxyID)
	if err := f.healthErr[proxyID]; err != nil {
		return nil, err
	}
	if r, ok := f.health[proxyID]; ok {
		return &r, nil
	}
	return &provider.HealthResult{Healthy: true, LatencyMs: f.proxies[proxyID].LatencyMs}, nil
}

// Calls returns copies of the recorded call logs.
func (f *Fake) Calls() (assigned, released, checked []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.assigned...), append([]string(nil), f.released...), append([]string(nil), f.checked...)
}

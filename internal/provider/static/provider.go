// Package static implements provider.Provider over a local proxy list file.
// Liveness is established by probing each proxy from this process.
package static

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
)

// 连续失败达到该次数后, 代理不再视为可用
const maxFailuresBeforeUnavailable = 3

// Provider 持有从文件加载的代理, 并在后台定期重新探测。
type Provider struct {
	storage  *FileStorage
	prober   *Prober
	interval time.Duration

	mu      sync.RWMutex
	entries map[string]*Entry

	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ provider.Provider = (*Provider)(nil)

// New 加载代理文件。interval 为 0 时不启动后台探测。
func New(storage *FileStorage, prober *Prober, interval time.Duration) (*Provider, error) {
	entries, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("static provider: %w", err)
	}
	return &Provider{
		storage:  storage,
		prober:   prober,
		interval: interval,
		entries:  entries,
		stopChan: make(chan struct{}),
	}, nil
}

// Start probes every proxy once and then revalidates on the configured interval.
func (p *Provider) Start(ctx context.Context) {
	l := logger.WithComponent("Provider/Static")
	l.Info().Dur("interval", p.interval).Msg("Static provider starting...")

	p.Revalidate(ctx)
	if p.interval <= 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Revalidate(ctx)
			case <-p.stopChan:
				l.Info().Msg("Stop signal received. Shutting down revalidation.")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Provider) Stop() {
	select {
	case <-p.stopChan:
	default:
		close(p.stopChan)
	}
	p.wg.Wait()
	if err := p.save(); err != nil {
		logger.Error().Err(err).Msg("Failed to save proxies on shutdown.")
	}
}

// Revalidate probes all proxies and persists the results.
func (p *Provider) Revalidate(ctx context.Context) {
	l := logger.WithComponent("Provider/Static")

	// probe on copies so readers are never blocked by network I/O
	p.mu.RLock()
	batch := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		cp := *e
		batch = append(batch, &cp)
	}
	p.mu.RUnlock()

	p.prober.ProbeAll(ctx, batch)

	p.mu.Lock()
	for _, probed := range batch {
		if e, ok := p.entries[probed.ID]; ok {
			e.Latency = probed.Latency
			e.LastChecked = probed.LastChecked
			e.FailureCount = probed.FailureCount
			e.SuccessCount = probed.SuccessCount
		}
	}
	p.mu.Unlock()

	if err := p.save(); err != nil {
		l.Error().Err(err).Msg("Failed to save proxies after revalidation.")
	}
}

func (p *Provider) save() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.storage.Save(p.entries)
}

func available(e *Entry) bool {
	return e.SuccessCount > 0 && e.FailureCount < maxFailuresBeforeUnavailable
}

func toProxy(e *Entry) model.Proxy {
	return model.Proxy{
		ID:        e.ID,
		Host:      e.Host,
		Port:      e.Port,
		Protocol:  e.Protocol,
		Country:   e.Country,
		LatencyMs: e.Latency.Milliseconds(),
	}
}

func (p *Provider) ListProxies(_ context.Context, availableOnly bool) ([]model.Proxy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.Proxy, 0, len(p.entries))
	for _, e := range p.entries {
		if availableOnly && !available(e) {
			continue
		}
		out = append(out, toProxy(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) AssignProxy(ctx context.Context, req provider.AssignRequest) (*model.Proxy, error) {
	p.mu.RLock()
	e, ok := p.entries[req.ProxyID]
	var host, protocol string
	var port int
	if ok {
		host, port, protocol = e.Host, e.Port, e.Protocol
	}
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrProxyNotFound, req.ProxyID)
	}

	if req.Validate {
		latency, err := p.prober.Probe(ctx, host, port, protocol)
		p.recordProbe(req.ProxyID, probeResult{latency: latency, err: err})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", provider.ErrProxyUnavailable, req.ProxyID, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok = p.entries[req.ProxyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrProxyNotFound, req.ProxyID)
	}
	e.assigned++
	px := toProxy(e)
	px.LastUsed = time.Now()
	return &px, nil
}

func (p *Provider) ReleaseProxy(_ context.Context, proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[proxyID]
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrProxyNotFound, proxyID)
	}
	if e.assigned > 0 {
		e.assigned--
	}
	return nil
}

func (p *Provider) CheckHealth(ctx context.Context, proxyID string) (*provider.HealthResult, error) {
	p.mu.RLock()
	e, ok := p.entries[proxyID]
	var host, protocol string
	var port int
	if ok {
		host, port, protocol = e.Host, e.Port, e.Protocol
	}
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrProxyNotFound, proxyID)
	}

	latency, err := p.prober.Probe(ctx, host, port, protocol)
	p.recordProbe(proxyID, probeResult{latency: latency, err: err})
	if err != nil {
		logger.WithComponent("Provider/Static").Debug().Err(err).Str("proxy_id", proxyID).Msg("Health probe failed.")
		return &provider.HealthResult{Healthy: false}, nil
	}
	return &provider.HealthResult{Healthy: true, LatencyMs: latency.Milliseconds()}, nil
}

// Assigned reports how many outstanding assignments the proxy has.
func (p *Provider) Assigned(proxyID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[proxyID]; ok {
		return e.assigned
	}
	return 0
}

func (p *Provider) recordProbe(proxyID string, r probeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[proxyID]; ok {
		applyProbe(e, r, time.Now())
	}
}

package static

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"liuproxy_broker/internal/shared/logger"
)

const defaultProbeTarget = "www.google.com:443" // Use a target that requires TLS

// Prober checks liveness of a proxy by tunnelling to a TLS target through it.
type Prober struct {
	target      string
	timeout     time.Duration
	concurrency int
}

func NewProber(target string, timeout time.Duration, concurrency int) *Prober {
	if target == "" {
		target = defaultProbeTarget
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Prober{target: target, timeout: timeout, concurrency: concurrency}
}

// Probe returns the round-trip latency through the proxy.
func (p *Prober) Probe(ctx context.Context, host string, port int, protocol string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch protocol {
	case "socks5":
		err = p.checkSocks5Connect(ctx, host, port)
	default:
		err = p.checkHTTPConnect(ctx, host, port)
	}
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// ProbeAll probes the entries with bounded concurrency and updates them in place.
// The caller must own the entries for the duration of the call.
func (p *Prober) ProbeAll(ctx context.Context, entries []*Entry) {
	l := logger.WithComponent("Provider/Prober")
	if len(entries) == 0 {
		return
	}
	l.Info().Int("count", len(entries)).Int("concurrency", p.concurrency).Msg("Starting probe batch...")

	results := make([]probeResult, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, e := range entries {
		g.Go(func() error {
			latency, err := p.Probe(gctx, e.Host, e.Port, e.Protocol)
			results[i] = probeResult{latency: latency, err: err}
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now()
	healthy := 0
	for i, e := range entries {
		applyProbe(e, results[i], now)
		if results[i].err == nil {
			healthy++
		}
	}
	l.Info().Int("healthy", healthy).Int("total", len(entries)).Msg("Probe batch finished.")
}

type probeResult struct {
	latency time.Duration
	err     error
}

func applyProbe(e *Entry, r probeResult, now time.Time) {
	e.LastChecked = now
	if r.err != nil {
		e.SuccessCount = 0
		e.FailureCount++
		e.Latency = 0
		return
	}
	e.FailureCount = 0
	e.SuccessCount++
	e.Latency = r.latency
}

// checkHTTPConnect validates a proxy by sending a HEAD request through an HTTP CONNECT tunnel.
func (p *Prober) checkHTTPConnect(ctx context.Context, host string, port int) error {
	proxyURL, err := url.Parse(fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port))))
	if err != nil {
		return err
	}

	dialer := &net.Dialer{
		Timeout:   p.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       p.timeout,
		TLSHandshakeTimeout:   p.timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: p.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+p.target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}

// checkSocks5Connect validates a proxy by opening a SOCKS5 connection to the target.
func (p *Prober) checkSocks5Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: p.timeout})
	if err != nil {
		return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return fmt.Errorf("socks5 dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, "tcp", p.target)
	if err != nil {
		return err
	}
	return conn.Close()
}

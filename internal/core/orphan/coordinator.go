// Package orphan finds active usage records whose device no longer exists and
// hands their proxies back to the provider.
package orphan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/metrics"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
	"liuproxy_broker/internal/shared/settings"
)

const reasonDeviceMissing = "device_not_found"

// Orphan is an active ledger record without an owning device.
type Orphan struct {
	RecordID   string    `json:"record_id"`
	ProxyID    string    `json:"proxy_id"`
	DeviceID   string    `json:"device_id"`
	AssignedAt time.Time `json:"assigned_at"`
	Reason     string    `json:"reason"`
}

type ReleaseError struct {
	ProxyID string `json:"proxy_id"`
	Error   string `json:"error"`
}

// CleanupResult tallies provider releases. Ledger records are closed either way.
type CleanupResult struct {
	Released int            `json:"released"`
	Failed   int            `json:"failed"`
	Errors   []ReleaseError `json:"errors"`
}

type DetectionResult struct {
	OrphanCount int      `json:"orphan_count"`
	Orphans     []Orphan `json:"orphans"`
}

type FullCleanupResult struct {
	Detected int `json:"detected"`
	CleanupResult
}

type Statistics struct {
	TotalActive            int        `json:"total_active"`
	OrphanCount            int        `json:"orphan_count"`
	OrphanPercentage       float64    `json:"orphan_percentage"`
	OldestOrphanAssignedAt *time.Time `json:"oldest_orphan_assigned_at,omitempty"`
}

// Coordinator 定期扫描并回收孤儿代理。
type Coordinator struct {
	registry ledger.DeviceRegistry
	ledger   ledger.Ledger
	provider provider.Provider
	clock    clockwork.Clock
	cfg      atomic.Pointer[settings.OrphanSettings]

	runMu sync.Mutex // one cleanup pass at a time

	resetChan chan time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func New(reg ledger.DeviceRegistry, l ledger.Ledger, p provider.Provider, cfg *settings.OrphanSettings, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Coordinator{
		registry:  reg,
		ledger:    l,
		provider:  p,
		clock:     clock,
		resetChan: make(chan time.Duration, 1),
		stopChan:  make(chan struct{}),
	}
	c.cfg.Store(cfg)
	return c
}

// OnSettingsUpdate implements settings.ConfigurableModule.
func (c *Coordinator) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleOrphan {
		return nil
	}
	cfg, ok := newSettings.(*settings.OrphanSettings)
	if !ok {
		return fmt.Errorf("orphan: received incorrect settings type for orphan module")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("orphan: %w", err)
	}
	old := c.cfg.Swap(cfg)
	if old == nil || old.Interval() != cfg.Interval() {
		select {
		case c.resetChan <- cfg.Interval():
		default:
		}
	}
	return nil
}

func (c *Coordinator) Start(ctx context.Context) {
	interval := c.cfg.Load().Interval()
	if interval <= 0 {
		interval = settings.Defaults().Orphan.Interval()
	}
	logger.WithComponent("Orphan").Info().Dur("interval", interval).Msg("Orphan cleanup worker starting...")
	c.wg.Add(1)
	go c.loop(ctx, interval)
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	l := logger.WithComponent("Orphan")

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.safeRun(ctx)
		case d := <-c.resetChan:
			if d <= 0 {
				continue
			}
			l.Info().Dur("interval", d).Msg("Orphan cleanup interval changed.")
			ticker.Reset(d)
		case <-c.stopChan:
			l.Info().Msg("Orphan cleanup worker stopped due to stop signal.")
			return
		case <-ctx.Done():
			l.Info().Msg("Orphan cleanup worker stopped due to context cancellation.")
			return
		}
	}
}

func (c *Coordinator) safeRun(ctx context.Context) {
	l := logger.WithComponent("Orphan")
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Orphan cleanup panicked.")
		}
	}()
	res, err := c.TriggerFullCleanup(ctx)
	if err != nil {
		l.Warn().Err(err).Msg("Orphan cleanup failed.")
		return
	}
	if res.Detected > 0 {
		l.Info().
			Int("detected", res.Detected).
			Int("released", res.Released).
			Int("failed", res.Failed).
			Msg("Orphan cleanup finished.")
	}
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	logger.Info().Msg("Orphan cleanup worker gracefully stopped.")
}

// Detect returns active records whose device is gone.
func (c *Coordinator) Detect(ctx context.Context) ([]Orphan, error) {
	_, orphans, err := c.detect(ctx)
	return orphans, err
}

func (c *Coordinator) detect(ctx context.Context) (int, []Orphan, error) {
	active, err := c.ledger.ListActive(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list active records: %w", err)
	}
	if len(active) == 0 {
		metrics.OrphansDetected.Set(0)
		return 0, []Orphan{}, nil
	}

	seen := make(map[string]struct{}, len(active))
	ids := make([]string, 0, len(active))
	for _, r := range active {
		if _, ok := seen[r.DeviceID]; !ok {
			seen[r.DeviceID] = struct{}{}
			ids = append(ids, r.DeviceID)
		}
	}
	existing, err := c.registry.Existing(ctx, ids)
	if err != nil {
		return 0, nil, fmt.Errorf("look up devices: %w", err)
	}

	orphans := make([]Orphan, 0)
	for _, r := range active {
		if _, ok := existing[r.DeviceID]; ok {
			continue
		}
		orphans = append(orphans, Orphan{
			RecordID:   r.ID,
			ProxyID:    r.ProxyID,
			DeviceID:   r.DeviceID,
			AssignedAt: r.AssignedAt,
			Reason:     reasonDeviceMissing,
		})
	}
	metrics.OrphansDetected.Set(float64(len(orphans)))
	return len(active), orphans, nil
}

// Cleanup releases each orphan at the provider and closes its ledger record.
func (c *Coordinator) Cleanup(ctx context.Context, orphans []Orphan) *CleanupResult {
	l := logger.WithComponent("Orphan")
	res := &CleanupResult{Errors: []ReleaseError{}}
	var mu sync.Mutex

	g := new(errgroup.Group)
	if n := c.cfg.Load().Concurrency; n > 0 {
		g.SetLimit(n)
	}
	for _, o := range orphans {
		g.Go(func() error {
			perr := c.provider.ReleaseProxy(ctx, o.ProxyID)
			if perr != nil {
				l.Warn().Err(perr).Str("proxy_id", o.ProxyID).Str("device_id", o.DeviceID).Msg("Provider release of orphan failed.")
				metrics.OrphanReleasesTotal.WithLabelValues("failed").Inc()
			} else {
				metrics.OrphanReleasesTotal.WithLabelValues("ok").Inc()
			}

			_, lerr := c.ledger.RecordRelease(ctx, o.DeviceID, o.ProxyID, model.ReleaseOrphanCleanup, nil)
			if lerr != nil {
				l.Error().Err(lerr).Str("proxy_id", o.ProxyID).Str("device_id", o.DeviceID).Msg("Failed to close orphan usage record.")
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case lerr != nil:
				// 记录未关闭, 下一轮仍会被检测为孤儿
				msg := "close usage record: " + lerr.Error()
				if perr != nil {
					msg = perr.Error() + "; " + msg
				}
				res.Failed++
				res.Errors = append(res.Errors, ReleaseError{ProxyID: o.ProxyID, Error: msg})
			case perr != nil:
				res.Failed++
				res.Errors = append(res.Errors, ReleaseError{ProxyID: o.ProxyID, Error: perr.Error()})
			default:
				res.Released++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (c *Coordinator) TriggerDetection(ctx context.Context) (*DetectionResult, error) {
	orphans, err := c.Detect(ctx)
	if err != nil {
		return nil, err
	}
	return &DetectionResult{OrphanCount: len(orphans), Orphans: orphans}, nil
}

// TriggerFullCleanup detects and cleans up in one pass.
func (c *Coordinator) TriggerFullCleanup(ctx context.Context) (*FullCleanupResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	orphans, err := c.Detect(ctx)
	if err != nil {
		return nil, err
	}
	res := &FullCleanupResult{Detected: len(orphans), CleanupResult: CleanupResult{Errors: []ReleaseError{}}}
	if len(orphans) == 0 {
		return res, nil
	}
	logger.WithComponent("Orphan").Info().Int("orphans", len(orphans)).Msg("Cleaning up orphaned proxies.")
	res.CleanupResult = *c.Cleanup(ctx, orphans)
	return res, nil
}

// ForceCleanupProxy closes the newest active record of proxyID regardless of
// its device. It returns ledger.ErrNoActiveRecord when there is none.
func (c *Coordinator) ForceCleanupProxy(ctx context.Context, proxyID string) (*model.UsageRecord, error) {
	l := logger.WithComponent("Orphan")
	rec, err := c.ledger.ActiveByProxy(ctx, proxyID)
	if err != nil {
		return nil, fmt.Errorf("force cleanup %s: %w", proxyID, err)
	}
	if err := c.provider.ReleaseProxy(ctx, proxyID); err != nil {
		l.Warn().Err(err).Str("proxy_id", proxyID).Msg("Provider release failed during forced cleanup.")
	}
	released, err := c.ledger.RecordRelease(ctx, rec.DeviceID, proxyID, model.ReleaseOrphanCleanup, nil)
	if err != nil {
		return nil, fmt.Errorf("close usage record: %w", err)
	}
	if released == nil {
		return nil, fmt.Errorf("force cleanup %s: %w", proxyID, ledger.ErrNoActiveRecord)
	}
	l.Info().Str("proxy_id", proxyID).Str("device_id", rec.DeviceID).Msg("Proxy force-released.")
	return released, nil
}

func (c *Coordinator) Statistics(ctx context.Context) (*Statistics, error) {
	total, orphans, err := c.detect(ctx)
	if err != nil {
		return nil, err
	}
	st := &Statistics{TotalActive: total, OrphanCount: len(orphans)}
	if total > 0 {
		st.OrphanPercentage = float64(len(orphans)) * 100 / float64(total)
	}
	for _, o := range orphans {
		if st.OldestOrphanAssignedAt == nil || o.AssignedAt.Before(*st.OldestOrphanAssignedAt) {
			t := o.AssignedAt
			st.OldestOrphanAssignedAt = &t
		}
	}
	return st, nil
}

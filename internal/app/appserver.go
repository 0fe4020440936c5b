package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"

	"liuproxy_broker/internal/core/failover"
	"liuproxy_broker/internal/core/health"
	"liuproxy_broker/internal/core/orphan"
	"liuproxy_broker/internal/core/pool"
	"liuproxy_broker/internal/core/selector"
	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
	"liuproxy_broker/internal/shared/settings"
	"liuproxy_broker/internal/shared/types"
)

// Backends are the external collaborators of the broker core.
type Backends struct {
	Registry ledger.DeviceRegistry
	Ledger   ledger.Ledger
	Provider provider.Provider
	Clock    clockwork.Clock
}

// AppServer is the application's main struct.
type AppServer struct {
	cfg *types.Config

	settingsManager *settings.SettingsManager
	backends        Backends
	closers         []func() // run in reverse order on Stop

	pool     *pool.Manager
	selector *selector.Selector
	failover *failover.Coordinator
	health   *health.Monitor
	orphan   *orphan.Coordinator

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New builds the broker from the ini configuration. Relative paths are
// resolved against the directory holding iniPath.
func New(ctx context.Context, cfg *types.Config, iniPath string) (*AppServer, error) {
	configDir := filepath.Dir(iniPath)

	settingsPath := ""
	if cfg.CommonConf.SettingsFile != "" {
		settingsPath = resolvePath(configDir, cfg.CommonConf.SettingsFile)
	}
	sm, err := settings.NewSettingsManager(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reg, l, closeLedger, err := openLedger(ctx, cfg.LedgerConf)
	if err != nil {
		return nil, err
	}
	closers = append(closers, closeLedger)

	p, closeProvider, err := openProvider(ctx, cfg.ProviderConf, configDir)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, closeProvider)

	s := NewWithBackends(cfg, sm, Backends{Registry: reg, Ledger: l, Provider: p})
	s.closers = closers
	return s, nil
}

// NewWithBackends wires the core components on top of ready-made backends.
func NewWithBackends(cfg *types.Config, sm *settings.SettingsManager, b Backends) *AppServer {
	if b.Clock == nil {
		b.Clock = clockwork.NewRealClock()
	}
	initial := sm.Get()

	s := &AppServer{
		cfg:             cfg,
		settingsManager: sm,
		backends:        b,
	}

	s.pool = pool.NewManager(b.Provider, b.Ledger, initial.Pool, b.Clock)
	s.selector = selector.New(s.pool, initial.Selector, nil)
	s.failover = failover.NewCoordinator(failover.Deps{
		Registry: b.Registry,
		Ledger:   b.Ledger,
		Provider: b.Provider,
		Selector: s.selector,
		Pool:     s.pool,
		Clock:    b.Clock,
	}, sm)
	s.health = health.New(b.Registry, b.Ledger, b.Provider, initial.Health, b.Clock)
	s.orphan = orphan.New(b.Registry, b.Ledger, b.Provider, initial.Orphan, b.Clock)

	s.failover.SetHealthChecker(s.health)
	s.health.SetFailover(s.failover)

	sm.Register(settings.ModulePool, s.pool)
	sm.Register(settings.ModuleSelector, s.selector)
	sm.Register(settings.ModuleHealth, s.health)
	sm.Register(settings.ModuleOrphan, s.orphan)

	return s
}

// Start launches every background loop. It returns once the first pool refresh is done.
func (s *AppServer) Start(ctx context.Context) {
	logger.Info().
		Str("provider", s.cfg.ProviderConf.Type).
		Str("ledger", s.cfg.LedgerConf.Driver).
		Msg("Starting proxy broker...")
	if sp, ok := s.backends.Provider.(interface{ Start(context.Context) }); ok {
		sp.Start(ctx)
	}
	s.pool.Start(ctx)
	s.health.Start(ctx)
	s.orphan.Start(ctx)
	logger.Info().Msg("Proxy broker started.")
}

// Run starts the broker and blocks until ctx is cancelled.
func (s *AppServer) Run(ctx context.Context) {
	s.Start(ctx)

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		<-ctx.Done()
		logger.Info().Msg("Shutdown signal received.")
		s.Stop()
	}()
	s.Wait()
}

// Stop gracefully shuts down the broker.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		s.orphan.Stop()
		s.health.Stop()
		s.pool.Stop()
		s.failover.Wait()
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
		}
		logger.Info().Msg("Proxy broker stopped.")
	})
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

func (s *AppServer) Settings() *settings.SettingsManager { return s.settingsManager }
func (s *AppServer) Pool() *pool.Manager                 { return s.pool }
func (s *AppServer) Selector() *selector.Selector        { return s.selector }
func (s *AppServer) Failover() *failover.Coordinator     { return s.failover }
func (s *AppServer) Health() *health.Monitor             { return s.health }
func (s *AppServer) Orphan() *orphan.Coordinator         { return s.orphan }

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

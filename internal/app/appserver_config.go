package app

import (
	"context"
	"fmt"
	"time"

	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/ledger/postgres"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/provider/httpapi"
	"liuproxy_broker/internal/provider/static"
	"liuproxy_broker/internal/shared/logger"
	"liuproxy_broker/internal/shared/types"
)

// openLedger picks the ledger backend. The returned closer is never nil.
func openLedger(ctx context.Context, conf types.LedgerConf) (ledger.DeviceRegistry, ledger.Ledger, func(), error) {
	switch conf.Driver {
	case "", "memory":
		logger.Warn().Msg("Using in-memory ledger; usage records are lost on restart.")
		return ledger.NewMemoryRegistry(), ledger.NewMemoryLedger(nil), func() {}, nil

	case "postgres":
		db, err := postgres.Open(ctx, conf.DSN, &postgres.PoolConfig{MaxConns: int32(conf.MaxConns)})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open ledger database: %w", err)
		}
		return db.Registry(), db.Ledger(), db.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown ledger driver '%s'", conf.Driver)
	}
}

// openProvider builds the upstream provider. The returned closer is never nil.
func openProvider(_ context.Context, conf types.ProviderConf, configDir string) (provider.Provider, func(), error) {
	switch conf.Type {
	case "", "static":
		path := resolvePath(configDir, conf.ProxyFile)
		prober := static.NewProber(
			conf.ProbeTarget,
			time.Duration(conf.ProbeTimeoutSeconds)*time.Second,
			conf.ProbeConcurrency,
		)
		p, err := static.New(static.NewFileStorage(path), prober, time.Duration(conf.ProbeIntervalSecs)*time.Second)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", path).Msg("Using static proxy provider.")
		return p, p.Stop, nil

	case "http":
		c := httpapi.New(conf.BaseURL, conf.APIKey, time.Duration(conf.TimeoutSeconds)*time.Second)
		logger.Info().Str("base_url", conf.BaseURL).Msg("Using HTTP proxy provider.")
		return c, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown provider type '%s'", conf.Type)
	}
}

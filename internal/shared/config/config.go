package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
	"liuproxy_broker/internal/shared/types"
)

// Default returns the configuration used for keys missing from the ini file.
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{
			SettingsFile: "settings.json",
		},
		LogConf: types.LogConf{
			Level:  "info",
			Format: "console",
		},
		ProviderConf: types.ProviderConf{
			Type:                "static",
			ProxyFile:           "proxies.txt",
			ProbeTarget:         "www.google.com:443",
			ProbeTimeoutSeconds: 10,
			ProbeConcurrency:    5,
			ProbeIntervalSecs:   300,
			TimeoutSeconds:      15,
		},
		LedgerConf: types.LedgerConf{
			Driver:   "memory",
			MaxConns: 10,
		},
	}
}

// LoadIni 加载 broker.ini, 未出现的键保留 cfg 中已有的值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(&cfg.LedgerConf.DSN, "LEDGER_DSN")
	overrideFromEnv(&cfg.ProviderConf.APIKey, "PROVIDER_API_KEY")
	overrideFromEnvInt(&cfg.LedgerConf.MaxConns, "LEDGER_MAX_CONNS")
	return Validate(cfg)
}

// Validate rejects combinations the application cannot start with.
func Validate(cfg *types.Config) error {
	switch cfg.ProviderConf.Type {
	case "static":
		if cfg.ProviderConf.ProxyFile == "" {
			return fmt.Errorf("provider: static provider requires proxy_file")
		}
	case "http":
		if cfg.ProviderConf.BaseURL == "" {
			return fmt.Errorf("provider: http provider requires base_url")
		}
	default:
		return fmt.Errorf("provider: unknown type '%s'", cfg.ProviderConf.Type)
	}

	switch cfg.LedgerConf.Driver {
	case "memory":
	case "postgres":
		if cfg.LedgerConf.DSN == "" {
			return fmt.Errorf("ledger: postgres driver requires dsn (or LEDGER_DSN)")
		}
	default:
		return fmt.Errorf("ledger: unknown driver '%s'", cfg.LedgerConf.Driver)
	}
	return nil
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

package types

// CommonConf 包含共有的配置
type CommonConf struct {
	SettingsFile string `ini:"settings_file"` // runtime settings json, relative to the config dir
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // "console" (default) or "json"
}

// ProviderConf selects and configures the upstream proxy provider.
type ProviderConf struct {
	Type string `ini:"type"` // "static" or "http"

	// static provider
	ProxyFile           string `ini:"proxy_file"`
	ProbeTarget         string `ini:"probe_target"`
	ProbeTimeoutSeconds int    `ini:"probe_timeout_seconds"`
	ProbeConcurrency    int    `ini:"probe_concurrency"`
	ProbeIntervalSecs   int    `ini:"probe_interval_seconds"` // background revalidation, 0 disables

	// http provider
	BaseURL        string `ini:"base_url"`
	APIKey         string `ini:"api_key"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
}

// LedgerConf configures the usage ledger and device registry backend.
type LedgerConf struct {
	Driver   string `ini:"driver"` // "memory" or "postgres"
	DSN      string `ini:"dsn"`
	MaxConns int    `ini:"max_conns"`
}

// Config 是 broker 的启动配置 (ini)。运行时可调参数见 settings 包。
type Config struct {
	CommonConf   `ini:"common"`
	LogConf      `ini:"log"`
	ProviderConf `ini:"provider"`
	LedgerConf   `ini:"ledger"`
}

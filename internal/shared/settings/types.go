package settings

import (
	"errors"
	"fmt"
	"time"

	"liuproxy_broker/internal/model"
)

// Module keys accepted by SettingsManager.Update and Register.
const (
	ModulePool     = "pool"
	ModuleSelector = "selector"
	ModuleFailover = "failover"
	ModuleHealth   = "health"
	ModuleOrphan   = "orphan"
)

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager 会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate is called with the module key and a pointer to the freshly
	// parsed module struct (e.g. *PoolSettings).
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// validator is implemented by module structs that constrain their values.
type validator interface {
	Validate() error
}

var errNonPositive = errors.New("must be positive")

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型确保了当JSON文件中缺少某个模块时，对应的字段为nil。
type RuntimeSettings struct {
	Pool     *PoolSettings     `json:"pool"`
	Selector *SelectorSettings `json:"selector"`
	Failover *FailoverSettings `json:"failover"`
	Health   *HealthSettings   `json:"health"`
	Orphan   *OrphanSettings   `json:"orphan"`
}

// PoolSettings 对应 settings.json 中的 "pool" 模块。
type PoolSettings struct {
	RefreshIntervalSeconds int                `json:"refresh_interval_seconds"`
	StatsWindowHours       int                `json:"stats_window_hours"`
	BlacklistDurationMs    int                `json:"blacklist_duration_ms"` // default for explicit bans
	Weights                model.ScoreWeights `json:"weights"`
}

func (p *PoolSettings) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshIntervalSeconds) * time.Second
}

func (p *PoolSettings) StatsWindow() time.Duration {
	return time.Duration(p.StatsWindowHours) * time.Hour
}

func (p *PoolSettings) BlacklistDuration() time.Duration {
	return time.Duration(p.BlacklistDurationMs) * time.Millisecond
}

// Validate rejects values the refresh loop cannot run with.
func (p *PoolSettings) Validate() error {
	if p.RefreshIntervalSeconds <= 0 {
		return fmt.Errorf("refresh_interval_seconds %w", errNonPositive)
	}
	if p.StatsWindowHours <= 0 {
		return fmt.Errorf("stats_window_hours %w", errNonPositive)
	}
	if p.BlacklistDurationMs < 0 {
		return fmt.Errorf("blacklist_duration_ms must not be negative")
	}
	return nil
}

// SelectorSettings 对应 "selector" 模块。
type SelectorSettings struct {
	DefaultStrategy string `json:"default_strategy"`
	MinScore        int    `json:"min_score"`
}

// FailoverSettings 对应 "failover" 模块。
type FailoverSettings struct {
	Enabled                     bool  `json:"enabled"`
	ConsecutiveFailureThreshold int   `json:"consecutive_failure_threshold"`
	LatencyThresholdMs          int64 `json:"latency_threshold_ms"`
	MaxRetries                  int   `json:"max_retries"`
	RetryDelayMs                int   `json:"retry_delay_ms"`
	MinScore                    int   `json:"min_score"`
	BlacklistDurationMs         int   `json:"blacklist_duration_ms"`
	MaxHistory                  int   `json:"max_history"`
	TimeoutMs                   int   `json:"timeout_ms"` // upper bound for one failover run, 0 disables
	Concurrency                 int   `json:"concurrency"`
}

func (f *FailoverSettings) Validate() error {
	switch {
	case f.MaxRetries < 0, f.RetryDelayMs < 0, f.BlacklistDurationMs < 0, f.TimeoutMs < 0, f.MaxHistory < 0:
		return fmt.Errorf("failover durations and counts must not be negative")
	}
	return nil
}

func (f *FailoverSettings) RetryDelay() time.Duration {
	return time.Duration(f.RetryDelayMs) * time.Millisecond
}

func (f *FailoverSettings) BlacklistDuration() time.Duration {
	return time.Duration(f.BlacklistDurationMs) * time.Millisecond
}

func (f *FailoverSettings) Timeout() time.Duration {
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

// HealthSettings 对应 "health" 模块。
type HealthSettings struct {
	IntervalSeconds   int   `json:"interval_seconds"`
	TimeoutSeconds    int   `json:"timeout_seconds"`
	Concurrency       int   `json:"concurrency"`
	DegradedLatencyMs int64 `json:"degraded_latency_ms"`
	AutoFailover      bool  `json:"auto_failover"`
}

func (h *HealthSettings) Validate() error {
	if h.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds %w", errNonPositive)
	}
	if h.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	return nil
}

func (h *HealthSettings) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

func (h *HealthSettings) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// OrphanSettings 对应 "orphan" 模块。
type OrphanSettings struct {
	IntervalSeconds int `json:"interval_seconds"`
	Concurrency     int `json:"concurrency"`
}

func (o *OrphanSettings) Validate() error {
	if o.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds %w", errNonPositive)
	}
	return nil
}

func (o *OrphanSettings) Interval() time.Duration {
	return time.Duration(o.IntervalSeconds) * time.Second
}

func defaultPool() *PoolSettings {
	return &PoolSettings{
		RefreshIntervalSeconds: 120,
		StatsWindowHours:       24,
		BlacklistDurationMs:    5 * 60 * 1000,
		Weights:                model.DefaultScoreWeights(),
	}
}

func defaultSelector() *SelectorSettings {
	return &SelectorSettings{DefaultStrategy: "highest_score", MinScore: 0}
}

func defaultFailover() *FailoverSettings {
	return &FailoverSettings{
		Enabled:                     true,
		ConsecutiveFailureThreshold: 3,
		LatencyThresholdMs:          5000,
		MaxRetries:                  3,
		RetryDelayMs:                2000,
		MinScore:                    50,
		BlacklistDurationMs:         5 * 60 * 1000,
		MaxHistory:                  1000,
		TimeoutMs:                   60 * 1000,
		Concurrency:                 10,
	}
}

func defaultHealth() *HealthSettings {
	return &HealthSettings{
		IntervalSeconds:   5 * 60,
		TimeoutSeconds:    10,
		Concurrency:       10,
		DegradedLatencyMs: 2000,
		AutoFailover:      false,
	}
}

func defaultOrphan() *OrphanSettings {
	return &OrphanSettings{
		IntervalSeconds: 2 * 60 * 60,
		Concurrency:     10,
	}
}

// Defaults returns a fully populated settings tree.
func Defaults() *RuntimeSettings {
	return &RuntimeSettings{
		Pool:     defaultPool(),
		Selector: defaultSelector(),
		Failover: defaultFailover(),
		Health:   defaultHealth(),
		Orphan:   defaultOrphan(),
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.Pool == nil {
		s.Pool = defaultPool()
	}
	if s.Selector == nil {
		s.Selector = defaultSelector()
	}
	if s.Failover == nil {
		s.Failover = defaultFailover()
	}
	if s.Health == nil {
		s.Health = defaultHealth()
	}
	if s.Orphan == nil {
		s.Orphan = defaultOrphan()
	}
}

// resetInvalidModules 将取值非法的模块恢复为默认值, 返回被重置的模块名。
func resetInvalidModules(s *RuntimeSettings) []string {
	var reset []string
	if s.Pool.Validate() != nil {
		s.Pool = defaultPool()
		reset = append(reset, ModulePool)
	}
	if s.Failover.Validate() != nil {
		s.Failover = defaultFailover()
		reset = append(reset, ModuleFailover)
	}
	if s.Health.Validate() != nil {
		s.Health = defaultHealth()
		reset = append(reset, ModuleHealth)
	}
	if s.Orphan.Validate() != nil {
		s.Orphan = defaultOrphan()
		reset = append(reset, ModuleOrphan)
	}
	return reset
}

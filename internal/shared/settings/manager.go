package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// SettingsManager 是运行时配置的核心管理器。
// 它线程安全，并使用原子操作和发布/订阅模式来处理配置的读取和热重载。
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // *RuntimeSettings, 用于无锁读取
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 保护 subscribers map 和文件写入操作
}

// NewSettingsManager 创建并初始化一个新的配置管理器。
// filePath 为空时仅在内存中运行 (测试与 standalone 模式)。
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(Defaults())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}
	return sm, nil
}

// NewInMemory returns a manager seeded with s; missing modules get defaults.
func NewInMemory(s *RuntimeSettings) *SettingsManager {
	sm := &SettingsManager{subscribers: make(map[string][]ConfigurableModule)}
	if s == nil {
		s = Defaults()
	}
	ensureDefaultModules(s)
	resetInvalidModules(s)
	sm.settings.Store(s)
	return sm
}

func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = Defaults()
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		ensureDefaultModules(settings)
		for _, key := range resetInvalidModules(settings) {
			log.Warn().Str("module", key).Msg("Invalid values in settings.json, using defaults for module.")
		}
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的一个快照。调用方不得修改返回值。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update merges a module's (possibly partial) JSON onto a copy of the current
// settings, persists the result, swaps it in and notifies subscribers.
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	newSettings := deepCopy(sm.Get())

	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}
	if v, ok := targetModule.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid settings for module %s: %w", moduleKey, err)
		}
	}

	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	sm.settings.Store(newSettings)
	log.Debug().Str("module", moduleKey).Msg("Runtime settings updated.")

	sm.notify(moduleKey, targetModule)
	return nil
}

func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

// notify must be called with sm.mu held.
func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	subscribers := sm.subscribers[moduleKey]
	if len(subscribers) == 0 {
		return
	}
	log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
			log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
		}
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Pool != nil {
		c := *s.Pool
		newS.Pool = &c
	}
	if s.Selector != nil {
		c := *s.Selector
		newS.Selector = &c
	}
	if s.Failover != nil {
		c := *s.Failover
		newS.Failover = &c
	}
	if s.Health != nil {
		c := *s.Health
		newS.Health = &c
	}
	if s.Orphan != nil {
		c := *s.Orphan
		newS.Orphan = &c
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModulePool:
		return s.Pool
	case ModuleSelector:
		return s.Selector
	case ModuleFailover:
		return s.Failover
	case ModuleHealth:
		return s.Health
	case ModuleOrphan:
		return s.Orphan
	default:
		return nil
	}
}

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"liuproxy_broker/internal/shared/types"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

// Init 根据 [log] 配置初始化全局 zerolog logger, 输出到 stderr。
func Init(cfg types.LogConf) error {
	return InitWithWriter(cfg, os.Stderr)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(cfg types.LogConf, w io.Writer) error {
	level, known := parseLevel(cfg.Level)
	if !known {
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}

	// 所有时间戳统一为 UTC
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	log.Logger = zerolog.New(newWriter(w, cfg.Format)).
		Level(level).
		With().
		Timestamp().
		Logger()

	Info().Str("format", formatName(cfg.Format)).Msgf("Logger initialized with level: %s", level.String())
	return nil
}

// parseLevel falls back to info. known is false only for a non-empty unknown name.
func parseLevel(s string) (zerolog.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, true
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel, false
	}
	return level, true
}

func formatName(f string) string {
	if strings.EqualFold(f, "json") {
		return "json"
	}
	return "console"
}

func newWriter(w io.Writer, format string) io.Writer {
	if formatName(format) == "json" {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

// WithComponent 返回带有 component 字段的子 logger, 用于区分不同模块的输出。
func WithComponent(name string) *zerolog.Logger {
	l := log.Logger.With().Str("component", name).Logger()
	return &l
}

// Event wraps a zerolog event so call sites need not import zerolog.
type Event struct {
	*zerolog.Event
}

func Debug() *Event { return &Event{log.Debug()} }
func Info() *Event  { return &Event{log.Info()} }
func Warn() *Event  { return &Event{log.Warn()} }
func Error() *Event { return &Event{log.Error()} }

// Fatal logs and exits the process.
func Fatal() *Event { return &Event{log.Fatal()} }

func (e *Event) Str(key, value string) *Event {
	e.Event = e.Event.Str(key, value)
	return e
}

func (e *Event) Err(err error) *Event {
	e.Event = e.Event.Err(err)
	return e
}

// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 结构化日志初始化与组件日志器
// =============================================================================
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config 日志配置
type Config struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
	NoColor bool   `yaml:"no_color"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
	}
}

// Init 设置全局级别与输出
// 控制台为可读格式，文件为 JSON 行
func Init(cfg Config) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    cfg.NoColor,
		})
	}
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("创建日志目录 %s: %w", dir, err)
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件 %s: %w", cfg.File, err)
		}
		writers = append(writers, f)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "lockstep").
		Logger()

	log.Debug().Str("level", level.String()).Str("file", cfg.File).Msg("日志已初始化")
	return nil
}

// Component 带组件名的日志器
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ForSlot 带组件名与本地槽位的日志器，多节点同进程运行时区分来源
func ForSlot(name string, slot uint8) zerolog.Logger {
	return log.With().Str("component", name).Uint8("local", slot).Logger()
}

// Package log はzerologをラップした構造化ログを提供する
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config はグローバルロガーの設定
type Config struct {
	Level   string    // ログレベル ("debug", "info" など)
	Output  io.Writer // 出力先 (デフォルト: os.Stdout)
	Service string    // 全てのログに付与するサービス名
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure はグローバルロガーを一度だけ初期化する
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}

		service := cfg.Service
		if service == "" {
			service = "shashin"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base は設定済みのベースロガーを返す
func Base() zerolog.Logger {
	return logger()
}

// WithComponent はコンポーネント名を付与した子ロガーを返す
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

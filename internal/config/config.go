package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"shashin/internal/media"
)

// カメラのバックエンド
const (
	BackendFFmpeg       = "ffmpeg"       // ffmpeg経由でV4L2デバイスを読む
	BackendMediaDevices = "mediadevices" // pion/mediadevicesのドライバを使う
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Camera CameraConfig `yaml:"camera"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // シャットダウン待ち時間
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend      string        `yaml:"backend"`       // "ffmpeg" または "mediadevices"
	Device       string        `yaml:"device"`        // デバイスパス (例: /dev/video0)。空なら最初に見つかったもの
	StartTimeout time.Duration `yaml:"start_timeout"` // 最初のフレームを待つ時間

	// デフォルト設定（制約で指定がない場合に使う）
	DefaultFPS    int `yaml:"default_fps"`    // フレームレート (fps)
	DefaultWidth  int `yaml:"default_width"`  // 画像幅
	DefaultHeight int `yaml:"default_height"` // 画像高さ
}

// StreamConfig はストリーム取得の設定
type StreamConfig struct {
	AutoAcquire bool              `yaml:"auto_acquire"` // 起動時にストリームを取得する
	Constraints media.Constraints `yaml:"constraints"`  // デフォルトの制約
	JPEGQuality int               `yaml:"jpeg_quality"` // プレビュー配信のJPEG品質
}

// LogConfig はログの設定
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConstraints は画面表示用の標準的な制約を返す
func DefaultConstraints() media.Constraints {
	return media.Constraints{
		Audio:      false,
		Video:      true,
		Width:      media.Range{Min: 1024, Ideal: 1280, Max: 1920},
		Height:     media.Range{Min: 576, Ideal: 720, Max: 1080},
		FacingMode: "user",
	}
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 10 * time.Second,
		},
		Camera: CameraConfig{
			Backend:       BackendFFmpeg,
			StartTimeout:  10 * time.Second,
			DefaultFPS:    15,
			DefaultWidth:  1280,
			DefaultHeight: 720,
		},
		Stream: StreamConfig{
			AutoAcquire: true,
			Constraints: DefaultConstraints(),
			JPEGQuality: 80,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load は設定を読み込む
// pathが空の場合はSHASHIN_CONFIGを参照し、それも空ならファイルは読まない
// 環境変数はファイルの値より優先される
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SHASHIN_CONFIG")
	}

	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// mergeFile はYAMLファイルの値で上書きする。未知のキーはエラー
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数の値で上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Backend = getEnvOrDefault("CAMERA_BACKEND", c.Camera.Backend)
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("タイムアウトに負の値は指定できません")
	}

	// カメラ設定の検証
	switch c.Camera.Backend {
	case BackendFFmpeg, BackendMediaDevices:
	default:
		return fmt.Errorf("無効なカメラバックエンド: %q", c.Camera.Backend)
	}
	if c.Camera.DefaultFPS <= 0 {
		return fmt.Errorf("無効なフレームレート: %d", c.Camera.DefaultFPS)
	}
	if c.Camera.DefaultWidth <= 0 || c.Camera.DefaultHeight <= 0 {
		return fmt.Errorf("無効な画像サイズ: %dx%d", c.Camera.DefaultWidth, c.Camera.DefaultHeight)
	}

	// ストリーム設定の検証
	if err := c.Stream.Constraints.Validate(); err != nil {
		return fmt.Errorf("無効な制約: %w", err)
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Stream.JPEGQuality)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("無効なログレベル: %q", c.Log.Level)
	}

	return nil
}

// StreamConstraints はカメラ設定を反映した取得用の制約を返す
func (c *Config) StreamConstraints() media.Constraints {
	cons := c.Stream.Constraints
	if cons.DeviceID == "" {
		cons.DeviceID = c.Camera.Device
	}
	return cons
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

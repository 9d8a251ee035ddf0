package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"shashin/internal/media"
)

// clearEnv はテストに影響する環境変数を消す
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"SHASHIN_CONFIG", "SERVER_HOST", "PORT", "CAMERA_BACKEND", "CAMERA_DEVICE", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "shashin.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("設定ファイルの書き込みに失敗しました: %v", err)
	}
	return path
}

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	clearEnv(t)

	// 設定を読み込む
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// カメラ設定の検証
	if cfg.Camera.Backend != BackendFFmpeg {
		t.Errorf("デフォルトのバックエンドが不正: %s", cfg.Camera.Backend)
	}
	if cfg.Camera.DefaultFPS <= 0 {
		t.Error("デフォルトFPSが設定されていません")
	}

	// デフォルトの制約は映像のみ
	want := media.Constraints{
		Video:      true,
		Width:      media.Range{Min: 1024, Ideal: 1280, Max: 1920},
		Height:     media.Range{Min: 576, Ideal: 720, Max: 1080},
		FacingMode: "user",
	}
	if diff := cmp.Diff(want, cfg.Stream.Constraints); diff != "" {
		t.Errorf("デフォルトの制約が一致しません (-want +got):\n%s", diff)
	}
	if !cfg.Stream.AutoAcquire {
		t.Error("デフォルトで自動取得が有効になっていません")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(*Config)
		expectErr bool
	}{
		{name: "正常な設定", modify: func(*Config) {}},
		{name: "無効なポート番号", modify: func(c *Config) { c.Server.Port = 99999 }, expectErr: true},
		{name: "負のタイムアウト", modify: func(c *Config) { c.Server.ReadTimeout = -time.Second }, expectErr: true},
		{name: "未知のバックエンド", modify: func(c *Config) { c.Camera.Backend = "gstreamer" }, expectErr: true},
		{name: "mediadevicesバックエンド", modify: func(c *Config) { c.Camera.Backend = BackendMediaDevices }},
		{name: "FPSなし", modify: func(c *Config) { c.Camera.DefaultFPS = 0 }, expectErr: true},
		{name: "映像も音声もなし", modify: func(c *Config) { c.Stream.Constraints.Video = false }, expectErr: true},
		{name: "範囲が逆転", modify: func(c *Config) { c.Stream.Constraints.Width = media.Range{Min: 1920, Max: 640} }, expectErr: true},
		{name: "JPEG品質が範囲外", modify: func(c *Config) { c.Stream.JPEGQuality = 0 }, expectErr: true},
		{name: "無効なログレベル", modify: func(c *Config) { c.Log.Level = "loud" }, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("CAMERA_BACKEND", BackendMediaDevices)
	t.Setenv("CAMERA_DEVICE", "/dev/video2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Camera.Backend != BackendMediaDevices {
		t.Errorf("環境変数のバックエンドが反映されていません: got %s", cfg.Camera.Backend)
	}
	if got := cfg.StreamConstraints().DeviceID; got != "/dev/video2" {
		t.Errorf("デバイスが制約に反映されていません: got %s", got)
	}
}

// TestLoadFile はYAMLファイルの読み込みをテストする
func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), `
server:
  port: 9000
  shutdown_timeout: 3s
camera:
  device: /dev/video1
stream:
  auto_acquire: false
  constraints:
    video: true
    width:
      ideal: 640
    height:
      ideal: 480
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("ポートが反映されていません: got %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("シャットダウン待ち時間が反映されていません: got %v", cfg.Server.ShutdownTimeout)
	}
	// ファイルにない値はデフォルトのまま
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("デフォルトのホストが失われています: got %s", cfg.Server.Host)
	}
	if cfg.Stream.AutoAcquire {
		t.Error("auto_acquire: false が反映されていません")
	}

	want := media.Constraints{
		Video:      true,
		Width:      media.Range{Min: 1024, Ideal: 640, Max: 1920},
		Height:     media.Range{Min: 576, Ideal: 480, Max: 1080},
		FacingMode: "user",
		DeviceID:   "/dev/video1",
	}
	if diff := cmp.Diff(want, cfg.StreamConstraints()); diff != "" {
		t.Errorf("制約が一致しません (-want +got):\n%s", diff)
	}

	// 環境変数はファイルより優先される
	t.Setenv("PORT", "9100")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("環境変数が優先されていません: got %d", cfg.Server.Port)
	}
}

// TestLoadFileErrors は不正なファイルの扱いをテストする
func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("存在しないファイルでエラーになりませんでした")
	}

	unknown := writeConfig(t, dir, "server:\n  prot: 80\n")
	if _, err := Load(unknown); err == nil {
		t.Error("未知のキーでエラーになりませんでした")
	}

	invalid := writeConfig(t, dir, "camera:\n  backend: vlc\n")
	if _, err := Load(invalid); err == nil {
		t.Error("検証エラーになりませんでした")
	}

	empty := writeConfig(t, dir, "")
	if _, err := Load(empty); err != nil {
		t.Errorf("空のファイルはデフォルト設定になるはずです: %v", err)
	}
}

// TestLoadFromEnvPath はSHASHIN_CONFIGからの読み込みをテストする
func TestLoadFromEnvPath(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), "server:\n  port: 7070\n")
	t.Setenv("SHASHIN_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("SHASHIN_CONFIGのファイルが読まれていません: got %d", cfg.Server.Port)
	}
}

// TestWatch はファイル変更時の再読み込みをテストする
func TestWatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	clearEnv(t)

	original := reloadDebounce
	reloadDebounce = 20 * time.Millisecond
	defer func() { reloadDebounce = original }()

	dir := t.TempDir()
	path := writeConfig(t, dir, "stream:\n  constraints:\n    video: true\n")

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) { reloaded <- cfg })
	}()

	// 監視の開始を待ってから書き換える
	time.Sleep(100 * time.Millisecond)

	// 検証に失敗する内容は無視される
	writeConfig(t, dir, "stream:\n  constraints:\n    video: false\n")
	select {
	case cfg := <-reloaded:
		t.Fatalf("不正な設定が通知されました: %+v", cfg.Stream.Constraints)
	case <-time.After(200 * time.Millisecond):
	}

	writeConfig(t, dir, "stream:\n  constraints:\n    video: true\n    frame_rate: 10\n")
	select {
	case cfg := <-reloaded:
		if cfg.Stream.Constraints.FrameRate != 10 {
			t.Errorf("新しい設定が反映されていません: %+v", cfg.Stream.Constraints)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("再読み込みが通知されませんでした")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watchがエラーを返しました: %v", err)
	}
}

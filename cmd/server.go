// Package main はShashinサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	// mediadevicesバックエンド用のV4L2ドライバを登録する
	_ "github.com/pion/mediadevices/pkg/driver/camera"

	"shashin/internal/config"
	"shashin/internal/log"
	"shashin/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		configPath = flag.String("config", "", "設定ファイル (デフォルト: $SHASHIN_CONFIG)")
		backend    = flag.String("backend", "", "カメラバックエンド: ffmpeg または mediadevices")
		device     = flag.String("device", "", "カメラデバイス (例: /dev/video0)")
		noAcquire  = flag.Bool("no-acquire", false, "起動時にカメラを開かない")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Shashin")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if *noAcquire {
		cfg.Stream.AutoAcquire = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "設定が無効です: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.Log.Level})
	logger := log.WithComponent("main")

	path := *configPath
	if path == "" {
		path = os.Getenv("SHASHIN_CONFIG")
	}
	srv := server.Build(cfg, path)

	// サーバーを起動
	logger.Info().Str("addr", cfg.ServerAddress()).Msg("Shashin サーバーを起動します")
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}

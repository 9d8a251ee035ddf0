package main

import (
	"context"
	"os"

	_ "github.com/pion/mediadevices/pkg/driver/camera"

	"shashin/internal/config"
	"shashin/internal/log"
	"shashin/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		logger := log.Base()
		logger.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}

	log.Configure(log.Config{Level: cfg.Log.Level})
	logger := log.WithComponent("main")

	// サーバーを作成
	srv := server.Build(cfg, os.Getenv("SHASHIN_CONFIG"))

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}

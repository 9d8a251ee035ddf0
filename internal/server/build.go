package server

import (
	"shashin/internal/camera"
	"shashin/internal/config"
	"shashin/internal/log"
	"shashin/internal/media"
	"shashin/internal/media/pion"
	"shashin/internal/surface"
)

// Build は設定のバックエンドでController、Surface、Serverを組み立てる
// mediadevicesバックエンドを使う場合、呼び出し側でドライバを登録しておく
func Build(cfg *config.Config, configPath string) *Server {
	var (
		platform media.Platform
		devices  DeviceLister
	)

	switch cfg.Camera.Backend {
	case config.BackendMediaDevices:
		p := pion.NewPlatform()
		platform, devices = p, MediaDevices(p)
	default:
		discovery := camera.NewLinuxDiscovery()
		platform = camera.NewPlatform(discovery, camera.Settings{
			FPS:          cfg.Camera.DefaultFPS,
			Width:        cfg.Camera.DefaultWidth,
			Height:       cfg.Camera.DefaultHeight,
			StartTimeout: cfg.Camera.StartTimeout,
		})
		devices = DiscoveryDevices(discovery)
	}

	ctrl := media.NewController(platform)
	surf := surface.New(ctrl, surface.SystemClipboard{},
		surface.WithJPEGQuality(cfg.Stream.JPEGQuality),
	)

	logger := log.WithComponent("server")
	logger.Info().
		Str("backend", cfg.Camera.Backend).
		Str("device", cfg.Camera.Device).
		Msg("カメラバックエンドを初期化しました")

	return New(cfg, ctrl, surf, WithDevices(devices), WithConfigPath(configPath))
}

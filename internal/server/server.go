package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shashin/internal/config"
	"shashin/internal/log"
	"shashin/internal/media"
	"shashin/internal/surface"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	configPath string
	ctrl       *media.Controller
	surface    *surface.Surface
	devices    DeviceLister
	hub        *eventHub
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option はServerの設定を変更する
type Option func(*Server)

// WithConfigPath は監視する設定ファイルを指定する
func WithConfigPath(path string) Option {
	return func(s *Server) {
		s.configPath = path
	}
}

// WithDevices はデバイス一覧の取得方法を指定する
func WithDevices(devices DeviceLister) Option {
	return func(s *Server) {
		s.devices = devices
	}
}

// New は新しいServerインスタンスを作成する
// ctrlとsurfはServerが所有し、Shutdownで閉じられる
func New(cfg *config.Config, ctrl *media.Controller, surf *surface.Surface, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		ctrl:    ctrl,
		surface: surf,
		devices: func(context.Context) ([]Device, error) { return nil, nil },
		logger:  log.WithComponent("server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = newEventHub(s.logger)
	surf.OnEvent(s.hub.broadcast)

	if cfg.Log.Level == "debug" || cfg.Log.Level == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/devices", s.handleDevices)
	api.POST("/stream", s.handleAcquire)
	api.DELETE("/stream", s.handleRelease)
	api.GET("/stream/preview", s.handlePreview)
	api.POST("/capture", s.handleCapture)
	api.GET("/capture", s.handleSnapshot)
	api.POST("/copy", s.handleCopy)
	api.GET("/events", s.handleEvents)
}

// requestLogger はリクエストをzerologで記録するミドルウェア
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("リクエストを処理しました")
	}
}

// Start はサーバーを起動する
// ctxのキャンセルかシグナルの受信でグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	var wg sync.WaitGroup
	if s.config.Stream.AutoAcquire {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acquire(ctx, s.config.StreamConstraints())
		}()
	}
	if s.configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.Watch(ctx, s.configPath, s.applyConfig); err != nil {
				s.logger.Warn().Err(err).Msg("設定ファイルを監視できません")
			}
		}()
	}

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	var startErr error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("シグナルを受信しました")
	case startErr = <-shutdownCh:
	}

	cancel()
	wg.Wait()

	// グレースフルシャットダウン
	if err := s.Shutdown(); err != nil {
		return err
	}
	return startErr
}

// acquire は制約でストリームを取得し、失敗はログに残す
func (s *Server) acquire(ctx context.Context, cons media.Constraints) {
	if _, err := s.ctrl.Acquire(ctx, cons); err != nil {
		s.logger.Warn().Err(err).Str("constraints", cons.Key()).Msg("ストリームを取得できませんでした")
	}
}

// applyConfig は再読み込みした設定を反映する
// 制約が変わった場合は取得し直す。Controllerが旧ストリームを先に解放する
func (s *Server) applyConfig(cfg *config.Config) {
	if cfg.ServerAddress() != s.config.ServerAddress() || cfg.Camera.Backend != s.config.Camera.Backend {
		s.logger.Warn().Msg("サーバーアドレスとカメラバックエンドの変更は再起動後に反映されます")
	}

	cons := cfg.StreamConstraints()
	state := s.ctrl.State()
	if cons == s.ctrl.Constraints() && state != media.StateIdle {
		return
	}
	if state == media.StateIdle && !cfg.Stream.AutoAcquire {
		return
	}

	s.logger.Info().Str("constraints", cons.Key()).Msg("新しい制約でストリームを取得し直します")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.acquire(ctx, cons)
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// プレビュー配信とWebSocketを閉じ、ストリームを解放してからHTTPサーバーを止める
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("サーバーをシャットダウンしています...")

		s.surface.Close()
		s.hub.close()
		s.ctrl.Close()

		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
			return
		}
		s.logger.Info().Msg("サーバーが正常にシャットダウンされました")
	})
	return s.shutdownErr
}

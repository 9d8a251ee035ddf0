package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"shashin/internal/log"
)

// reloadDebounce は連続した書き込みをまとめる待ち時間
var reloadDebounce = 300 * time.Millisecond

// Watch は設定ファイルの変更を監視し、読み込みに成功するたびにfnを呼ぶ
// ctxがキャンセルされるまで戻らない。検証に失敗した設定は無視される
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	logger := log.WithComponent("config")

	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// エディタの置き換え保存でも追えるようにディレクトリを監視する
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("設定ファイルの監視に失敗: %w", err)
	}
	logger.Info().Str("path", path).Msg("設定ファイルの監視を開始しました")

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("設定ファイルの監視を終了しました")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug().Str("op", event.Op.String()).Msg("設定ファイルが変更されました")

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Msg("設定の再読み込みに失敗しました。以前の設定を使い続けます")
				continue
			}
			logger.Info().Msg("設定を再読み込みしました")
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("ファイル監視でエラーが発生しました")
		}
	}
}

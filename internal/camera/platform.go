package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shashin/internal/log"
	"shashin/internal/media"
)

// Settings はカメラのデフォルト設定を表す
type Settings struct {
	FPS          int           // フレームレート
	Width        int           // 画像幅
	Height       int           // 画像高さ
	StartTimeout time.Duration // 最初のフレームを待つ時間。0なら10秒
}

// Platform はffmpeg経由でV4L2デバイスを開くmedia.Platform実装
type Platform struct {
	discovery    Discovery
	defaults     Settings
	startTimeout time.Duration
	logger       zerolog.Logger

	// テストで差し替える
	newStreamer func(device string, width, height, fps int) FrameStreamer
	openDevice  func(device string) error
}

// NewPlatform は新しいPlatformを作成する
func NewPlatform(discovery Discovery, defaults Settings) *Platform {
	startTimeout := defaults.StartTimeout
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}
	return &Platform{
		discovery:    discovery,
		defaults:     defaults,
		startTimeout: startTimeout,
		logger:       log.WithComponent("camera"),
		newStreamer: func(device string, width, height, fps int) FrameStreamer {
			return NewV4L2Capturer(device, width, height, fps)
		},
		openDevice: openDeviceFile,
	}
}

// GetUserMedia はデバイスを開き、最初のフレームが届いた時点でストリームを返す
func (p *Platform) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if c.Audio {
		return nil, &media.NamedError{Name: media.NameOverconstrained, Message: "音声トラックはサポートされていません"}
	}

	device := c.DeviceID
	if device == "" {
		devices, err := p.discovery.ScanDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
		}
		if len(devices) == 0 {
			return nil, &media.NamedError{Name: media.NameNotFound, Message: "カメラデバイスが見つかりません"}
		}
		device = devices[0]
	}

	if err := p.openDevice(device); err != nil {
		return nil, media.ClassifyOSError(err)
	}

	width := c.Width.Clamp(p.defaults.Width)
	height := c.Height.Clamp(p.defaults.Height)
	fps := c.FrameRate
	if fps <= 0 {
		fps = p.defaults.FPS
	}

	logger := p.logger.With().Str("device", device).Int("width", width).Int("height", height).Int("fps", fps).Logger()
	track := startVideoTrack(p.newStreamer(device, width, height, fps), device, logger)

	timer := time.NewTimer(p.startTimeout)
	defer timer.Stop()

	select {
	case <-track.firstFrame:
	case <-track.ended:
		err := track.endErr()
		_ = track.Stop()
		return nil, classifyStreamError(err)
	case <-timer.C:
		_ = track.Stop()
		return nil, &media.NamedError{Name: media.NameTrackStart, Message: fmt.Sprintf("%s から最初のフレームが届きませんでした", device)}
	case <-ctx.Done():
		_ = track.Stop()
		return nil, ctx.Err()
	}

	logger.Info().Str("track_id", track.ID()).Msg("カメラを開始しました")
	return media.NewStream(c, track), nil
}

// openDeviceFile はデバイスファイルを開けるか確認する
func openDeviceFile(device string) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// classifyStreamError はffmpegのエラーに名前を付ける
func classifyStreamError(err error) error {
	if err == nil {
		return &media.NamedError{Name: media.NameTrackStart, Message: "ストリームが開始できませんでした"}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &media.NamedError{Name: media.NameNotSupported, Message: "ffmpegが見つかりません", Err: err}
	}
	if classified := media.ClassifyOSError(err); classified != err {
		return classified
	}

	msg := strings.ToLower(err.Error())
	name := media.NameTrackStart
	switch {
	case strings.Contains(msg, "device or resource busy"):
		name = media.NameNotReadable
	case strings.Contains(msg, "permission denied"):
		name = media.NameNotAllowed
	case strings.Contains(msg, "no such file or directory"), strings.Contains(msg, "no such device"):
		name = media.NameNotFound
	case strings.Contains(msg, "invalid argument"), strings.Contains(msg, "not supported"):
		name = media.NameOverconstrained
	}
	return &media.NamedError{Name: name, Message: err.Error(), Err: err}
}

// videoTrack はffmpegのストリームを1つの映像トラックとして扱う
type videoTrack struct {
	id     string
	device string
	cancel context.CancelFunc
	logger zerolog.Logger

	firstFrame chan struct{}
	ended      chan struct{}

	mu       sync.Mutex
	latest   []byte
	seq      uint64
	notify   chan struct{}
	err      error
	gotFirst bool
	stopped  bool
}

// startVideoTrack はストリーミングを開始する
func startVideoTrack(streamer FrameStreamer, device string, logger zerolog.Logger) *videoTrack {
	ctx, cancel := context.WithCancel(context.Background())
	t := &videoTrack{
		id:         uuid.New().String(),
		device:     device,
		cancel:     cancel,
		logger:     logger,
		firstFrame: make(chan struct{}),
		ended:      make(chan struct{}),
		notify:     make(chan struct{}),
	}

	go func() {
		err := streamer.Stream(ctx, t.push)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.ended)
	}()

	return t
}

// push は新しいフレームを保存し、待機中のリーダーを起こす
func (t *videoTrack) push(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest = frame
	t.seq++
	close(t.notify)
	t.notify = make(chan struct{})

	if !t.gotFirst {
		t.gotFirst = true
		close(t.firstFrame)
	}
}

func (t *videoTrack) endErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ID はトラックIDを返す
func (t *videoTrack) ID() string { return t.id }

// Kind はトラックの種類を返す
func (t *videoTrack) Kind() media.TrackKind { return media.TrackKindVideo }

// Stop はffmpegを停止し、プロセスの終了を待つ
func (t *videoTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	t.cancel()
	select {
	case <-t.ended:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%s のストリーム停止がタイムアウトしました", t.device)
	}
	t.logger.Debug().Str("track_id", t.id).Msg("トラックを停止しました")
	return nil
}

// NewReader は新しいフレームごとにデコードした画像を返すリーダーを作成する
func (t *videoTrack) NewReader() media.FrameReader {
	return &jpegReader{track: t}
}

type jpegReader struct {
	track   *videoTrack
	lastSeq uint64
}

// Read は次のフレームが届くまで待ち、JPEGをデコードして返す
func (r *jpegReader) Read() (image.Image, func(), error) {
	t := r.track
	for {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return nil, nil, errors.New("トラックは停止済みです")
		}
		if t.seq != r.lastSeq && t.latest != nil {
			frame := t.latest
			r.lastSeq = t.seq
			t.mu.Unlock()

			img, err := jpeg.Decode(bytes.NewReader(frame))
			if err != nil {
				// 壊れたフレームは読み飛ばす
				t.logger.Debug().Err(err).Msg("JPEG画像のデコードに失敗しました")
				continue
			}
			return img, func() {}, nil
		}
		notify := t.notify
		t.mu.Unlock()

		select {
		case <-notify:
		case <-t.ended:
			if err := t.endErr(); err != nil {
				return nil, nil, err
			}
			return nil, nil, errors.New("ストリームが終了しました")
		}
	}
}

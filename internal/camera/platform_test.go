package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"shashin/internal/media"
)

// fakeStreamer は一定間隔でJPEGフレームを送る
type fakeStreamer struct {
	frame    []byte
	interval time.Duration
	failWith error
	started  chan string
	device   string
	width    int
	height   int
}

func (s *fakeStreamer) Stream(ctx context.Context, onFrame func([]byte)) error {
	if s.started != nil {
		s.started <- fmt.Sprintf("%s %dx%d", s.device, s.width, s.height)
	}
	if s.failWith != nil {
		return s.failWith
	}
	if s.frame == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		onFrame(s.frame)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newTestPlatform(t *testing.T, streamer *fakeStreamer, devices ...string) *Platform {
	t.Helper()
	p := NewPlatform(NewMockDiscovery(devices), Settings{FPS: 30, Width: 640, Height: 480})
	p.startTimeout = time.Second
	p.openDevice = func(string) error { return nil }
	p.newStreamer = func(device string, width, height, fps int) FrameStreamer {
		s := *streamer
		s.device, s.width, s.height = device, width, height
		return &s
	}
	return p
}

func nameOf(t *testing.T, err error) string {
	t.Helper()
	var named *media.NamedError
	require.True(t, errors.As(err, &named), "名前付きエラーではありません: %v", err)
	return named.Name
}

func TestPlatform_GetUserMedia(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan string, 1)
	p := newTestPlatform(t, &fakeStreamer{frame: testJPEG(t, 32, 24), interval: 5 * time.Millisecond, started: started}, "/dev/video0", "/dev/video2")

	c := media.Constraints{Video: true, Width: media.Range{Min: 320, Ideal: 1280, Max: 800}}
	stream, err := p.GetUserMedia(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, stream)

	// 最初のデバイスと、範囲内に収めたサイズで開始される
	assert.Equal(t, "/dev/video0 800x480", <-started)

	videos := stream.VideoTracks()
	require.Len(t, videos, 1)
	assert.Equal(t, media.TrackKindVideo, videos[0].Kind())

	reader := videos[0].NewReader()
	img, release, err := reader.Read()
	require.NoError(t, err)
	release()
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

	require.NoError(t, videos[0].Stop())
	require.NoError(t, videos[0].Stop(), "2回目のStopはno-op")

	_, _, err = reader.Read()
	assert.Error(t, err, "停止後の読み取りはエラーになる")
}

func TestPlatform_DeviceID(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan string, 1)
	p := newTestPlatform(t, &fakeStreamer{frame: testJPEG(t, 8, 8), interval: 5 * time.Millisecond, started: started})

	stream, err := p.GetUserMedia(context.Background(), media.Constraints{Video: true, DeviceID: "/dev/video4"})
	require.NoError(t, err)
	assert.Equal(t, "/dev/video4 640x480", <-started)

	for _, track := range stream.Tracks() {
		require.NoError(t, track.Stop())
	}
}

func TestPlatform_RejectsAudio(t *testing.T) {
	p := newTestPlatform(t, &fakeStreamer{}, "/dev/video0")

	_, err := p.GetUserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.Error(t, err)
	assert.Equal(t, media.NameOverconstrained, nameOf(t, err))
}

func TestPlatform_NoDevices(t *testing.T) {
	p := newTestPlatform(t, &fakeStreamer{})

	_, err := p.GetUserMedia(context.Background(), media.Constraints{Video: true})
	require.Error(t, err)
	assert.Equal(t, media.NameNotFound, nameOf(t, err))
}

func TestPlatform_OpenDeviceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"権限なし", &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EACCES}, media.NameNotAllowed},
		{"存在しない", &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.ENOENT}, media.NameNotFound},
		{"使用中", &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EBUSY}, media.NameNotReadable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlatform(t, &fakeStreamer{}, "/dev/video0")
			p.openDevice = func(string) error { return tt.err }

			_, err := p.GetUserMedia(context.Background(), media.Constraints{Video: true})
			require.Error(t, err)
			assert.Equal(t, tt.want, nameOf(t, err))
		})
	}
}

func TestPlatform_OpenDeviceFile(t *testing.T) {
	err := openDeviceFile(t.TempDir() + "/video99")
	require.Error(t, err)
	assert.Equal(t, media.NameNotFound, nameOf(t, media.ClassifyOSError(err)))

	path := t.TempDir() + "/video0"
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	assert.NoError(t, openDeviceFile(path))
}

func TestPlatform_StreamFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"使用中", errors.New("ffmpegが異常終了しました: exit status 1 (stderr: /dev/video0: Device or resource busy)"), media.NameNotReadable},
		{"非対応サイズ", errors.New("ffmpegが異常終了しました: exit status 1 (stderr: ioctl(VIDIOC_S_FMT): Invalid argument)"), media.NameOverconstrained},
		{"ffmpegなし", fmt.Errorf("ffmpegの起動に失敗: %w", exec.ErrNotFound), media.NameNotSupported},
		{"その他", errors.New("ffmpegが終了しました"), media.NameTrackStart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlatform(t, &fakeStreamer{failWith: tt.err}, "/dev/video0")

			_, err := p.GetUserMedia(context.Background(), media.Constraints{Video: true})
			require.Error(t, err)
			assert.Equal(t, tt.want, nameOf(t, err))
		})
	}
}

func TestPlatform_FirstFrameTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newTestPlatform(t, &fakeStreamer{}, "/dev/video0")
	p.startTimeout = 20 * time.Millisecond

	_, err := p.GetUserMedia(context.Background(), media.Constraints{Video: true})
	require.Error(t, err)
	assert.Equal(t, media.NameTrackStart, nameOf(t, err))
}

func TestPlatform_ContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newTestPlatform(t, &fakeStreamer{}, "/dev/video0")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.GetUserMedia(ctx, media.Constraints{Video: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

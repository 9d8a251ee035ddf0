package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// FrameStreamer はJPEGフレームを連続して取得する
type FrameStreamer interface {
	// Stream はctxがキャンセルされるかエラーが起きるまでonFrameを呼び続ける
	Stream(ctx context.Context, onFrame func(frame []byte)) error
}

// V4L2Capturer はffmpegを使ってV4L2デバイスからMJPEGフレームを取得する
type V4L2Capturer struct {
	devicePath string
	width      int
	height     int
	fps        int
	ffmpegPath string
}

// NewV4L2Capturer は新しいV4L2Capturerを作成する
func NewV4L2Capturer(devicePath string, width, height, fps int) *V4L2Capturer {
	return &V4L2Capturer{
		devicePath: devicePath,
		width:      width,
		height:     height,
		fps:        fps,
		ffmpegPath: "ffmpeg",
	}
}

// IsDeviceAvailable はV4L2デバイスが利用可能かチェックする
func (c *V4L2Capturer) IsDeviceAvailable(ctx context.Context) bool {
	// v4l2-ctlコマンドでデバイス情報を取得して確認
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", c.devicePath, "--info")
	return cmd.Run() == nil
}

// args はffmpegの引数を組み立てる
func (c *V4L2Capturer) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
		"-r", strconv.Itoa(c.fps),
		"-i", c.devicePath,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	}
}

// Stream はffmpegを起動してフレームを読み取る
func (c *V4L2Capturer) Stream(ctx context.Context, onFrame func(frame []byte)) error {
	cmd := exec.CommandContext(ctx, c.ffmpegPath, c.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	readErr := readJPEGFrames(ctx, stdout, onFrame)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return fmt.Errorf("フレーム読み取りエラー: %w", readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpegが異常終了しました: %w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String()))
	}
	return fmt.Errorf("ffmpegが終了しました (stderr: %s)", strings.TrimSpace(stderr.String()))
}

// readJPEGFrames はrからJPEGフレームを切り出してonFrameに渡す
func readJPEGFrames(ctx context.Context, r io.Reader, onFrame func(frame []byte)) error {
	buffer := make([]byte, 256*1024)
	var frameBuffer bytes.Buffer

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buffer)
		if n > 0 {
			frameBuffer.Write(buffer[:n])
			for _, frame := range splitJPEG(&frameBuffer) {
				onFrame(frame)
			}
		}
		if err != nil {
			return err
		}
	}
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// splitJPEG はバッファから完全なJPEGフレームを取り出す
// 未完成のフレームはバッファに残る
func splitJPEG(buf *bytes.Buffer) [][]byte {
	var frames [][]byte
	data := buf.Bytes()

	for {
		// JPEGの開始マーカー（FF D8）を探す
		startIdx := bytes.Index(data, jpegStart)
		if startIdx == -1 {
			// 末尾の0xFFはマーカーの前半かもしれないので残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				data = data[len(data)-1:]
			} else {
				data = nil
			}
			break
		}

		// JPEGの終了マーカー（FF D9）を探す
		endIdx := bytes.Index(data[startIdx+2:], jpegEnd)
		if endIdx == -1 {
			// 完全なフレームがまだない
			data = data[startIdx:]
			break
		}

		endIdx += startIdx + 2 + 2 // マーカーのサイズを含める
		frame := make([]byte, endIdx-startIdx)
		copy(frame, data[startIdx:endIdx])
		frames = append(frames, frame)

		data = data[endIdx:]
	}

	remaining := append([]byte(nil), data...)
	buf.Reset()
	buf.Write(remaining)
	return frames
}

// tailBuffer は末尾limitバイトだけを保持するWriter
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

package camera

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

func jpegBytes(payload ...byte) []byte {
	frame := []byte{0xFF, 0xD8}
	frame = append(frame, payload...)
	return append(frame, 0xFF, 0xD9)
}

func TestSplitJPEG(t *testing.T) {
	var buf bytes.Buffer
	first := jpegBytes(1, 2, 3)
	second := jpegBytes(4, 5)

	buf.Write([]byte{0x00, 0x01}) // ゴミデータ
	buf.Write(first)
	buf.Write(second)
	buf.Write([]byte{0xFF, 0xD8, 9}) // 未完成のフレーム

	frames := splitJPEG(&buf)
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], first) || !bytes.Equal(frames[1], second) {
		t.Errorf("Unexpected frames: %v", frames)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0xFF, 0xD8, 9}) {
		t.Errorf("Expected incomplete frame to remain, got %v", buf.Bytes())
	}

	// 残りを書き足すとフレームが完成する
	buf.Write([]byte{0xFF, 0xD9})
	frames = splitJPEG(&buf)
	if len(frames) != 1 || !bytes.Equal(frames[0], jpegBytes(9)) {
		t.Errorf("Expected completed frame, got %v", frames)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected empty buffer, got %d bytes", buf.Len())
	}
}

func TestSplitJPEG_SplitMarker(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x10, 0xFF})

	if frames := splitJPEG(&buf); len(frames) != 0 {
		t.Fatalf("Expected no frames, got %d", len(frames))
	}
	if !bytes.Equal(buf.Bytes(), []byte{0xFF}) {
		t.Fatalf("Expected trailing 0xFF to remain, got %v", buf.Bytes())
	}

	buf.Write([]byte{0xD8, 7, 0xFF, 0xD9})
	frames := splitJPEG(&buf)
	if len(frames) != 1 || !bytes.Equal(frames[0], jpegBytes(7)) {
		t.Errorf("Expected frame across marker boundary, got %v", frames)
	}
}

// chunkReader はデータを小分けにして返す
type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(r.data) {
		n = len(r.data)
	}
	n = copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadJPEGFrames(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, jpegBytes(byte(i), byte(i+1))...)
	}

	var got [][]byte
	err := readJPEGFrames(context.Background(), &chunkReader{data: stream, chunk: 3}, func(frame []byte) {
		got = append(got, frame)
	})
	if err != io.EOF {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Expected 5 frames, got %d", len(got))
	}
	for i, frame := range got {
		if !bytes.Equal(frame, jpegBytes(byte(i), byte(i+1))) {
			t.Errorf("Frame %d mismatch: %v", i, frame)
		}
	}
}

func TestReadJPEGFrames_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := readJPEGFrames(ctx, &chunkReader{data: jpegBytes(1)}, func([]byte) {
		t.Error("Expected no frames after cancel")
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestV4L2Capturer_Args(t *testing.T) {
	c := NewV4L2Capturer("/dev/video2", 1280, 720, 15)
	args := strings.Join(c.args(), " ")

	for _, want := range []string{"-f v4l2", "-video_size 1280x720", "-r 15", "-i /dev/video2", "-f image2pipe", "-c:v mjpeg"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected args to contain %q, got %q", want, args)
		}
	}
	if !strings.HasSuffix(args, " -") {
		t.Errorf("Expected output to stdout, got %q", args)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))

	if got := tb.String(); got != "456789ab" {
		t.Errorf("Expected last 8 bytes, got %q", got)
	}
}

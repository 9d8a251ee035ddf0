package surface

import (
	"errors"

	"github.com/atotto/clipboard"
)

// ErrClipboardUnsupported はクリップボードが使えない環境で返される
var ErrClipboardUnsupported = errors.New("surface: clipboard is not supported on this system")

// Clipboard はテキストを書き込めるクリップボード
type Clipboard interface {
	WriteText(text string) error
}

// ClipboardFunc は関数をClipboardとして使うためのアダプタ
type ClipboardFunc func(text string) error

// WriteText はClipboardを実装する
func (f ClipboardFunc) WriteText(text string) error { return f(text) }

// SystemClipboard はOSのクリップボードに書き込む
// Linuxではxclip、xsel、wl-copyのいずれかが必要
type SystemClipboard struct{}

// WriteText はClipboardを実装する
func (SystemClipboard) WriteText(text string) error {
	if clipboard.Unsupported {
		return ErrClipboardUnsupported
	}
	return clipboard.WriteAll(text)
}

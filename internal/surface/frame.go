package surface

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/google/uuid"
)

// DataURLPrefix はキャプチャ画像のdata URLの接頭辞
const DataURLPrefix = "data:image/png;base64,"

// CapturedFrame はキャプチャした静止画
// 一度作られたら変更されず、次のキャプチャで置き換えられる
type CapturedFrame struct {
	ID         string    `json:"id"`
	DataURL    string    `json:"data_url"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// EncodeDataURL は画像をPNGのdata URLに変換する
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("PNGエンコードに失敗: %w", err)
	}
	return DataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func newCapturedFrame(img image.Image, at time.Time) (CapturedFrame, error) {
	dataURL, err := EncodeDataURL(img)
	if err != nil {
		return CapturedFrame{}, err
	}
	b := img.Bounds()
	return CapturedFrame{
		ID:         uuid.New().String(),
		DataURL:    dataURL,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: at,
	}, nil
}

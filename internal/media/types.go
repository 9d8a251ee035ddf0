package media

import (
	"context"
	"fmt"
	"image"
	"time"
)

// State は取得コントローラーの状態を表す
type State int

const (
	StateIdle       State = iota // ストリームなし
	StateRequesting              // 取得要求中
	StateLive                    // ストリーム取得済み
	StateFailed                  // 取得に失敗
)

// String は状態名を返す
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateLive:
		return "live"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText はJSONなどで状態名を出力する
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Range は数値制約の範囲。0は未指定を表す
type Range struct {
	Min   int `json:"min,omitempty" yaml:"min"`
	Ideal int `json:"ideal,omitempty" yaml:"ideal"`
	Max   int `json:"max,omitempty" yaml:"max"`
}

// Clamp は理想値を範囲内に収めて返す。理想値がなければfallbackを使う
func (r Range) Clamp(fallback int) int {
	v := r.Ideal
	if v == 0 {
		v = fallback
	}
	if r.Min > 0 && v < r.Min {
		v = r.Min
	}
	if r.Max > 0 && v > r.Max {
		v = r.Max
	}
	return v
}

// Constraints は要求するメディア特性を表す
// 値として比較され、変化した場合のみ再取得が行われる
type Constraints struct {
	Audio      bool   `json:"audio" yaml:"audio"`
	Video      bool   `json:"video" yaml:"video"`
	Width      Range  `json:"width" yaml:"width"`
	Height     Range  `json:"height" yaml:"height"`
	FacingMode string `json:"facing_mode,omitempty" yaml:"facing_mode"` // "user" または "environment"
	DeviceID   string `json:"device_id,omitempty" yaml:"device_id"`
	FrameRate  int    `json:"frame_rate,omitempty" yaml:"frame_rate"`
}

// Key は制約の安定した文字列表現を返す
func (c Constraints) Key() string {
	return fmt.Sprintf("%+v", c)
}

// Validate は制約の妥当性を検証する
func (c Constraints) Validate() error {
	if !c.Audio && !c.Video {
		return fmt.Errorf("audioとvideoのどちらかを要求する必要があります")
	}
	for name, r := range map[string]Range{"width": c.Width, "height": c.Height} {
		if r.Min < 0 || r.Ideal < 0 || r.Max < 0 {
			return fmt.Errorf("%s に負の値は指定できません", name)
		}
		if r.Min > 0 && r.Max > 0 && r.Min > r.Max {
			return fmt.Errorf("%s の範囲が無効: min=%d max=%d", name, r.Min, r.Max)
		}
	}
	switch c.FacingMode {
	case "", "user", "environment":
	default:
		return fmt.Errorf("無効なfacing_mode: %s", c.FacingMode)
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("無効なフレームレート: %d", c.FrameRate)
	}
	return nil
}

// TrackKind はトラックの種類
type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// Track はストリーム内の1つのメディアチャンネル
// Stopを呼ぶまでハードウェアを占有する
type Track interface {
	ID() string
	Kind() TrackKind
	Stop() error
}

// FrameReader は映像トラックからフレームを読み出す
// releaseはフレームを使い終えた時に呼ぶ
type FrameReader interface {
	Read() (img image.Image, release func(), err error)
}

// VideoTrack はフレームを読み出せるトラック
type VideoTrack interface {
	Track
	NewReader() FrameReader
}

// Platform はホスト環境が提供するメディア取得機能
type Platform interface {
	// GetUserMedia は制約に合うストリームを取得する
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// PlatformFunc は関数をPlatformとして扱うアダプタ
type PlatformFunc func(ctx context.Context, c Constraints) (*Stream, error)

// GetUserMedia はfを呼び出す
func (f PlatformFunc) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	return f(ctx, c)
}

// streamInfo はStreamの公開用スナップショット
type streamInfo struct {
	ID          string      `json:"id"`
	Constraints Constraints `json:"constraints"`
	AcquiredAt  time.Time   `json:"acquired_at"`
	Tracks      []trackInfo `json:"tracks"`
}

type trackInfo struct {
	ID   string    `json:"id"`
	Kind TrackKind `json:"kind"`
}

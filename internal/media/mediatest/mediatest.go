// Package mediatest はmediaパッケージのテスト用プラットフォームとトラックを提供する
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"shashin/internal/media"
)

// ErrTrackStopped は停止済みトラックからの読み出しで返される
var ErrTrackStopped = errors.New("mediatest: track stopped")

// Recorder はイベントを順番に記録する
type Recorder struct {
	mu     sync.Mutex
	events []string
}

// Record はイベントを追加する
func (r *Recorder) Record(event string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events は記録されたイベントのコピーを返す
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Track はStop回数を数えるトラック
type Track struct {
	id        string
	kind      media.TrackKind
	recorder  *Recorder
	stops     atomic.Int32
	done      chan struct{}
	frameSize image.Point
	interval  time.Duration
}

// NewTrack は新しいTrackを作成する
func NewTrack(kind media.TrackKind, recorder *Recorder) *Track {
	return &Track{
		id:        uuid.New().String(),
		kind:      kind,
		recorder:  recorder,
		done:      make(chan struct{}),
		frameSize: image.Pt(64, 48),
		interval:  2 * time.Millisecond,
	}
}

// ID はトラックIDを返す
func (t *Track) ID() string { return t.id }

// Kind はトラックの種類を返す
func (t *Track) Kind() media.TrackKind { return t.kind }

// Stop はトラックを停止する。呼ばれた回数を記録する
func (t *Track) Stop() error {
	if t.stops.Add(1) == 1 {
		close(t.done)
	}
	t.recorder.Record("stop:" + t.id)
	return nil
}

// StopCount はStopが呼ばれた回数を返す
func (t *Track) StopCount() int {
	return int(t.stops.Load())
}

// Stopped はトラックが停止済みかを返す
func (t *Track) Stopped() bool {
	return t.StopCount() > 0
}

// NewReader はテストパターンの画像を返し続けるリーダーを作成する
func (t *Track) NewReader() media.FrameReader {
	return &reader{track: t}
}

type reader struct {
	track *Track
	n     uint8
}

// Read は停止されるまで一定間隔で単色画像を返す
func (r *reader) Read() (image.Image, func(), error) {
	select {
	case <-r.track.done:
		return nil, nil, ErrTrackStopped
	case <-time.After(r.track.interval):
	}

	r.n++
	img := image.NewRGBA(image.Rect(0, 0, r.track.frameSize.X, r.track.frameSize.Y))
	c := color.RGBA{R: r.n, G: 128, B: 255 - r.n, A: 255}
	for y := 0; y < r.track.frameSize.Y; y++ {
		for x := 0; x < r.track.frameSize.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, func() {}, nil
}

// Platform は記録付きの偽プラットフォーム
type Platform struct {
	Recorder *Recorder

	// Requested は要求が届くたびに要求番号を受け取る
	Requested chan int

	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	streams []*media.Stream
	tracks  []*Track
}

// NewPlatform は新しいPlatformを作成する
func NewPlatform() *Platform {
	return &Platform{
		Recorder:  &Recorder{},
		Requested: make(chan int, 64),
	}
}

// FailWith は以降の要求をerrで失敗させる。nilで成功に戻す
func (p *Platform) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Hold は以降の要求をReleaseHeldまで保留する
func (p *Platform) Hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
}

// ReleaseHeld は保留中の要求を全て解決させる
func (p *Platform) ReleaseHeld() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

// Calls はプラットフォームへの要求回数を返す
func (p *Platform) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Tracks はこれまでに作成した全トラックを返す
func (p *Platform) Tracks() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Track(nil), p.tracks...)
}

// Streams はこれまでに作成した全ストリームを返す
func (p *Platform) Streams() []*media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Stream(nil), p.streams...)
}

// GetUserMedia はmedia.Platformを実装する
func (p *Platform) GetUserMedia(_ context.Context, c media.Constraints) (*media.Stream, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	gate := p.gate
	p.mu.Unlock()

	p.Recorder.Record(fmt.Sprintf("request:%d", n))
	select {
	case p.Requested <- n:
	default:
	}

	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}

	var tracks []media.Track
	if c.Video {
		t := NewTrack(media.TrackKindVideo, p.Recorder)
		p.tracks = append(p.tracks, t)
		tracks = append(tracks, t)
	}
	if c.Audio {
		t := NewTrack(media.TrackKindAudio, p.Recorder)
		p.tracks = append(p.tracks, t)
		tracks = append(tracks, t)
	}
	stream := media.NewStream(c, tracks...)
	p.streams = append(p.streams, stream)
	return stream, nil
}

package surface

import (
	"bytes"
	"errors"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shashin/internal/media"
)

// ErrNoVideoTrack はストリームに映像トラックがない場合に返される
var ErrNoVideoTrack = errors.New("surface: stream has no video track")

// defaultCloseWait はCloseが読み取りゴルーチンを待つ上限
const defaultCloseWait = 2 * time.Second

// Preview はストリームの最初の映像トラックを表示する
// ストリームは借りているだけで、トラックを停止しない
type Preview struct {
	logger   zerolog.Logger
	quality  int
	onChange func(Readiness) // p.muを保持したまま呼ばれる

	closeWait time.Duration

	mu        sync.Mutex
	readiness Readiness
	gen       uint64
	streamID  string
	stop      chan struct{}
	frame     *image.RGBA
	subs      map[uint64]chan []byte
	nextSub   uint64
	closed    bool

	wg sync.WaitGroup
}

// NewPreview は新しいPreviewを作成する
// onChangeは準備状態が変わるたびに呼ばれ、Previewのメソッドを呼んではならない
func NewPreview(logger zerolog.Logger, quality int, onChange func(Readiness)) *Preview {
	if onChange == nil {
		onChange = func(Readiness) {}
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Preview{
		logger:   logger,
		quality:  quality,
		onChange: onChange,
		subs:     make(map[uint64]chan []byte),

		closeWait: defaultCloseWait,
	}
}

// Bind はストリームを割り当て、フレームの読み取りを開始する
// 同じストリームが割り当て済みなら何もしない
func (p *Preview) Bind(stream *media.Stream) error {
	if stream == nil {
		p.Unbind()
		return nil
	}
	videos := stream.VideoTracks()
	if len(videos) == 0 {
		p.Unbind()
		return ErrNoVideoTrack
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.stop != nil && p.streamID == stream.ID() {
		return nil
	}

	p.detachLocked()
	stop := make(chan struct{})
	p.stop = stop
	p.streamID = stream.ID()
	p.setReadinessLocked(ReadinessLoading)

	reader := videos[0].NewReader()
	p.wg.Add(1)
	go p.run(p.gen, stop, reader)

	p.logger.Debug().Str("stream_id", stream.ID()).Str("track_id", videos[0].ID()).Msg("プレビューを開始しました")
	return nil
}

// Unbind はストリームの割り当てを解除する
func (p *Preview) Unbind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detachLocked()
	p.setReadinessLocked(ReadinessNotStarted)
}

// Readiness は現在の準備状態を返す
func (p *Preview) Readiness() Readiness {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readiness
}

// Frame は最新のフレームを返す。返した画像は変更されない
func (p *Preview) Frame() (image.Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame == nil {
		return nil, false
	}
	return p.frame, true
}

// Subscribe はJPEGエンコードしたフレームを受け取るチャンネルを返す
// 受信が遅れると古いフレームから捨てられる
func (p *Preview) Subscribe() (<-chan []byte, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan []byte, 2)
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
		})
	}
}

// Close は割り当てを解除し、読み取りゴルーチンの終了を待つ
// Readが返らない場合は上限まで待って戻る。残ったゴルーチンはトラックの停止で終了する
func (p *Preview) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.detachLocked()
	p.setReadinessLocked(ReadinessNotStarted)
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.closeWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn().Dur("wait", p.closeWait).Msg("フレームの読み取りが返らないため待機を打ち切りました")
	}
}

// detachLocked は読み取りゴルーチンを切り離す（ロック済み前提）
func (p *Preview) detachLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.gen++
	p.streamID = ""
	p.frame = nil
}

func (p *Preview) setReadinessLocked(r Readiness) {
	if p.readiness == r {
		return
	}
	p.readiness = r
	p.onChange(r)
}

// run はトラックからフレームを読み続ける
func (p *Preview) run(gen uint64, stop <-chan struct{}, reader media.FrameReader) {
	defer p.wg.Done()

	for {
		img, release, err := reader.Read()
		select {
		case <-stop:
			if release != nil {
				release()
			}
			return
		default:
		}

		if err != nil {
			p.mu.Lock()
			if p.gen == gen {
				p.logger.Debug().Err(err).Msg("トラックの読み取りが終了しました")
				p.detachLocked()
				p.setReadinessLocked(ReadinessNotStarted)
			}
			p.mu.Unlock()
			return
		}

		frame := cloneRGBA(img)
		if release != nil {
			release()
		}

		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		p.frame = frame
		p.setReadinessLocked(ReadinessReady)
		hasSubs := len(p.subs) > 0
		p.mu.Unlock()

		if hasSubs {
			p.broadcast(gen, frame)
		}
	}
}

// broadcast はフレームをJPEGにして購読者へ送る
func (p *Preview) broadcast(gen uint64, frame *image.RGBA) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: p.quality}); err != nil {
		p.logger.Warn().Err(err).Msg("JPEGエンコードに失敗しました")
		return
	}
	data := buf.Bytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- data:
		default:
			// チャンネルがフルの場合は古いフレームを破棄
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	}
}

// cloneRGBA はリーダーのバッファから切り離したコピーを作る
func cloneRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

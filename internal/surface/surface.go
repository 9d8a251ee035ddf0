package surface

import (
	"errors"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shashin/internal/log"
	"shashin/internal/media"
	"shashin/internal/metrics"
)

var (
	// ErrNotReady はストリームがLiveでないか、プレビューの準備ができていない場合に返される
	ErrNotReady = errors.New("surface: preview is not ready for capture")

	// ErrNoSnapshot はコピーする静止画がない場合に返される
	ErrNoSnapshot = errors.New("surface: no captured frame to copy")
)

// EventType はイベントの種類
type EventType string

const (
	EventState     EventType = "state"
	EventReadiness EventType = "readiness"
	EventError     EventType = "error"
	EventCapture   EventType = "capture"
)

// Event はUIに通知する状態の変化
type Event struct {
	Type       EventType               `json:"type"`
	State      media.State             `json:"state"`
	Readiness  Readiness               `json:"readiness"`
	CanCapture bool                    `json:"can_capture"`
	CanCopy    bool                    `json:"can_copy"`
	Error      *media.AcquisitionError `json:"error,omitempty"`
	Frame      *CapturedFrame          `json:"frame,omitempty"`
}

// Option はSurfaceの設定を変更する
type Option func(*Surface)

// WithLogger はロガーを差し替える
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Surface) {
		s.logger = logger
	}
}

// WithJPEGQuality はプレビュー配信のJPEG品質を設定する
func WithJPEGQuality(quality int) Option {
	return func(s *Surface) {
		s.quality = quality
	}
}

// Surface はプレビュー、キャプチャ、コピーをまとめる
type Surface struct {
	ctrl      *media.Controller
	clipboard Clipboard
	preview   *Preview
	logger    zerolog.Logger
	quality   int
	now       func() time.Time

	mu          sync.Mutex
	snapshot    *CapturedFrame
	lastErr     *media.AcquisitionError
	handlers    []func(Event)
	events      []Event
	dispatching bool
	closed      bool

	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	copies sync.WaitGroup
}

// New はctrlのストリームを表示するSurfaceを作成する
// clipboardがnilの場合はOSのクリップボードを使う
func New(ctrl *media.Controller, clipboard Clipboard, opts ...Option) *Surface {
	if clipboard == nil {
		clipboard = SystemClipboard{}
	}
	s := &Surface{
		ctrl:        ctrl,
		clipboard:   clipboard,
		logger:      log.WithComponent("surface"),
		quality:     jpeg.DefaultQuality,
		now:         time.Now,
		dispatching: true,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.preview = NewPreview(s.logger, s.quality, s.readinessChanged)

	go s.dispatch()

	ctrl.OnChange(s.stateChanged)
	ctrl.OnError(s.acquisitionFailed)
	if stream := ctrl.Current(); stream != nil {
		s.bind(stream)
	}
	return s
}

// Preview はプレビューを返す
func (s *Surface) Preview() *Preview {
	return s.preview
}

// Readiness はプレビューの準備状態を返す
func (s *Surface) Readiness() Readiness {
	return s.preview.Readiness()
}

// CanCapture はキャプチャできるかを返す
func (s *Surface) CanCapture() bool {
	return s.ctrl.State() == media.StateLive && s.preview.Readiness() == ReadinessReady
}

// Capture は現在のフレームをPNGの静止画として保存する
func (s *Surface) Capture() (CapturedFrame, error) {
	frame, err := s.capture()
	metrics.ObserveResult(metrics.CapturesTotal, err)
	if err != nil {
		return CapturedFrame{}, err
	}

	s.logger.Info().Str("frame_id", frame.ID).Int("width", frame.Width).Int("height", frame.Height).Msg("静止画をキャプチャしました")
	s.emit(Event{Type: EventCapture, Frame: &frame})
	return frame, nil
}

func (s *Surface) capture() (CapturedFrame, error) {
	if !s.CanCapture() {
		return CapturedFrame{}, ErrNotReady
	}
	img, ok := s.preview.Frame()
	if !ok {
		return CapturedFrame{}, ErrNotReady
	}
	frame, err := newCapturedFrame(img, s.now())
	if err != nil {
		return CapturedFrame{}, err
	}

	s.mu.Lock()
	s.snapshot = &frame
	s.mu.Unlock()
	return frame, nil
}

// Snapshot は直近のキャプチャを返す
func (s *Surface) Snapshot() (CapturedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return CapturedFrame{}, false
	}
	return *s.snapshot, true
}

// CanCopy はLiveの間にコピーできる静止画があるかを返す
// Live以外では静止画を残したままコピーだけを無効にする
func (s *Surface) CanCopy() bool {
	if s.ctrl.State() != media.StateLive {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot != nil
}

// Copy は直近のキャプチャのdata URLをクリップボードに書き込む
// 書き込みは待たずに戻り、失敗はログに残すだけ
func (s *Surface) Copy() error {
	if s.ctrl.State() != media.StateLive {
		return ErrNotReady
	}
	s.mu.Lock()
	if s.snapshot == nil {
		s.mu.Unlock()
		return ErrNoSnapshot
	}
	frame := *s.snapshot
	s.copies.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.copies.Done()
		err := s.clipboard.WriteText(frame.DataURL)
		metrics.ObserveResult(metrics.ClipboardWritesTotal, err)
		if err != nil {
			s.logger.Warn().Err(err).Str("frame_id", frame.ID).Msg("クリップボードへの書き込みに失敗しました")
			return
		}
		s.logger.Debug().Str("frame_id", frame.ID).Int("bytes", len(frame.DataURL)).Msg("クリップボードにコピーしました")
	}()
	return nil
}

// LastError は直近の取得エラーを返す
func (s *Surface) LastError() *media.AcquisitionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnEvent はイベントハンドラを登録する
// ハンドラは1つのゴルーチンから順番に呼ばれる
func (s *Surface) OnEvent(handler func(Event)) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Close はプレビューを止め、イベント配送を終了する
// ストリームはControllerのものなので解放しない
func (s *Surface) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.preview.Close()
	s.copies.Wait()

	s.mu.Lock()
	s.dispatching = false
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}

func (s *Surface) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stateChanged はControllerの状態遷移を受け取る
func (s *Surface) stateChanged(state media.State, stream *media.Stream) {
	if s.isClosed() {
		return
	}
	if state == media.StateLive {
		s.mu.Lock()
		s.lastErr = nil
		s.mu.Unlock()
	}

	s.emit(Event{
		Type:      EventState,
		State:     state,
		Readiness: s.preview.Readiness(),
	})

	if state == media.StateLive && stream != nil {
		s.bind(stream)
		return
	}
	s.preview.Unbind()
}

func (s *Surface) bind(stream *media.Stream) {
	if err := s.preview.Bind(stream); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", stream.ID()).Msg("プレビューを開始できません")
	}
}

func (s *Surface) acquisitionFailed(err *media.AcquisitionError) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.emit(Event{Type: EventError, State: s.ctrl.State(), Error: err})
}

// readinessChanged はPreviewのロックを保持したまま呼ばれる
func (s *Surface) readinessChanged(r Readiness) {
	state := s.ctrl.State()
	s.emit(Event{
		Type:       EventReadiness,
		State:      state,
		Readiness:  r,
		CanCapture: state == media.StateLive && r == ReadinessReady,
	})
}

// emit はイベントをキューに積む
func (s *Surface) emit(e Event) {
	if e.Type == EventState {
		e.CanCapture = e.State == media.StateLive && e.Readiness == ReadinessReady
	}
	if e.Type == EventCapture || e.Type == EventError {
		e.State = s.ctrl.State()
		e.CanCapture = s.CanCapture()
		e.Readiness = s.preview.Readiness()
	}

	s.mu.Lock()
	if !s.dispatching {
		s.mu.Unlock()
		return
	}
	e.CanCopy = e.State == media.StateLive && s.snapshot != nil
	s.events = append(s.events, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch はキューのイベントを順番にハンドラへ渡す
func (s *Surface) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.quit:
			s.drain()
			return
		}
	}
}

func (s *Surface) drain() {
	for {
		s.mu.Lock()
		if len(s.events) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.events[0]
		s.events = s.events[1:]
		handlers := append([]func(Event){}, s.handlers...)
		s.mu.Unlock()

		for _, h := range handlers {
			h(e)
		}
	}
}

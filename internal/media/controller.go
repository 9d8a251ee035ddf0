package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"shashin/internal/log"
	"shashin/internal/metrics"
)

// Controller は1つのストリームの取得から解放までを管理する
type Controller struct {
	platform Platform
	logger   zerolog.Logger
	flight   singleflight.Group

	mu          sync.Mutex
	state       State
	stream      *Stream
	constraints Constraints // Live または Requesting 中の制約
	lastErr     *AcquisitionError
	closed      bool

	errorHandlers  []func(*AcquisitionError)
	changeHandlers []func(State, *Stream)

	// 通知はキューに積み、notifyMuを持つ1つのゴルーチンが順番に配送する
	events   []event
	notifyMu sync.Mutex
}

type event struct {
	state  State
	stream *Stream
	err    *AcquisitionError
}

// Option はControllerの設定を変更する
type Option func(*Controller)

// WithLogger はロガーを差し替える
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController は新しいControllerを作成する
// platformがnilの場合、全ての取得は即座に失敗する
func NewController(platform Platform, opts ...Option) *Controller {
	c := &Controller{
		platform: Normalize(platform),
		logger:   log.WithComponent("media"),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire は制約に合うストリームを取得する
//
// Live中に同じ制約で呼ぶと現在のストリームをそのまま返す。
// 制約が異なる場合は旧ストリームを解放してから新しい要求を発行する。
// 同じ制約の要求が進行中なら、その結果を共有する。
// ctxがキャンセルされても進行中の要求は中断されず、結果はControllerが保持する。
func (c *Controller) Acquire(ctx context.Context, cons Constraints) (*Stream, error) {
	if err := cons.Validate(); err != nil {
		return nil, fmt.Errorf("制約が無効: %w", err)
	}

	reqCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(cons.Key(), func() (any, error) {
		return c.request(reqCtx, cons)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Stream), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request は状態遷移とプラットフォーム呼び出しを行う
func (c *Controller) request(ctx context.Context, cons Constraints) (*Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	var old *Stream
	switch c.state {
	case StateRequesting:
		c.mu.Unlock()
		return nil, ErrAcquireInProgress
	case StateLive:
		if c.constraints == cons {
			s := c.stream
			c.mu.Unlock()
			return s, nil
		}
		old = c.releaseLocked()
	}

	c.state = StateRequesting
	c.constraints = cons
	c.lastErr = nil
	c.enqueue(event{state: StateRequesting})
	c.mu.Unlock()

	// 新しい要求の前に旧ストリームを必ず停止する
	if old != nil {
		c.stopStream(old, "constraints_changed")
	}
	c.flush()

	metrics.PlatformRequestsTotal.Inc()
	c.logger.Debug().Str("constraints", cons.Key()).Msg("ストリームの取得を要求します")
	stream, err := c.platform.GetUserMedia(ctx, cons)

	c.mu.Lock()
	if c.closed {
		c.state = StateIdle
		c.enqueue(event{state: StateIdle})
		c.mu.Unlock()
		if stream != nil {
			c.stopStream(stream, "closed_while_requesting")
		}
		c.flush()
		return nil, ErrClosed
	}

	if err != nil {
		var acqErr *AcquisitionError
		if !errors.As(err, &acqErr) {
			acqErr = toAcquisitionError(err)
		}
		c.state = StateFailed
		c.lastErr = acqErr
		c.enqueue(event{state: StateFailed, err: acqErr})
		c.mu.Unlock()

		metrics.ObserveAcquisition(string(acqErr.Kind))
		c.flush()
		return nil, acqErr
	}

	c.state = StateLive
	c.stream = stream
	c.enqueue(event{state: StateLive, stream: stream})
	c.mu.Unlock()

	metrics.ObserveAcquisition("")
	metrics.LiveStreams.Set(1)
	c.logger.Info().Str("stream_id", stream.ID()).Int("tracks", len(stream.tracks)).Msg("ストリームを取得しました")
	c.flush()
	return stream, nil
}

// Current は現在のストリームを返す。Live以外ではnil
func (c *Controller) Current() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// State は現在の状態を返す
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Constraints は最後に要求した制約を返す
func (c *Controller) Constraints() Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.constraints
}

// LastError は直近の取得エラーを返す。Failed以外ではnil
func (c *Controller) LastError() *AcquisitionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnError は取得失敗時に呼ばれるハンドラを登録する
func (c *Controller) OnError(handler func(*AcquisitionError)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandlers = append(c.errorHandlers, handler)
}

// OnChange は状態遷移のたびに呼ばれるリスナーを登録する
// Liveへの遷移では解決済みのストリームが渡される
// リスナーからAcquire/Releaseを同期的に呼んではならない
func (c *Controller) OnChange(listener func(State, *Stream)) {
	if listener == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeHandlers = append(c.changeHandlers, listener)
}

// Release は現在のストリームの全トラックを停止して破棄する
// ストリームを保持していなければ何もしない
func (c *Controller) Release() {
	c.mu.Lock()
	old := c.releaseLocked()
	c.mu.Unlock()

	if old != nil {
		c.stopStream(old, "released")
	}
	c.flush()
}

// Close はControllerを破棄する
// 要求中のストリームは解決した時点で解放される
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.releaseLocked()
	c.mu.Unlock()

	if old != nil {
		c.stopStream(old, "closed")
	}
	c.flush()
}

// releaseLocked は保持中のストリームを切り離す（ロック済み前提）
func (c *Controller) releaseLocked() *Stream {
	old := c.stream
	if old == nil {
		return nil
	}
	c.stream = nil
	c.state = StateIdle
	c.enqueue(event{state: StateIdle})
	metrics.LiveStreams.Set(0)
	return old
}

// stopStream はストリームのトラックを停止する。エラーはログのみ
func (c *Controller) stopStream(s *Stream, reason string) {
	n, err := s.stop()
	metrics.TracksStoppedTotal.Add(float64(n))
	if err != nil {
		c.logger.Warn().Err(err).Str("stream_id", s.ID()).Msg("トラックの停止でエラーが発生しました")
		return
	}
	c.logger.Info().Str("stream_id", s.ID()).Int("tracks", n).Str("reason", reason).Msg("ストリームを解放しました")
}

// enqueue は通知をキューに積む（ロック済み前提）
func (c *Controller) enqueue(e event) {
	c.events = append(c.events, e)
}

// flush はキューの通知を順番に配送する
// 別のゴルーチンが配送中であれば、そちらに任せる
func (c *Controller) flush() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			if len(c.events) == 0 {
				c.mu.Unlock()
				break
			}
			e := c.events[0]
			c.events = c.events[1:]
			changeHandlers := append([]func(State, *Stream){}, c.changeHandlers...)
			errorHandlers := append([]func(*AcquisitionError){}, c.errorHandlers...)
			c.mu.Unlock()

			for _, h := range changeHandlers {
				h(e.state, e.stream)
			}
			if e.err != nil {
				for _, h := range errorHandlers {
					h(e.err)
				}
			}
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		empty := len(c.events) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

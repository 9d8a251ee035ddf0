package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shashin/internal/media"
	"shashin/internal/surface"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// eventHub はSurfaceのイベントを接続中のWebSocketクライアントへ配る
type eventHub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	send chan surface.Event
	done chan struct{}
}

func newEventHub(logger zerolog.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
	}
}

// register はクライアントを追加する。閉じた後はnilを返す
func (h *eventHub) register() *eventClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	client := &eventClient{
		send: make(chan surface.Event, 16),
		done: make(chan struct{}),
	}
	h.clients[client] = struct{}{}
	return client
}

func (h *eventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.done)
	}
}

// broadcast はイベントを全クライアントに送る。詰まっているクライアントには送らない
func (h *eventHub) broadcast(e surface.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- e:
		default:
			h.logger.Debug().Str("type", string(e.Type)).Msg("クライアントの送信キューがいっぱいのためイベントを破棄しました")
		}
	}
}

// close は全クライアントを切断する
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.done)
	}
}

// currentEvent は接続直後に送る現在の状態
func (s *Server) currentEvent() surface.Event {
	state := s.ctrl.State()
	e := surface.Event{
		Type:       surface.EventState,
		State:      state,
		Readiness:  s.surface.Readiness(),
		CanCapture: s.surface.CanCapture(),
		CanCopy:    s.surface.CanCopy(),
	}
	if state == media.StateFailed {
		e.Error = s.surface.LastError()
	}
	if frame, ok := s.surface.Snapshot(); ok {
		e.Frame = &frame
	}
	return e
}

// handleEvents はWebSocketで状態変化を配信する
func (s *Server) handleEvents(c *gin.Context) {
	client := s.hub.register()
	if client == nil {
		abortWithError(c, http.StatusServiceUnavailable, "shutting_down", "サーバーは停止中です")
		return
	}
	defer s.hub.unregister(client)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocketへのアップグレードに失敗しました")
		return
	}
	defer func() { _ = conn.Close() }()

	// 読み取りはpongと切断の検知だけに使う
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(e surface.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(e) == nil
	}
	if !write(s.currentEvent()) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-client.send:
			if !write(e) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(writeWait))
			return
		case <-readDone:
			return
		}
	}
}

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"shashin/internal/media"
	"shashin/internal/surface"
)

// errorResponse はエラー時のレスポンス
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Name      string    `json:"name,omitempty"` // プラットフォームのエラー名
	Timestamp time.Time `json:"timestamp"`
}

// statusResponse は現在の状態
type statusResponse struct {
	Status      string                  `json:"status"`
	Backend     string                  `json:"backend"`
	State       media.State             `json:"state"`
	Readiness   surface.Readiness       `json:"readiness"`
	Constraints media.Constraints       `json:"constraints"`
	Stream      *media.Stream           `json:"stream,omitempty"`
	CanCapture  bool                    `json:"can_capture"`
	CanCopy     bool                    `json:"can_copy"`
	LastError   *media.AcquisitionError `json:"last_error,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// handleRoot はページを返す
func (s *Server) handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Status:      "running",
		Backend:     s.config.Camera.Backend,
		State:       s.ctrl.State(),
		Readiness:   s.surface.Readiness(),
		Constraints: s.ctrl.Constraints(),
		Stream:      s.ctrl.Current(),
		CanCapture:  s.surface.CanCapture(),
		CanCopy:     s.surface.CanCopy(),
		LastError:   s.surface.LastError(),
		Timestamp:   time.Now(),
	})
}

// handleDevices はカメラデバイス一覧を返す
func (s *Server) handleDevices(c *gin.Context) {
	devices, err := s.devices(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "discovery_failed", err.Error())
		return
	}
	if devices == nil {
		devices = []Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// handleAcquire はストリームを取得する
// ボディが空の場合は設定の制約を使う
func (s *Server) handleAcquire(c *gin.Context) {
	cons := s.config.StreamConstraints()
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		cons = media.Constraints{}
		if err := c.ShouldBindJSON(&cons); err != nil && !errors.Is(err, io.EOF) {
			abortWithError(c, http.StatusBadRequest, "invalid_constraints", err.Error())
			return
		}
		if cons == (media.Constraints{}) {
			cons = s.config.StreamConstraints()
		}
	}
	if err := cons.Validate(); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_constraints", err.Error())
		return
	}

	stream, err := s.ctrl.Acquire(c.Request.Context(), cons)
	if err != nil {
		s.writeAcquireError(c, err)
		return
	}
	c.JSON(http.StatusOK, stream)
}

// writeAcquireError は取得エラーを種類に応じたステータスで返す
func (s *Server) writeAcquireError(c *gin.Context, err error) {
	var acqErr *media.AcquisitionError
	switch {
	case errors.As(err, &acqErr):
		c.AbortWithStatusJSON(statusForKind(acqErr.Kind), errorResponse{
			Error:     string(acqErr.Kind),
			Message:   acqErr.Message,
			Name:      acqErr.Name,
			Timestamp: time.Now(),
		})
	case errors.Is(err, media.ErrAcquireInProgress):
		abortWithError(c, http.StatusConflict, "acquire_in_progress", err.Error())
	case errors.Is(err, media.ErrClosed):
		abortWithError(c, http.StatusServiceUnavailable, "closed", err.Error())
	default:
		// クライアントの切断など
		abortWithError(c, http.StatusServiceUnavailable, string(media.KindAborted), err.Error())
	}
}

// statusForKind はエラーの種類をHTTPステータスに対応付ける
func statusForKind(kind media.ErrorKind) int {
	switch kind {
	case media.KindPermissionDenied:
		return http.StatusForbidden
	case media.KindDeviceNotFound:
		return http.StatusNotFound
	case media.KindDeviceUnavailable:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// handleRelease はストリームを解放する
func (s *Server) handleRelease(c *gin.Context) {
	s.ctrl.Release()
	c.Status(http.StatusNoContent)
}

// handleCapture は現在のフレームをキャプチャする
func (s *Server) handleCapture(c *gin.Context) {
	frame, err := s.surface.Capture()
	switch {
	case errors.Is(err, surface.ErrNotReady):
		abortWithError(c, http.StatusConflict, "not_ready", "プレビューの準備ができていません")
		return
	case err != nil:
		abortWithError(c, http.StatusInternalServerError, "capture_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, frame)
}

// handleSnapshot は直近のキャプチャを返す
func (s *Server) handleSnapshot(c *gin.Context) {
	frame, ok := s.surface.Snapshot()
	if !ok {
		abortWithError(c, http.StatusNotFound, "no_snapshot", "キャプチャがありません")
		return
	}
	c.JSON(http.StatusOK, frame)
}

// handleCopy は直近のキャプチャをクリップボードにコピーする
func (s *Server) handleCopy(c *gin.Context) {
	if err := s.surface.Copy(); err != nil {
		if errors.Is(err, surface.ErrNotReady) {
			abortWithError(c, http.StatusConflict, "not_live", "ストリームが取得されていません")
			return
		}
		if errors.Is(err, surface.ErrNoSnapshot) {
			abortWithError(c, http.StatusConflict, "no_snapshot", "コピーするキャプチャがありません")
			return
		}
		abortWithError(c, http.StatusInternalServerError, "copy_failed", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePreview はMJPEGストリームを配信する
func (s *Server) handlePreview(c *gin.Context) {
	if s.ctrl.State() != media.StateLive {
		abortWithError(c, http.StatusServiceUnavailable, "not_live", "ストリームが取得されていません")
		return
	}

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	frames, unsubscribe := s.surface.Preview().Subscribe()
	defer unsubscribe()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case frame, ok := <-frames:
			if !ok {
				// プレビューが閉じられた
				return
			}

			// MJPEGフレームを書き込み
			if _, err := fmt.Fprintf(writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := writer.Write(frame); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}

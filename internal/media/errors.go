package media

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind は取得失敗の分類
type ErrorKind string

const (
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindDeviceNotFound    ErrorKind = "device_not_found"
	KindDeviceUnavailable ErrorKind = "device_unavailable" // 使用中、または制約を満たせない
	KindAborted           ErrorKind = "aborted"
	KindUnknown           ErrorKind = "unknown"
)

var (
	// ErrClosed はClose後の操作で返される
	ErrClosed = errors.New("media: controller is closed")

	// ErrAcquireInProgress は別の制約で要求中に取得しようとした場合に返される
	ErrAcquireInProgress = errors.New("media: acquisition already in progress with different constraints")
)

// AcquisitionError は構造化された取得エラー
type AcquisitionError struct {
	Kind    ErrorKind `json:"kind"`
	Name    string    `json:"name"`    // プラットフォームが報告したエラー名
	Message string    `json:"message"` // 人が読むためのメッセージ（空にならない）
}

// Error はerrorインターフェースを実装する
func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Platformが報告するエラー名
const (
	NameNotAllowed           = "NotAllowedError"
	NameSecurity             = "SecurityError"
	NamePermissionDenied     = "PermissionDeniedError"
	NameNotFound             = "NotFoundError"
	NameDevicesNotFound      = "DevicesNotFoundError"
	NameNotReadable          = "NotReadableError"
	NameTrackStart           = "TrackStartError"
	NameOverconstrained      = "OverconstrainedError"
	NameConstraintUnmet      = "ConstraintNotSatisfiedError"
	NameAbort                = "AbortError"
	NameNotSupported         = "NotSupportedError"
	NameUnknown              = "UnknownError"
)

// KindForName はエラー名から分類を決める
func KindForName(name string) ErrorKind {
	switch name {
	case NameNotAllowed, NameSecurity, NamePermissionDenied:
		return KindPermissionDenied
	case NameNotFound, NameDevicesNotFound:
		return KindDeviceNotFound
	case NameNotReadable, NameTrackStart, NameOverconstrained, NameConstraintUnmet:
		return KindDeviceUnavailable
	case NameAbort:
		return KindAborted
	default:
		return KindUnknown
	}
}

// NamedError は名前付きのプラットフォームエラー
type NamedError struct {
	Name    string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する
func (e *NamedError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Unwrap は元のエラーを返す
func (e *NamedError) Unwrap() error { return e.Err }

// ClassifyOSError はデバイス操作のOSエラーを名前付きエラーに変換する
// 対応するerrnoがなければ元のエラーをそのまま返す
func ClassifyOSError(err error) error {
	if err == nil {
		return nil
	}
	var named *NamedError
	if errors.As(err, &named) {
		return err
	}

	var name string
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		name = NameNotAllowed
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		name = NameNotFound
	case errors.Is(err, syscall.EBUSY):
		name = NameNotReadable
	default:
		return err
	}
	return &NamedError{Name: name, Message: err.Error(), Err: err}
}

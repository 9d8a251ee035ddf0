package media

import (
	"context"
	"errors"
	"fmt"
)

// normalizer はプラットフォーム呼び出しを包み、失敗をAcquisitionErrorに揃える
type normalizer struct {
	platform Platform
}

// Normalize はpの失敗を常に*AcquisitionErrorとして返すPlatformを作成する
// pがnilでもパニックせず、即座にKindUnknownで失敗する
func Normalize(p Platform) Platform {
	if n, ok := p.(*normalizer); ok {
		return n
	}
	return &normalizer{platform: p}
}

// GetUserMedia はプラットフォームを呼び出し、結果を正規化する
func (n *normalizer) GetUserMedia(ctx context.Context, c Constraints) (stream *Stream, err error) {
	if n.platform == nil {
		return nil, &AcquisitionError{
			Kind:    KindUnknown,
			Name:    NameNotSupported,
			Message: "メディア取得機能が利用できません",
		}
	}

	defer func() {
		if r := recover(); r != nil {
			stream = nil
			err = &AcquisitionError{
				Kind:    KindUnknown,
				Name:    NameUnknown,
				Message: fmt.Sprintf("メディア取得機能がパニックしました: %v", r),
			}
		}
	}()

	stream, err = n.platform.GetUserMedia(ctx, c)
	if err != nil {
		// エラーと一緒に返されたストリームは誰も持たないので止める
		if stream != nil {
			_, _ = stream.stop()
		}
		return nil, toAcquisitionError(err)
	}
	if stream == nil {
		return nil, &AcquisitionError{
			Kind:    KindUnknown,
			Name:    NameUnknown,
			Message: "ストリームが返されませんでした",
		}
	}
	return stream, nil
}

// toAcquisitionError はエラー名だけを取り出して分類する
func toAcquisitionError(err error) *AcquisitionError {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		out := *acqErr
		if out.Kind == "" {
			out.Kind = KindForName(out.Name)
		}
		if out.Message == "" {
			out.Message = string(out.Kind)
		}
		return &out
	}

	name := NameUnknown
	message := err.Error()

	var named *NamedError
	switch {
	case errors.As(err, &named):
		name = named.Name
		if named.Message != "" {
			message = named.Message
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		name = NameAbort
	default:
		if classified := ClassifyOSError(err); errors.As(classified, &named) {
			name = named.Name
		}
	}

	if message == "" {
		message = name
	}
	return &AcquisitionError{Kind: KindForName(name), Name: name, Message: message}
}

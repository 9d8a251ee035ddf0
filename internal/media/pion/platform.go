// Package pion はpion/mediadevicesをmedia.Platformとして使うアダプタを提供する
//
// ドライバの登録は呼び出し側で行う:
//
//	import _ "github.com/pion/mediadevices/pkg/driver/camera"
package pion

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog"

	"shashin/internal/log"
	"shashin/internal/media"
)

// Platform はmediadevices.GetUserMediaを呼び出すmedia.Platform実装
type Platform struct {
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	enumerate    func() []mediadevices.MediaDeviceInfo
	logger       zerolog.Logger
}

// NewPlatform は新しいPlatformを作成する
func NewPlatform() *Platform {
	return &Platform{
		getUserMedia: mediadevices.GetUserMedia,
		enumerate:    mediadevices.EnumerateDevices,
		logger:       log.WithComponent("pion"),
	}
}

// GetUserMedia は制約をmediadevicesの形式に変換してストリームを取得する
func (p *Platform) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.FacingMode != "" {
		p.logger.Debug().Str("facing_mode", c.FacingMode).Msg("facing_modeはこのドライバでは無視されます")
	}

	ms, err := p.getUserMedia(toMediaStreamConstraints(c))
	if err != nil {
		return nil, p.classify(err)
	}

	var tracks []media.Track
	for _, t := range ms.GetTracks() {
		tracks = append(tracks, wrapTrack(t))
	}
	return media.NewStream(c, tracks...), nil
}

// Devices は利用可能な映像入力デバイスを返す
func (p *Platform) Devices() []mediadevices.MediaDeviceInfo {
	var devices []mediadevices.MediaDeviceInfo
	for _, d := range p.enumerate() {
		if d.Kind == mediadevices.VideoInput {
			devices = append(devices, d)
		}
	}
	return devices
}

// classify はmediadevicesのエラーに名前を付ける
func (p *Platform) classify(err error) error {
	classified := media.ClassifyOSError(err)
	if classified != err {
		return classified
	}
	// ドライバが選べなかった場合、デバイスがあれば制約の問題とみなす
	if strings.Contains(err.Error(), "failed to find the best driver") {
		name := media.NameOverconstrained
		if len(p.Devices()) == 0 {
			name = media.NameNotFound
		}
		return &media.NamedError{Name: name, Message: err.Error(), Err: err}
	}
	return err
}

// toMediaStreamConstraints はmedia.Constraintsを変換する
func toMediaStreamConstraints(c media.Constraints) mediadevices.MediaStreamConstraints {
	var out mediadevices.MediaStreamConstraints
	if c.Video {
		out.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				mtc.DeviceID = prop.String(c.DeviceID)
			}
			if c.Width != (media.Range{}) {
				mtc.Width = prop.IntRanged{Min: c.Width.Min, Ideal: c.Width.Ideal, Max: c.Width.Max}
			}
			if c.Height != (media.Range{}) {
				mtc.Height = prop.IntRanged{Min: c.Height.Min, Ideal: c.Height.Ideal, Max: c.Height.Max}
			}
			if c.FrameRate > 0 {
				mtc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if c.Audio {
		out.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	return out
}

// track はmediadevices.Trackをmedia.Trackとして扱う
type track struct {
	id    string
	inner mediadevices.Track
}

func wrapTrack(t mediadevices.Track) media.Track {
	id := t.ID()
	if id == "" {
		id = uuid.New().String()
	}
	if vt, ok := t.(*mediadevices.VideoTrack); ok {
		return &videoTrack{track: track{id: id, inner: t}, video: vt}
	}
	return &track{id: id, inner: t}
}

func (t *track) ID() string { return t.id }

func (t *track) Kind() media.TrackKind { return media.TrackKindAudio }

// Stop はトラックを閉じてデバイスを解放する
func (t *track) Stop() error { return t.inner.Close() }

type videoTrack struct {
	track
	video *mediadevices.VideoTrack
}

func (t *videoTrack) Kind() media.TrackKind { return media.TrackKindVideo }

// NewReader は生フレームを返すリーダーを作成する
func (t *videoTrack) NewReader() media.FrameReader {
	return t.video.NewReader(false)
}

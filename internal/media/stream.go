package media

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream は取得済みのライブストリーム（ハンドル）
// 所有者はControllerで、トラックの停止はControllerだけが行う
type Stream struct {
	id          string
	constraints Constraints
	acquiredAt  time.Time
	tracks      []Track

	stopOnce sync.Once
	stopErr  error
}

// NewStream はトラックからStreamを作成する
func NewStream(c Constraints, tracks ...Track) *Stream {
	return &Stream{
		id:          uuid.New().String(),
		constraints: c,
		acquiredAt:  time.Now(),
		tracks:      tracks,
	}
}

// ID はストリームの一意識別子
func (s *Stream) ID() string { return s.id }

// Constraints は取得時の制約
func (s *Stream) Constraints() Constraints { return s.constraints }

// AcquiredAt は取得時刻
func (s *Stream) AcquiredAt() time.Time { return s.acquiredAt }

// Tracks は全トラックのコピーを返す
func (s *Stream) Tracks() []Track {
	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

// VideoTracks はフレームを読み出せる映像トラックを返す
func (s *Stream) VideoTracks() []VideoTrack {
	var tracks []VideoTrack
	for _, t := range s.tracks {
		if vt, ok := t.(VideoTrack); ok && t.Kind() == TrackKindVideo {
			tracks = append(tracks, vt)
		}
	}
	return tracks
}

// stop は全トラックを一度だけ停止する
func (s *Stream) stop() (int, error) {
	stopped := 0
	s.stopOnce.Do(func() {
		var errs []error
		for _, t := range s.tracks {
			if err := t.Stop(); err != nil {
				errs = append(errs, err)
			}
			stopped++
		}
		s.stopErr = errors.Join(errs...)
	})
	return stopped, s.stopErr
}

// MarshalJSON はストリーム情報をJSONに変換する
func (s *Stream) MarshalJSON() ([]byte, error) {
	info := streamInfo{
		ID:          s.id,
		Constraints: s.constraints,
		AcquiredAt:  s.acquiredAt,
		Tracks:      make([]trackInfo, 0, len(s.tracks)),
	}
	for _, t := range s.tracks {
		info.Tracks = append(info.Tracks, trackInfo{ID: t.ID(), Kind: t.Kind()})
	}
	return json.Marshal(info)
}

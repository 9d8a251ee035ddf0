package surface

// Readiness はプレビューの準備状態
type Readiness int

const (
	// ReadinessNotStarted はストリームが割り当てられていない状態
	ReadinessNotStarted Readiness = iota
	// ReadinessLoading は最初のフレームを待っている状態
	ReadinessLoading
	// ReadinessReady はフレームを表示・キャプチャできる状態
	ReadinessReady
)

func (r Readiness) String() string {
	switch r {
	case ReadinessNotStarted:
		return "not_started"
	case ReadinessLoading:
		return "loading"
	case ReadinessReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText はJSONで文字列として出力する
func (r Readiness) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

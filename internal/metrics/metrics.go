// Package metrics はshashinのPrometheusメトリクスを提供する
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlatformRequestsTotal はプラットフォームへ実際に発行された取得要求の数
	PlatformRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shashin_platform_requests_total",
		Help: "Total number of media acquisition requests issued to the platform.",
	})

	// AcquisitionsTotal は取得結果の数（result, kind別）
	AcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shashin_acquisitions_total",
		Help: "Total number of resolved acquisitions, by result and error kind.",
	}, []string{"result", "kind"})

	// TracksStoppedTotal は停止されたトラックの数
	TracksStoppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shashin_tracks_stopped_total",
		Help: "Total number of hardware tracks stopped.",
	})

	// LiveStreams は現在保持しているストリーム数（0か1）
	LiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shashin_live_streams",
		Help: "Number of live stream handles currently held.",
	})

	// CapturesTotal は静止画キャプチャの数（result別）
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shashin_captures_total",
		Help: "Total number of still frame captures, by result.",
	}, []string{"result"})

	// ClipboardWritesTotal はクリップボード書き込みの数（result別）
	ClipboardWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shashin_clipboard_writes_total",
		Help: "Total number of clipboard writes, by result.",
	}, []string{"result"})
)

// ObserveAcquisition は取得結果を記録する。kindは成功時に空文字
func ObserveAcquisition(kind string) {
	if kind == "" {
		AcquisitionsTotal.WithLabelValues("ok", "none").Inc()
		return
	}
	AcquisitionsTotal.WithLabelValues("error", kind).Inc()
}

// ObserveResult は成功/失敗をresultラベルに変換する
func ObserveResult(vec *prometheus.CounterVec, err error) {
	if err != nil {
		vec.WithLabelValues("error").Inc()
		return
	}
	vec.WithLabelValues("ok").Inc()
}

// Package metrics exposes recorder and uploader counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. Fields are plain atomics so the hot
// loop never touches the registry.
type Metrics struct {
	// Recording loop
	FramesCaptured   atomic.Uint64
	FramesWritten    atomic.Uint64
	FramesDiscarded  atomic.Uint64
	CameraErrors     atomic.Uint64
	MotionTriggers   atomic.Uint64
	ClipsStarted     atomic.Uint64
	ClipsFinished    atomic.Uint64
	CapacityRejected atomic.Uint64
	FramesSkipped    atomic.Uint64
	ThumbnailsSaved  atomic.Uint64
	LastMotionScore  atomic.Uint64
	RecordingActive  atomic.Uint64 // 0 = inactive, 1 = active

	// Upload worker
	UploadsEnqueued  atomic.Uint64
	UploadsDropped   atomic.Uint64
	UploadsSucceeded atomic.Uint64
	UploadsFailed    atomic.Uint64
	UploadQueueDepth atomic.Int64

	registry *prometheus.Registry
}

type counterDef struct {
	name, help string
	v          *atomic.Uint64
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	counters := []counterDef{
		{"clipcam_frames_captured_total", "Frames received from the camera", &m.FramesCaptured},
		{"clipcam_frames_written_total", "Frames written to clip files", &m.FramesWritten},
		{"clipcam_frames_discarded_total", "Frames discarded while the sensor settles", &m.FramesDiscarded},
		{"clipcam_camera_errors_total", "Camera errors other than timeouts", &m.CameraErrors},
		{"clipcam_motion_triggers_total", "Transitions from motion watch to recording", &m.MotionTriggers},
		{"clipcam_clips_started_total", "Clip sessions started", &m.ClipsStarted},
		{"clipcam_clips_finished_total", "Clip sessions finalized", &m.ClipsFinished},
		{"clipcam_capacity_rejections_total", "Frames rejected because the clip index was full", &m.CapacityRejected},
		{"clipcam_frames_skipped_total", "Frames skipped because their format did not match the clip backend", &m.FramesSkipped},
		{"clipcam_thumbnails_saved_total", "Thumbnails written", &m.ThumbnailsSaved},
		{"clipcam_uploads_enqueued_total", "Clips accepted by the upload queue", &m.UploadsEnqueued},
		{"clipcam_uploads_dropped_total", "Clips dropped because the upload queue was full", &m.UploadsDropped},
		{"clipcam_uploads_succeeded_total", "Clips uploaded and removed from local storage", &m.UploadsSucceeded},
		{"clipcam_uploads_failed_total", "Upload attempts that failed", &m.UploadsFailed},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "clipcam_recording_active",
			Help: "Recording state (1 = recording)",
		},
		func() float64 { return float64(m.RecordingActive.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "clipcam_motion_last_score",
			Help: "Changed-pixel count of the last scored frame",
		},
		func() float64 { return float64(m.LastMotionScore.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "clipcam_upload_queue_depth",
			Help: "Clips waiting in the upload queue",
		},
		func() float64 { return float64(m.UploadQueueDepth.Load()) },
	))

	return m
}

// SetRecording sets the recording gauge.
func (m *Metrics) SetRecording(on bool) {
	if on {
		m.RecordingActive.Store(1)
		return
	}
	m.RecordingActive.Store(0)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the JamFX client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	ChunksCaptured  prometheus.Counter
	ChunksDropped   prometheus.Counter
	CapturesStopped *prometheus.CounterVec
	DeviceFaults    prometheus.Counter

	// Transcoder metrics
	RuntimeLoads       *prometheus.CounterVec
	ConversionDuration prometheus.Histogram
	ConversionFailures prometheus.Counter

	// DSP service metrics
	DSPRequests        *prometheus.CounterVec
	DSPRequestDuration *prometheus.HistogramVec

	// Session metrics
	SupersededResponses prometheus.Counter
	SessionsStarted     prometheus.Counter
}

// New creates and registers all metrics on reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry or a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "jamfx_capture_chunks_total",
			Help: "Total number of raw chunks appended to a recording session",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "jamfx_capture_chunks_dropped_total",
			Help: "Total number of chunks delivered while paused or idle",
		}),
		CapturesStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jamfx_captures_stopped_total",
			Help: "Total number of recording sessions ended, by outcome",
		}, []string{"outcome"}),
		DeviceFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "jamfx_capture_device_faults_total",
			Help: "Total number of device faults that aborted a recording",
		}),

		RuntimeLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jamfx_transcode_runtime_loads_total",
			Help: "Total number of codec runtime load attempts, by outcome",
		}, []string{"outcome"}),
		ConversionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "jamfx_transcode_duration_seconds",
			Help:    "Time spent converting captured audio to the target encoding",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ConversionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "jamfx_transcode_failures_total",
			Help: "Total number of failed conversions",
		}),

		DSPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jamfx_dsp_requests_total",
			Help: "Total number of requests sent to the DSP service",
		}, []string{"endpoint", "status"}),
		DSPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jamfx_dsp_request_duration_seconds",
			Help:    "DSP service request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		SupersededResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "jamfx_session_superseded_responses_total",
			Help: "Total number of responses discarded because a newer request was already applied",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "jamfx_sessions_started_total",
			Help: "Total number of successful ingests",
		}),
	}
}

func (m *Metrics) ChunkCaptured() {
	if m != nil {
		m.ChunksCaptured.Inc()
	}
}

func (m *Metrics) ChunkDropped() {
	if m != nil {
		m.ChunksDropped.Inc()
	}
}

// CaptureStopped records how a recording session ended ("ok", "empty", "fault").
func (m *Metrics) CaptureStopped(outcome string) {
	if m == nil {
		return
	}
	m.CapturesStopped.WithLabelValues(outcome).Inc()
	if outcome == "fault" {
		m.DeviceFaults.Inc()
	}
}

func (m *Metrics) RuntimeLoaded(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.RuntimeLoads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConversionObserved(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.ConversionDuration.Observe(d.Seconds())
	if !ok {
		m.ConversionFailures.Inc()
	}
}

// DSPRequestObserved records one round trip to the DSP service. status is the
// HTTP status code as text, or "error" for transport failures.
func (m *Metrics) DSPRequestObserved(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DSPRequests.WithLabelValues(endpoint, status).Inc()
	m.DSPRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) ResponseSuperseded() {
	if m != nil {
		m.SupersededResponses.Inc()
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	m.ChunkCaptured()
	m.ChunkDropped()
	m.CaptureStopped("fault")
	m.RuntimeLoaded(false)
	m.ConversionObserved(time.Second, false)
	m.DSPRequestObserved("upload", "200", time.Second)
	m.ResponseSuperseded()
	m.SessionStarted()
}

func TestCaptureStopped_FaultCountsDeviceFault(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CaptureStopped("ok")
	m.CaptureStopped("fault")

	if got := testutil.ToFloat64(m.DeviceFaults); got != 1 {
		t.Errorf("Expected 1 device fault, got %v", got)
	}
	if got := testutil.ToFloat64(m.CapturesStopped.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 ok capture, got %v", got)
	}
}

func TestDSPRequestObserved_LabelsByEndpointAndStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DSPRequestObserved("apply-gain", "200", 10*time.Millisecond)
	m.DSPRequestObserved("apply-gain", "500", 10*time.Millisecond)
	m.DSPRequestObserved("apply-gain", "200", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.DSPRequests.WithLabelValues("apply-gain", "200")); got != 2 {
		t.Errorf("Expected 2 successful gain requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.DSPRequests.WithLabelValues("apply-gain", "500")); got != 1 {
		t.Errorf("Expected 1 failed gain request, got %v", got)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/audiolibrelab/jamfx/internal/audio"
	"github.com/audiolibrelab/jamfx/internal/config"
	"github.com/audiolibrelab/jamfx/internal/dsp"
	"github.com/audiolibrelab/jamfx/internal/metrics"
	"github.com/audiolibrelab/jamfx/internal/notify"
	"github.com/audiolibrelab/jamfx/internal/service"
	"github.com/audiolibrelab/jamfx/internal/session"
)

// fakeService records the calls the server makes
type fakeService struct {
	mu  sync.Mutex
	cfg *config.Config

	state     session.ArtifactSet
	uploads   []string // "name|mime|data"
	effects   []dsp.EffectParams
	startErr  error
	uploadErr error
	effectErr error
}

func newFakeService() *fakeService {
	return &fakeService{cfg: config.Default()}
}

func (f *fakeService) StartRecording(ctx context.Context) error { return f.startErr }
func (f *fakeService) PauseRecording() error                    { return nil }
func (f *fakeService) ResumeRecording() error                   { return nil }
func (f *fakeService) TogglePause() error                       { return nil }

func (f *fakeService) StopRecording(ctx context.Context) (session.ArtifactSet, error) {
	return f.State(), nil
}

func (f *fakeService) RecordingStatus() audio.Snapshot {
	return audio.Snapshot{Mode: audio.ModeIdle, Device: "fake"}
}

func (f *fakeService) UploadFile(ctx context.Context, path string) (session.ArtifactSet, error) {
	return f.State(), nil
}

func (f *fakeService) UploadBytes(ctx context.Context, name, mimeType string, data []byte) (session.ArtifactSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name+"|"+mimeType+"|"+string(data))
	if f.uploadErr != nil {
		return f.state, f.uploadErr
	}
	f.state = session.ArtifactSet{Original: "/static/raw.mp3", Processed: "/static/processed.mp3", Visualization: "/static/plots.png"}
	return f.state, nil
}

func (f *fakeService) ApplyEffect(ctx context.Context, params dsp.EffectParams) (session.ArtifactSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effects = append(f.effects, params)
	return f.state, f.effectErr
}

func (f *fakeService) State() session.ArtifactSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeService) ResolvedState() session.ArtifactSet {
	return f.State().Resolve("http://dsp:5000")
}

func (f *fakeService) ResetSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = session.ArtifactSet{}
	return nil
}

func (f *fakeService) Play(ctx context.Context, artifact service.Artifact) error { return nil }

func (f *fakeService) Ping(ctx context.Context) (*dsp.PingResult, error) {
	return &dsp.PingResult{Message: "ok", Status: "running"}, nil
}

func (f *fakeService) Notifications() []notify.Notification {
	return []notify.Notification{notify.Uploaded()}
}

func (f *fakeService) GetConfig() *config.Config { return f.cfg }
func (f *fakeService) GetLastError() string      { return "" }

func newTestServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(svc, prometheus.NewRegistry()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write(data)
	writer.Close()
	return body, writer.FormDataContentType()
}

func TestUpload_UsesPartContentType(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc)

	body, ct := multipartBody(t, "take1.mp3", "audio/mpeg", []byte("ID3data"))
	resp, err := http.Post(srv.URL+"/upload", ct, body)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var out SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.Session.Processed != "http://dsp:5000/static/processed.mp3" {
		t.Errorf("Unexpected response: %+v", out)
	}
	if len(svc.uploads) != 1 || svc.uploads[0] != "take1.mp3|audio/mpeg|ID3data" {
		t.Errorf("Unexpected uploads: %v", svc.uploads)
	}
}

func TestUpload_MissingFilePart(t *testing.T) {
	srv := newTestServer(t, newFakeService())

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	writer.WriteField("other", "x")
	writer.Close()

	resp, err := http.Post(srv.URL+"/upload", writer.FormDataContentType(), body)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestUpload_UnsupportedFormatIs400(t *testing.T) {
	svc := newFakeService()
	svc.uploadErr = fmt.Errorf("song.wav: %w", session.ErrUnsupportedFormat)
	srv := newTestServer(t, svc)

	body, ct := multipartBody(t, "song.wav", "audio/wav", []byte("RIFF"))
	resp, err := http.Post(srv.URL+"/upload", ct, body)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	var out GenericResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if !strings.HasPrefix(out.Error, "Invalid file type") {
		t.Errorf("Expected notification wording, got %q", out.Error)
	}
}

func TestEffect_BodyOverridesPresets(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/effects/gain", "application/json", strings.NewReader(`{"high_gain":1.5}`))
	if err != nil {
		t.Fatalf("POST /effects/gain: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	want := dsp.GainParams{LowGain: 1, MidGain: 1, HighGain: 1.5}
	if len(svc.effects) != 1 || svc.effects[0] != want {
		t.Errorf("Expected %+v, got %v", want, svc.effects)
	}
}

func TestEffect_EmptyBodyUsesPresets(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/effects/pitch-shift", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /effects/pitch-shift: %v", err)
	}
	resp.Body.Close()

	want := dsp.PitchShiftParams{Rate: 1, NSteps: 0}
	if len(svc.effects) != 1 || svc.effects[0] != want {
		t.Errorf("Expected %+v, got %v", want, svc.effects)
	}
}

func TestEffect_OutOfRangeRejectedLocally(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/effects/compression", "application/json", strings.NewReader(`{"threshold":-20,"ratio":40}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if len(svc.effects) != 0 {
		t.Errorf("Expected no effect request, got %v", svc.effects)
	}
}

func TestEffect_ErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no session", session.ErrNoActiveSession, http.StatusConflict},
		{"upstream", &session.EffectError{Kind: dsp.EffectGain, Err: &dsp.StatusError{StatusCode: 500, Body: "boom"}}, http.StatusBadGateway},
		{"superseded", session.ErrSuperseded, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.effectErr = tt.err
			srv := newTestServer(t, svc)

			resp, err := http.Post(srv.URL+"/effects/gain", "application/json", nil)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestEffect_UnknownKind(t *testing.T) {
	srv := newTestServer(t, newFakeService())

	resp, err := http.Post(srv.URL+"/effects/reverb", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestStartRecording_DeviceUnavailable(t *testing.T) {
	svc := newFakeService()
	svc.startErr = fmt.Errorf("open: %w", audio.ErrDeviceUnavailable)
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/record/start", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestStatus_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newFakeService())

	resp, err := http.Post(srv.URL+"/status", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestStatus_ReportsSession(t *testing.T) {
	svc := newFakeService()
	svc.state = session.ArtifactSet{Original: "/static/raw.mp3"}
	srv := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.HasSession || out.Session.Original != "http://dsp:5000/static/raw.mp3" || out.Recording.Mode != audio.ModeIdle {
		t.Errorf("Unexpected status: %+v", out)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SessionStarted()

	srv := httptest.NewServer(New(newFakeService(), reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	buf := &bytes.Buffer{}
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "jamfx_sessions_started_total 1") {
		t.Errorf("Expected session counter in metrics output, got:\n%s", buf.String())
	}
}

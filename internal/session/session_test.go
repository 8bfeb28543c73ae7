package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/audiolibrelab/jamfx/internal/dsp"
)

// mockDSP is a DSP service double that records every request it receives
type mockDSP struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest

	failEffects bool
	failUploads bool
}

type recordedRequest struct {
	Path string
	Body string
}

func newMockDSP(t *testing.T) *mockDSP {
	t.Helper()
	m := &mockDSP{}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockDSP) handle(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.URL.Path != "/upload" {
		body, _ = io.ReadAll(r.Body)
	}
	m.mu.Lock()
	m.requests = append(m.requests, recordedRequest{Path: r.URL.Path, Body: string(body)})
	fail := m.failEffects
	failUpload := m.failUploads
	m.mu.Unlock()

	switch r.URL.Path {
	case "/upload":
		if failUpload {
			http.Error(w, "disk full", http.StatusInternalServerError)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "No file part", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"raw_file_url":       "/static/raw.mp3",
			"processed_file_url": "/static/processed.mp3",
			"plots_url":          "/static/plots.png",
		})
	case "/apply-gain", "/apply-compression", "/apply-pitch-shift":
		if fail {
			http.Error(w, "processing exploded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"processed_file_url": "/static/processed" + r.URL.Path + ".mp3",
			"plots_url":          "/static/plots" + r.URL.Path + ".png",
		})
	default:
		http.NotFound(w, r)
	}
}

func (m *mockDSP) recorded() []recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func newPipeline(t *testing.T, m *mockDSP) (*Store, *Uploader, *Effects) {
	t.Helper()
	client, err := dsp.NewClient(dsp.Config{BaseURL: m.server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, NewUploader(client, store, UploaderConfig{}, nil), NewEffects(client, store, nil)
}

func TestIngest_ValidFilePopulatesState(t *testing.T) {
	m := newMockDSP(t)
	store, uploader, _ := newPipeline(t, m)

	state, err := uploader.Ingest(context.Background(), Source{
		Data:     []byte("ID3 fake mp3"),
		Label:    "song.mp3",
		MimeType: "audio/mpeg",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	want := ArtifactSet{
		Original:      "/static/raw.mp3",
		Processed:     "/static/processed.mp3",
		Visualization: "/static/plots.png",
	}
	if state != want {
		t.Errorf("Expected state %+v, got %+v", want, state)
	}
	if store.Snapshot() != want {
		t.Errorf("Expected store to hold %+v, got %+v", want, store.Snapshot())
	}
}

func TestIngest_UnsupportedFormatNeverReachesNetwork(t *testing.T) {
	m := newMockDSP(t)
	store, uploader, _ := newPipeline(t, m)

	_, err := uploader.Ingest(context.Background(), Source{
		Data:     []byte("RIFF"),
		Label:    "song.wav",
		MimeType: "audio/wav",
	})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if n := len(m.recorded()); n != 0 {
		t.Errorf("Expected zero network calls, got %d", n)
	}
	if store.Snapshot().HasSession() {
		t.Error("Expected no session after rejected upload")
	}
}

func TestIngest_TrustedSourceSkipsValidation(t *testing.T) {
	m := newMockDSP(t)
	_, uploader, _ := newPipeline(t, m)

	_, err := uploader.Ingest(context.Background(), Source{
		Data:    []byte("converted"),
		Label:   "recording",
		Trusted: true,
	})
	if err != nil {
		t.Fatalf("Expected trusted source to be uploaded, got %v", err)
	}
	if n := len(m.recorded()); n != 1 {
		t.Errorf("Expected one upload, got %d", n)
	}
}

func TestIngest_FailureKeepsPriorState(t *testing.T) {
	m := newMockDSP(t)
	store, uploader, _ := newPipeline(t, m)

	if _, err := uploader.Ingest(context.Background(), Source{Data: []byte("a"), Label: "a.mp3", MimeType: "audio/mpeg"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before := store.Snapshot()

	m.mu.Lock()
	m.failUploads = true
	m.mu.Unlock()

	_, err := uploader.Ingest(context.Background(), Source{Data: []byte("b"), Label: "b.mp3", MimeType: "audio/mpeg"})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Expected ErrUploadFailed, got %v", err)
	}
	if dsp.Diagnostic(err) != "disk full" {
		t.Errorf("Expected server diagnostic 'disk full', got %q", dsp.Diagnostic(err))
	}
	if store.Snapshot() != before {
		t.Errorf("Expected state unchanged %+v, got %+v", before, store.Snapshot())
	}
}

func TestApply_NoActiveSessionIssuesNoRequest(t *testing.T) {
	m := newMockDSP(t)
	_, _, effects := newPipeline(t, m)

	params := []dsp.EffectParams{
		dsp.GainParams{LowGain: 1, MidGain: 1, HighGain: 1},
		dsp.CompressionParams{Threshold: -20, Ratio: 4},
		dsp.PitchShiftParams{Rate: 1, NSteps: 0},
	}
	for _, p := range params {
		_, err := effects.Apply(context.Background(), p)
		if !errors.Is(err, ErrNoActiveSession) {
			t.Errorf("Expected ErrNoActiveSession for %s, got %v", p.Kind(), err)
		}
	}
	if n := len(m.recorded()); n != 0 {
		t.Errorf("Expected zero network calls, got %d", n)
	}
}

func TestApplyGain_ExactBodyAndFailureKeepsState(t *testing.T) {
	m := newMockDSP(t)
	store, uploader, effects := newPipeline(t, m)

	if _, err := uploader.Ingest(context.Background(), Source{Data: []byte("a"), Label: "a.mp3", MimeType: "audio/mpeg"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before := store.Snapshot()

	m.mu.Lock()
	m.failEffects = true
	m.mu.Unlock()

	_, err := effects.ApplyGain(context.Background(), dsp.GainParams{LowGain: 1.5, MidGain: 1.0, HighGain: 0.8})
	if !errors.Is(err, ErrEffectRequestFailed) {
		t.Fatalf("Expected ErrEffectRequestFailed, got %v", err)
	}
	if kind, ok := EffectKindOf(err); !ok || kind != dsp.EffectGain {
		t.Errorf("Expected error attributed to gain, got %q", kind)
	}

	var gainCalls []recordedRequest
	for _, r := range m.recorded() {
		if r.Path == "/apply-gain" {
			gainCalls = append(gainCalls, r)
		}
	}
	if len(gainCalls) != 1 {
		t.Fatalf("Expected exactly one POST to /apply-gain, got %d", len(gainCalls))
	}
	if want := `{"low_gain":1.5,"mid_gain":1,"high_gain":0.8}`; gainCalls[0].Body != want {
		t.Errorf("Expected body %s, got %s", want, gainCalls[0].Body)
	}

	after := store.Snapshot()
	if after.Processed != before.Processed || after.Visualization != before.Visualization {
		t.Errorf("Expected processed/visualization unchanged, before %+v after %+v", before, after)
	}
}

func TestApply_SuccessReplacesProcessedAndVisualizationOnly(t *testing.T) {
	m := newMockDSP(t)
	store, uploader, effects := newPipeline(t, m)

	if _, err := uploader.Ingest(context.Background(), Source{Data: []byte("a"), Label: "a.mp3", MimeType: "audio/mpeg"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	state, err := effects.ApplyCompression(context.Background(), dsp.CompressionParams{Threshold: -20, Ratio: 4})
	if err != nil {
		t.Fatalf("ApplyCompression: %v", err)
	}
	if state.Original != "/static/raw.mp3" {
		t.Errorf("Expected original to stay /static/raw.mp3, got %s", state.Original)
	}
	if state.Processed != "/static/processed/apply-compression.mp3" || state.Visualization != "/static/plots/apply-compression.png" {
		t.Errorf("Unexpected effect state: %+v", state)
	}
	if store.Snapshot() != state {
		t.Errorf("Expected store to match returned state")
	}
}

// gatedBackend holds each Apply call until the test releases it
type gatedBackend struct {
	started chan dsp.EffectParams
	release map[float64]chan struct{}
	calls   atomic.Int32
}

func (g *gatedBackend) Upload(ctx context.Context, filename string, data []byte) (*dsp.UploadResult, error) {
	return &dsp.UploadResult{RawFileURL: "/raw", ProcessedFileURL: "/p0", PlotsURL: "/v0"}, nil
}

func (g *gatedBackend) Apply(ctx context.Context, params dsp.EffectParams) (*dsp.EffectResult, error) {
	g.calls.Add(1)
	p := params.(dsp.GainParams)
	g.started <- params
	<-g.release[p.LowGain]
	tag := "r1"
	if p.LowGain == 2 {
		tag = "r2"
	}
	return &dsp.EffectResult{ProcessedFileURL: "/processed-" + tag, PlotsURL: "/plots-" + tag}, nil
}

func TestApply_LastInitiatedResponseWins(t *testing.T) {
	backend := &gatedBackend{
		started: make(chan dsp.EffectParams),
		release: map[float64]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})},
	}
	store, _ := NewStore("")
	uploader := NewUploader(backend, store, UploaderConfig{}, nil)
	effects := NewEffects(backend, store, nil)

	if _, err := uploader.Ingest(context.Background(), Source{Data: []byte("a"), Label: "a.mp3", MimeType: "audio/mpeg"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	type outcome struct {
		state ArtifactSet
		err   error
	}
	r1 := make(chan outcome, 1)
	r2 := make(chan outcome, 1)

	go func() {
		s, err := effects.ApplyGain(context.Background(), dsp.GainParams{LowGain: 1, MidGain: 1, HighGain: 1})
		r1 <- outcome{s, err}
	}()
	<-backend.started // R1 holds sequence 2

	go func() {
		s, err := effects.ApplyGain(context.Background(), dsp.GainParams{LowGain: 2, MidGain: 1, HighGain: 1})
		r2 <- outcome{s, err}
	}()
	<-backend.started // R2 holds sequence 3

	close(backend.release[2])
	second := <-r2
	if second.err != nil {
		t.Fatalf("Expected R2 to apply, got %v", second.err)
	}

	close(backend.release[1])
	first := <-r1
	if !errors.Is(first.err, ErrSuperseded) {
		t.Fatalf("Expected R1 to be superseded, got %v", first.err)
	}

	final := store.Snapshot()
	if final.Processed != "/processed-r2" || final.Visualization != "/plots-r2" {
		t.Errorf("Expected final state to reflect R2, got %+v", final)
	}
	if final.Original != "/raw" {
		t.Errorf("Expected original unchanged, got %s", final.Original)
	}
	if got := backend.calls.Load(); got != 2 {
		t.Errorf("Expected 2 backend calls, got %d", got)
	}
}

func TestApply_InOrderResponsesBothApply(t *testing.T) {
	backend := &gatedBackend{
		started: make(chan dsp.EffectParams, 2),
		release: map[float64]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})},
	}
	close(backend.release[1])
	close(backend.release[2])
	store, _ := NewStore("")
	uploader := NewUploader(backend, store, UploaderConfig{}, nil)
	effects := NewEffects(backend, store, nil)

	uploader.Ingest(context.Background(), Source{Data: []byte("a"), Trusted: true})

	if _, err := effects.ApplyGain(context.Background(), dsp.GainParams{LowGain: 1}); err != nil {
		t.Fatalf("R1: %v", err)
	}
	if _, err := effects.ApplyGain(context.Background(), dsp.GainParams{LowGain: 2}); err != nil {
		t.Fatalf("R2: %v", err)
	}
	if got := store.Snapshot().Processed; got != "/processed-r2" {
		t.Errorf("Expected /processed-r2, got %s", got)
	}
}

func TestStore_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.yaml")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	seq := store.beginUpload()
	store.commitSession(seq, ArtifactSet{Original: "/o", Processed: "/p", Visualization: "/v"})

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	if got := reloaded.Snapshot(); got.Original != "/o" || got.Processed != "/p" || got.Visualization != "/v" {
		t.Errorf("Expected persisted state, got %+v", got)
	}

	if err := reloaded.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected state file removed after reset, stat err: %v", err)
	}
}

func TestStore_ResetDiscardsInFlightResponses(t *testing.T) {
	store, _ := NewStore("")
	seq := store.beginUpload()
	store.commitSession(seq, ArtifactSet{Original: "/o"})

	inflight, ok := store.beginEffect()
	if !ok {
		t.Fatal("Expected effect to begin with an active session")
	}
	store.Reset()

	if _, applied := store.commitEffect(inflight, "/p", "/v"); applied {
		t.Error("Expected in-flight response to be discarded after reset")
	}
	if store.Snapshot().HasSession() {
		t.Error("Expected empty state after reset")
	}
}

func TestStore_ResetDiscardsInFlightUpload(t *testing.T) {
	store, _ := NewStore("")
	inflight := store.beginUpload()
	store.Reset()

	if _, applied := store.commitSession(inflight, ArtifactSet{Original: "/o", Processed: "/p", Visualization: "/v"}); applied {
		t.Error("Expected upload begun before reset to be discarded")
	}
	if got := store.Snapshot(); got != (ArtifactSet{}) {
		t.Errorf("Expected empty state after reset, got %+v", got)
	}

	seq := store.beginUpload()
	if _, applied := store.commitSession(seq, ArtifactSet{Original: "/o2", Processed: "/p2", Visualization: "/v2"}); !applied {
		t.Error("Expected upload begun after reset to commit")
	}
}

// partialBackend answers with whatever results the test sets
type partialBackend struct {
	upload dsp.UploadResult
	effect dsp.EffectResult
}

func (b *partialBackend) Upload(ctx context.Context, filename string, data []byte) (*dsp.UploadResult, error) {
	r := b.upload
	return &r, nil
}

func (b *partialBackend) Apply(ctx context.Context, params dsp.EffectParams) (*dsp.EffectResult, error) {
	r := b.effect
	return &r, nil
}

func TestIngest_IncompleteResponseKeepsPriorState(t *testing.T) {
	backend := &partialBackend{
		upload: dsp.UploadResult{RawFileURL: "/old", ProcessedFileURL: "/old-p", PlotsURL: "/old-v"},
	}
	store, _ := NewStore("")
	uploader := NewUploader(backend, store, UploaderConfig{}, nil)

	if _, err := uploader.Ingest(context.Background(), Source{Data: []byte("a"), Label: "a.mp3", MimeType: "audio/mpeg"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before := store.Snapshot()

	cases := []struct {
		name   string
		result dsp.UploadResult
		want   string
	}{
		{"no raw", dsp.UploadResult{ProcessedFileURL: "/p", PlotsURL: "/v"}, "raw_file_url"},
		{"no processed", dsp.UploadResult{RawFileURL: "/r", PlotsURL: "/v"}, "processed_file_url"},
		{"no plots", dsp.UploadResult{RawFileURL: "/r", ProcessedFileURL: "/p"}, "plots_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend.upload = tc.result
			_, err := uploader.Ingest(context.Background(), Source{Data: []byte("b"), Label: "b.mp3", MimeType: "audio/mpeg"})
			if !errors.Is(err, ErrUploadFailed) {
				t.Fatalf("Expected ErrUploadFailed, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error to name %s, got %v", tc.want, err)
			}
			if store.Snapshot() != before {
				t.Errorf("Expected state unchanged %+v, got %+v", before, store.Snapshot())
			}
		})
	}
}

func TestApply_IncompleteResponseKeepsPriorState(t *testing.T) {
	backend := &partialBackend{
		upload: dsp.UploadResult{RawFileURL: "/raw", ProcessedFileURL: "/p0", PlotsURL: "/v0"},
		effect: dsp.EffectResult{ProcessedFileURL: "/p1"},
	}
	store, _ := NewStore("")
	uploader := NewUploader(backend, store, UploaderConfig{}, nil)
	effects := NewEffects(backend, store, nil)

	if _, err := uploader.Ingest(context.Background(), Source{Data: []byte("a"), Label: "a.mp3", MimeType: "audio/mpeg"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before := store.Snapshot()

	_, err := effects.ApplyPitchShift(context.Background(), dsp.PitchShiftParams{Rate: 1, NSteps: 2})
	if !errors.Is(err, ErrEffectRequestFailed) {
		t.Fatalf("Expected ErrEffectRequestFailed, got %v", err)
	}
	if kind, ok := EffectKindOf(err); !ok || kind != dsp.EffectPitchShift {
		t.Errorf("Expected error attributed to pitch_shift, got %q", kind)
	}
	if store.Snapshot() != before {
		t.Errorf("Expected state unchanged %+v, got %+v", before, store.Snapshot())
	}
}

func TestMimeTypeForFile(t *testing.T) {
	cases := map[string]string{
		"song.mp3":  "audio/mpeg",
		"SONG.MP3":  "audio/mpeg",
		"take.wav":  "audio/wav",
		"take.webm": "audio/webm",
		"noext":     "",
	}
	for name, want := range cases {
		if got := MimeTypeForFile(name); got != want {
			t.Errorf("MimeTypeForFile(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestUploader_AcceptsIgnoresParameters(t *testing.T) {
	u := NewUploader(nil, nil, UploaderConfig{}, nil)
	if !u.Accepts("audio/mpeg") || !u.Accepts("Audio/MPEG; charset=binary") {
		t.Error("Expected audio/mpeg to be accepted")
	}
	if u.Accepts("audio/webm") || u.Accepts("") {
		t.Error("Expected non-mp3 types to be rejected")
	}
}

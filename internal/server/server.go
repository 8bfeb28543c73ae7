package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/jamfx/internal/audio"
	"github.com/audiolibrelab/jamfx/internal/config"
	"github.com/audiolibrelab/jamfx/internal/dsp"
	"github.com/audiolibrelab/jamfx/internal/notify"
	"github.com/audiolibrelab/jamfx/internal/service"
	"github.com/audiolibrelab/jamfx/internal/session"
)

// maxUploadMemory bounds the multipart form kept in memory
const maxUploadMemory = 32 << 20

// Server is the local HTTP control surface for a JamFX service
type Server struct {
	service  service.Service
	cfg      *config.Config
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// StatusResponse represents the JSON response for the status endpoint
type StatusResponse struct {
	Recording     audio.Snapshot      `json:"recording"`
	Session       session.ArtifactSet `json:"session"`
	HasSession    bool                `json:"has_session"`
	BaseURL       string              `json:"base_url"`
	ActiveProfile string              `json:"active_profile,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
}

// SessionResponse is returned by every operation that may change the session
type SessionResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Session session.ArtifactSet `json:"session"`
}

// GenericResponse represents a generic JSON response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New creates a server for svc. A nil gatherer serves the process-wide
// Prometheus registry.
func New(svc service.Service, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		service:  svc,
		cfg:      svc.GetConfig(),
		gatherer: gatherer,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/record/start", s.handleStartRecording)
	s.mux.HandleFunc("/record/pause", s.handlePauseRecording)
	s.mux.HandleFunc("/record/resume", s.handleResumeRecording)
	s.mux.HandleFunc("/record/stop", s.handleStopRecording)
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/effects/", s.handleEffect)
	s.mux.HandleFunc("/session/reset", s.handleReset)
	s.mux.HandleFunc("/notifications", s.handleNotifications)
	s.mux.HandleFunc("/config/profiles", s.handleProfiles)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	_, port, _ := net.SplitHostPort(addr)
	slog.Info("Starting JamFX control server",
		"addr", addr,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), port),
		"dsp_service", s.cfg.Service.BaseURL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleIndex lists the available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.sendErrorResponse(w, http.StatusNotFound, "Not found", "path", r.URL.Path)
		return
	}
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"name": "jamfx",
		"endpoints": []string{
			"GET /status",
			"POST /record/start",
			"POST /record/pause",
			"POST /record/resume",
			"POST /record/stop",
			"POST /upload",
			"POST /effects/gain",
			"POST /effects/compression",
			"POST /effects/pitch-shift",
			"POST /session/reset",
			"GET /notifications",
			"GET /config/profiles",
			"GET /metrics",
		},
	})
}

// handleStatus returns the recording state and the resolved session
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	state := s.service.ResolvedState()
	sendJSON(w, http.StatusOK, StatusResponse{
		Recording:     s.service.RecordingStatus(),
		Session:       state,
		HasSession:    state.HasSession(),
		BaseURL:       s.cfg.Service.BaseURL,
		ActiveProfile: s.cfg.Profile,
		LastError:     s.service.GetLastError(),
	})
}

// handleStartRecording transitions IDLE -> RECORDING
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.StartRecording(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "start_recording")
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

// handlePauseRecording transitions RECORDING -> PAUSED
func (s *Server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.PauseRecording(); err != nil {
		s.sendServiceError(w, err, "operation", "pause_recording")
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording paused"})
}

// handleResumeRecording transitions PAUSED -> RECORDING
func (s *Server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.ResumeRecording(); err != nil {
		s.sendServiceError(w, err, "operation", "resume_recording")
		return
	}
	sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording resumed"})
}

// handleStopRecording stops capture and uploads the converted recording
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if _, err := s.service.StopRecording(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "stop_recording")
		return
	}
	s.sendSession(w, "Recording uploaded")
}

// handleUpload ingests a multipart file. The MIME type is taken from the
// part header, never from the file extension.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse multipart form", "error", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "No file part", "error", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to read uploaded file", "error", err)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	slog.Debug("Upload received", "filename", header.Filename, "mime_type", mimeType, "size", len(data))

	if _, err := s.service.UploadBytes(r.Context(), header.Filename, mimeType, data); err != nil {
		s.sendServiceError(w, err, "operation", "upload", "filename", header.Filename)
		return
	}
	s.sendSession(w, "Upload processed")
}

// handleEffect applies /effects/{gain|compression|pitch-shift}. Fields
// missing from the JSON body take the configured preset values.
func (s *Server) handleEffect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	kind, err := dsp.ParseEffectKind(strings.TrimPrefix(r.URL.Path, "/effects/"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "path", r.URL.Path)
		return
	}

	params, err := s.decodeEffect(r.Body, kind)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err), "effect", kind)
		return
	}
	if err := params.Validate(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "effect", kind)
		return
	}

	if _, err := s.service.ApplyEffect(r.Context(), params); err != nil {
		s.sendServiceError(w, err, "operation", "apply_effect", "effect", kind)
		return
	}
	s.sendSession(w, kind.Label()+" applied")
}

func (s *Server) decodeEffect(body io.Reader, kind dsp.EffectKind) (dsp.EffectParams, error) {
	decode := func(v interface{}) error {
		dec := json.NewDecoder(body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}

	switch kind {
	case dsp.EffectGain:
		p := s.cfg.Effects.Gain
		err := decode(&p)
		return p, err
	case dsp.EffectCompression:
		p := s.cfg.Effects.Compression
		err := decode(&p)
		return p, err
	case dsp.EffectPitchShift:
		p := s.cfg.Effects.PitchShift
		err := decode(&p)
		return p, err
	default:
		return nil, fmt.Errorf("unsupported effect %s", kind)
	}
}

// handleReset clears the session
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.ResetSession(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to reset session: %v", err))
		return
	}
	s.sendSession(w, "Session cleared")
}

// handleNotifications returns recent user notifications, oldest first
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": s.service.Notifications(),
	})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": s.cfg.ProfileNames(),
		"active":   s.cfg.Profile,
	})
}

func (s *Server) sendSession(w http.ResponseWriter, message string) {
	sendJSON(w, http.StatusOK, SessionResponse{
		Success: true,
		Message: message,
		Session: s.service.ResolvedState(),
	})
}

// sendServiceError maps a service error to its HTTP status and reports it
// with the same wording as the user notification
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	msg := err.Error()
	if n, ok := notify.FromError(err); ok {
		msg = n.Title + ": " + n.Description
	}
	s.sendErrorResponse(w, statusForError(err), msg, append(logContext, "error", err)...)
}

// statusForError maps the error taxonomy to HTTP statuses. Device faults and
// conversion failures are 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrSuperseded),
		errors.Is(err, audio.ErrInvalidState),
		errors.Is(err, audio.ErrEmptyCapture):
		return http.StatusConflict
	case errors.Is(err, session.ErrUploadFailed),
		errors.Is(err, session.ErrEffectRequestFailed):
		return http.StatusBadGateway
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendErrorResponse sends a standardized JSON error response with logging
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	sendJSON(w, statusCode, GenericResponse{
		Success: false,
		Error:   errorMsg,
	})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	sendJSON(w, http.StatusMethodNotAllowed, GenericResponse{
		Success: false,
		Error:   "Method not allowed",
	})
	return false
}

func sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// getLocalIP returns the local IP address for network access
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

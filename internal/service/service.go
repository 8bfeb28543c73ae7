package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/jamfx/internal/audio"
	"github.com/audiolibrelab/jamfx/internal/config"
	"github.com/audiolibrelab/jamfx/internal/dsp"
	"github.com/audiolibrelab/jamfx/internal/metrics"
	"github.com/audiolibrelab/jamfx/internal/notify"
	"github.com/audiolibrelab/jamfx/internal/play"
	"github.com/audiolibrelab/jamfx/internal/session"
	"github.com/audiolibrelab/jamfx/internal/transcode"
)

// Service represents the core JamFX service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) error
	PauseRecording() error
	ResumeRecording() error
	TogglePause() error
	StopRecording(ctx context.Context) (session.ArtifactSet, error)
	RecordingStatus() audio.Snapshot

	// Session operations
	UploadFile(ctx context.Context, path string) (session.ArtifactSet, error)
	UploadBytes(ctx context.Context, name, mimeType string, data []byte) (session.ArtifactSet, error)
	ApplyEffect(ctx context.Context, params dsp.EffectParams) (session.ArtifactSet, error)
	State() session.ArtifactSet
	ResolvedState() session.ArtifactSet
	ResetSession() error

	// Playback operations
	Play(ctx context.Context, artifact Artifact) error

	// Information operations
	Ping(ctx context.Context) (*dsp.PingResult, error)
	Notifications() []notify.Notification
	GetConfig() *config.Config
	GetLastError() string
}

// Artifact names one of the session's server-held files
type Artifact string

const (
	ArtifactOriginal      Artifact = "original"
	ArtifactProcessed     Artifact = "processed"
	ArtifactVisualization Artifact = "visualization"
)

// ParseArtifact accepts original, processed or visualization (plot)
func ParseArtifact(s string) (Artifact, error) {
	switch s {
	case "original", "raw":
		return ArtifactOriginal, nil
	case "", "processed":
		return ArtifactProcessed, nil
	case "visualization", "plot", "plots":
		return ArtifactVisualization, nil
	default:
		return "", fmt.Errorf("unknown artifact %q (valid: original, processed, visualization)", s)
	}
}

// Options injects the service's collaborators. Nil fields are built from
// the configuration.
type Options struct {
	Device     audio.Device
	Loader     transcode.Loader
	Transcoder *transcode.Transcoder
	Client     *dsp.Client
	Player     *play.Player
	Metrics    *metrics.Metrics
	// StateFile overrides cfg.Session.StateFile; "-" keeps state in memory
	StateFile string
}

// JamFXService is the main service implementation
type JamFXService struct {
	cfg *config.Config

	controller *audio.Controller
	transcoder *transcode.Transcoder
	client     *dsp.Client
	store      *session.Store
	uploader   *session.Uploader
	effects    *session.Effects
	player     *play.Player
	history    *notify.History

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new JamFX service instance
func New(cfg *config.Config, opts Options) (*JamFXService, error) {
	s := &JamFXService{
		cfg:     cfg,
		history: notify.NewHistory(cfg.Server.NotificationHistory),
		player:  opts.Player,
	}

	device := opts.Device
	if device == nil {
		var err error
		device, err = audio.NewDevice(cfg.Capture)
		if err != nil {
			return nil, err
		}
	}
	s.controller = audio.NewController(device, audio.Options{
		ChunkInterval: cfg.Capture.ChunkInterval,
		OnFault:       s.report,
		Metrics:       opts.Metrics,
	})

	s.transcoder = opts.Transcoder
	if s.transcoder == nil {
		loader := opts.Loader
		if loader == nil {
			loader = transcode.FFmpegLoader(cfg.Transcode.FFmpeg)
		}
		s.transcoder = transcode.New(loader, transcode.Options{
			Format:   cfg.Transcode.Format,
			MimeType: cfg.Transcode.MimeType,
			Metrics:  opts.Metrics,
		})
	}

	s.client = opts.Client
	if s.client == nil {
		client, err := dsp.NewClient(dsp.Config{
			BaseURL:     cfg.Service.BaseURL,
			Timeout:     cfg.Service.Timeout,
			UploadField: cfg.Upload.Field,
			Metrics:     opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		s.client = client
	}

	stateFile := cfg.Session.StateFile
	if opts.StateFile != "" {
		stateFile = opts.StateFile
	}
	if stateFile == "-" {
		stateFile = ""
	}
	store, err := session.NewStore(stateFile)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.uploader = session.NewUploader(s.client, store, session.UploaderConfig{
		AcceptedTypes: cfg.Upload.AcceptedTypes,
		Filename:      "audio." + cfg.Transcode.Format,
	}, opts.Metrics)
	s.effects = session.NewEffects(s.client, store, opts.Metrics)

	if s.player == nil {
		s.player = play.New(cfg.Player)
	}

	if cfg.Transcode.Preload {
		go func() {
			if err := s.transcoder.Preload(context.Background()); err != nil {
				slog.Warn("Codec runtime preload failed, will retry on first conversion", "error", err)
			}
		}()
	}

	return s, nil
}

// StartRecording acquires the capture device (IDLE -> RECORDING)
func (s *JamFXService) StartRecording(ctx context.Context) error {
	slog.Debug("Service.StartRecording called")
	s.clearLastError() // Clear any previous errors when starting a new operation
	err := s.controller.Start(ctx)
	if err != nil {
		s.report(err)
	}
	return err
}

// PauseRecording suspends chunk capture (RECORDING -> PAUSED)
func (s *JamFXService) PauseRecording() error {
	err := s.controller.Pause()
	if err != nil {
		s.report(err)
	}
	return err
}

// ResumeRecording continues capture (PAUSED -> RECORDING)
func (s *JamFXService) ResumeRecording() error {
	err := s.controller.Resume()
	if err != nil {
		s.report(err)
	}
	return err
}

// TogglePause pauses a running recording or resumes a paused one
func (s *JamFXService) TogglePause() error {
	if s.controller.Mode() == audio.ModePaused {
		return s.ResumeRecording()
	}
	return s.PauseRecording()
}

// StopRecording stops capture, converts the result and ingests it as a new
// session
func (s *JamFXService) StopRecording(ctx context.Context) (session.ArtifactSet, error) {
	capture, err := s.controller.Stop(ctx)
	if err != nil {
		s.report(err)
		return s.store.Snapshot(), err
	}

	artifact, err := s.transcoder.Convert(ctx, capture)
	if err != nil {
		s.report(err)
		return s.store.Snapshot(), err
	}
	s.history.Add(notify.RecordingStopped())

	return s.ingest(ctx, session.Source{
		Data:     artifact.Data,
		Label:    "recording",
		MimeType: artifact.MimeType,
		Trusted:  true,
	})
}

// RecordingStatus returns the capture controller state
func (s *JamFXService) RecordingStatus() audio.Snapshot {
	return s.controller.Snapshot()
}

// UploadFile ingests a user-selected file
func (s *JamFXService) UploadFile(ctx context.Context, path string) (session.ArtifactSet, error) {
	src, err := session.SourceFromFile(path)
	if err != nil {
		s.setLastError(err.Error())
		return s.store.Snapshot(), err
	}
	return s.ingest(ctx, src)
}

// UploadBytes ingests an in-memory file whose MIME type was declared by the caller
func (s *JamFXService) UploadBytes(ctx context.Context, name, mimeType string, data []byte) (session.ArtifactSet, error) {
	return s.ingest(ctx, session.Source{Data: data, Label: name, MimeType: mimeType})
}

func (s *JamFXService) ingest(ctx context.Context, src session.Source) (session.ArtifactSet, error) {
	state, err := s.uploader.Ingest(ctx, src)
	if err != nil {
		s.report(err)
		return state, err
	}
	s.clearLastError()
	s.history.Add(notify.Uploaded())
	return state, nil
}

// ApplyEffect requests an effect against the current original
func (s *JamFXService) ApplyEffect(ctx context.Context, params dsp.EffectParams) (session.ArtifactSet, error) {
	state, err := s.effects.Apply(ctx, params)
	if err != nil {
		s.report(err)
		return state, err
	}
	s.clearLastError()
	s.history.Add(notify.EffectApplied(params.Kind()))
	return state, nil
}

// State returns the session's server-relative references
func (s *JamFXService) State() session.ArtifactSet {
	return s.store.Snapshot()
}

// ResolvedState returns the session's references as absolute URLs
func (s *JamFXService) ResolvedState() session.ArtifactSet {
	return s.store.Snapshot().Resolve(s.client.BaseURL())
}

// ResetSession clears the session and discards in-flight responses
func (s *JamFXService) ResetSession() error {
	return s.store.Reset()
}

// Play plays an audio artifact or opens the visualization
func (s *JamFXService) Play(ctx context.Context, artifact Artifact) error {
	state := s.ResolvedState()
	if !state.HasSession() {
		err := fmt.Errorf("play %s: %w", artifact, session.ErrNoActiveSession)
		s.report(err)
		return err
	}

	switch artifact {
	case ArtifactOriginal:
		return s.player.Play(ctx, state.Original)
	case ArtifactProcessed:
		return s.player.Play(ctx, state.Processed)
	case ArtifactVisualization:
		return s.player.OpenImage(ctx, state.Visualization)
	default:
		return fmt.Errorf("unknown artifact %q", artifact)
	}
}

// Ping checks that the DSP service is reachable
func (s *JamFXService) Ping(ctx context.Context) (*dsp.PingResult, error) {
	return s.client.Ping(ctx)
}

// Notifications returns recent notifications, oldest first
func (s *JamFXService) Notifications() []notify.Notification {
	return s.history.List()
}

// GetConfig returns the current configuration
func (s *JamFXService) GetConfig() *config.Config {
	return s.cfg
}

// report records err as a notification and as the last error. Superseded
// responses are not failures and are only logged.
func (s *JamFXService) report(err error) {
	if errors.Is(err, session.ErrSuperseded) {
		slog.Debug("Response superseded by a newer request", "error", err)
		return
	}
	n, ok := notify.FromError(err)
	if !ok {
		return
	}
	s.history.Add(n)
	s.setLastError(fmt.Sprintf("%s: %s", n.Title, n.Description))
}

// GetLastError returns the last error message (thread-safe)
func (s *JamFXService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *JamFXService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *JamFXService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/jamfx/internal/dsp"
	"github.com/audiolibrelab/jamfx/internal/metrics"
)

// Backend is the remote DSP service as seen by the orchestrators
type Backend interface {
	Upload(ctx context.Context, filename string, data []byte) (*dsp.UploadResult, error)
	Apply(ctx context.Context, params dsp.EffectParams) (*dsp.EffectResult, error)
}

// audioMimeTypes covers extensions the platform MIME table usually lacks
var audioMimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".webm": "audio/webm",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

// MimeTypeForFile returns the declared MIME type of a file name, or "" if unknown
func MimeTypeForFile(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if t, ok := audioMimeTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// Source is the input of an ingest
type Source struct {
	Data     []byte
	Label    string // file name, or "recording" for captured audio
	MimeType string
	// Trusted sources (transcoder output) skip MIME validation
	Trusted bool
}

// SourceFromFile reads a user-selected file
func SourceFromFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Source{
		Data:     data,
		Label:    filepath.Base(path),
		MimeType: MimeTypeForFile(path),
	}, nil
}

// UploaderConfig contains ingest settings
type UploaderConfig struct {
	// AcceptedTypes lists the MIME types the backend accepts (default audio/mpeg)
	AcceptedTypes []string
	// Filename is sent as the multipart file name (default audio.mp3)
	Filename string
}

// Uploader performs the initial ingestion that starts a session
type Uploader struct {
	backend Backend
	store   *Store
	config  UploaderConfig
	metrics *metrics.Metrics
}

// NewUploader creates an Uploader writing to store
func NewUploader(backend Backend, store *Store, config UploaderConfig, m *metrics.Metrics) *Uploader {
	if len(config.AcceptedTypes) == 0 {
		config.AcceptedTypes = []string{"audio/mpeg"}
	}
	if config.Filename == "" {
		config.Filename = "audio.mp3"
	}
	return &Uploader{backend: backend, store: store, config: config, metrics: m}
}

// Accepts reports whether mimeType is one of the accepted types
func (u *Uploader) Accepts(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	for _, t := range u.config.AcceptedTypes {
		if strings.EqualFold(mediaType, t) {
			return true
		}
	}
	return false
}

// Ingest uploads src and, on success, replaces the whole session state.
// On failure the state is left as it was.
func (u *Uploader) Ingest(ctx context.Context, src Source) (ArtifactSet, error) {
	if !src.Trusted && !u.Accepts(src.MimeType) {
		declared := src.MimeType
		if declared == "" {
			declared = "unknown"
		}
		return u.store.Snapshot(), fmt.Errorf("%w: %s is %s, expected %s",
			ErrUnsupportedFormat, src.Label, declared, strings.Join(u.config.AcceptedTypes, ", "))
	}

	seq := u.store.beginUpload()
	slog.Info("Uploading audio", "source", src.Label, "bytes", len(src.Data), "seq", seq)

	result, err := u.backend.Upload(ctx, u.config.Filename, src.Data)
	if err != nil {
		slog.Error("Upload failed", "source", src.Label, "error", err)
		return u.store.Snapshot(), fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := result.Validate(); err != nil {
		slog.Error("Upload returned an incomplete session", "source", src.Label, "error", err)
		return u.store.Snapshot(), fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	state, applied := u.store.commitSession(seq, ArtifactSet{
		Original:      result.RawFileURL,
		Processed:     result.ProcessedFileURL,
		Visualization: result.PlotsURL,
	})
	if !applied {
		u.metrics.ResponseSuperseded()
		return state, fmt.Errorf("upload of %s: %w", src.Label, ErrSuperseded)
	}

	u.metrics.SessionStarted()
	slog.Info("Upload completed", "source", src.Label, "original", state.Original,
		"processed", state.Processed, "visualization", state.Visualization)
	return state, nil
}

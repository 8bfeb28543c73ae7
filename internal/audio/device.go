package audio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/audiolibrelab/jamfx/internal/config"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeAuto     BackendType = "auto"
)

// StreamOptions are passed to Device.Open
type StreamOptions struct {
	ChunkInterval time.Duration
}

// StreamHandler receives stream events. OnData is called once per timeslice
// and once more with the final partial chunk when the stream is closed.
// OnData calls are never concurrent with each other; OnError may arrive from
// another goroutine and may call Close.
type StreamHandler struct {
	OnData  func([]byte)
	OnError func(error)
}

// Stream is an open capture stream, exclusively owned by one recording session
type Stream interface {
	Pause() error
	Resume() error
	// Close releases the device. It delivers any buffered data before returning.
	Close() error
}

// Device is an audio input that can be opened as a chunked stream
type Device interface {
	Open(ctx context.Context, opts StreamOptions, h StreamHandler) (Stream, error)
	Name() string
	MimeType() string
}

// SourceLister is implemented by devices that can enumerate their inputs
type SourceLister interface {
	ListSources() ([]string, error)
	ValidateSource(source string) error
}

// NewDevice creates a capture device using the configured backend
func NewDevice(cfg config.CaptureConfig) (Device, error) {
	switch determineBackend(cfg) {
	case BackendTypePipeWire:
		return NewPipeWireDevice(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported capture backend: %s", cfg.Backend)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg config.CaptureConfig) BackendType {
	switch strings.ToLower(cfg.Backend) {
	case "", "auto", "pipewire":
		// PipeWire is the only backend available
		return BackendTypePipeWire
	}
	return BackendType(cfg.Backend)
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePipeWire}
}

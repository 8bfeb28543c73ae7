// Package notify turns pipeline outcomes into user-facing notifications.
package notify

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/jamfx/internal/audio"
	"github.com/audiolibrelab/jamfx/internal/dsp"
	"github.com/audiolibrelab/jamfx/internal/session"
	"github.com/audiolibrelab/jamfx/internal/transcode"
)

// Variant is the severity of a notification
type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
)

// Notification is a toast shown to the user
type Notification struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Variant     Variant   `json:"variant"`
	Time        time.Time `json:"time"`
}

// FromError maps err to a notification. It returns false for nil errors and
// for superseded responses, which are not failures.
func FromError(err error) (Notification, bool) {
	if err == nil || errors.Is(err, session.ErrSuperseded) {
		return Notification{}, false
	}

	n := Notification{Variant: VariantDestructive, Time: time.Now()}

	switch {
	case errors.Is(err, audio.ErrDeviceUnavailable):
		n.Title = "Recording failed"
		n.Description = "Unable to access the microphone. Please check your permissions and try again."
	case errors.Is(err, audio.ErrEmptyCapture):
		n.Title = "Recording failed"
		n.Description = "No audio data was captured. Please try again."
	case errors.Is(err, audio.ErrDeviceFault):
		n.Title = "Recording error"
		n.Description = "The audio input stopped unexpectedly. The recording was discarded."
	case errors.Is(err, audio.ErrInvalidState):
		n.Title = "Recording error"
		n.Description = err.Error()
	case errors.Is(err, transcode.ErrRuntimeLoadFailed):
		n.Title = "Conversion failed"
		n.Description = "The audio converter could not be loaded. Please try again."
	case errors.Is(err, transcode.ErrConversionFailed):
		n.Title = "Conversion failed"
		n.Description = "Failed to convert the recorded audio to MP3. Please try again."
	case errors.Is(err, session.ErrUnsupportedFormat):
		n.Title = "Invalid file type"
		n.Description = "Please upload an MP3 file."
	case errors.Is(err, session.ErrNoActiveSession):
		n.Title = "No audio file"
		n.Description = "Please upload or record an audio file first."
	case errors.Is(err, session.ErrUploadFailed):
		n.Title = "Processing failed"
		n.Description = withDiagnostic("There was an error processing your audio.", err)
	case errors.Is(err, session.ErrEffectRequestFailed):
		kind, _ := session.EffectKindOf(err)
		n.Title = effectLabel(kind) + " application failed"
		n.Description = withDiagnostic("There was an error applying the "+strings.ToLower(effectLabel(kind))+" effect.", err)
	default:
		n.Title = "Error"
		n.Description = err.Error()
	}
	return n, true
}

func withDiagnostic(msg string, err error) string {
	if d := dsp.Diagnostic(err); d != "" {
		return msg + " Server response: " + d
	}
	return msg
}

func effectLabel(kind dsp.EffectKind) string {
	if kind == "" {
		return "Effect"
	}
	return kind.Label()
}

// Uploaded is shown when a session starts
func Uploaded() Notification {
	return Notification{
		Title:       "Processing complete",
		Description: "Your audio has been processed successfully.",
		Variant:     VariantDefault,
		Time:        time.Now(),
	}
}

// EffectApplied is shown when an effect response has been applied
func EffectApplied(kind dsp.EffectKind) Notification {
	return Notification{
		Title:       effectLabel(kind) + " applied",
		Description: "The " + strings.ToLower(effectLabel(kind)) + " effect has been applied to your audio.",
		Variant:     VariantDefault,
		Time:        time.Now(),
	}
}

// RecordingStopped is shown once a capture has been converted
func RecordingStopped() Notification {
	return Notification{
		Title:       "Recording stopped",
		Description: "Your recording has been converted and is being uploaded.",
		Variant:     VariantDefault,
		Time:        time.Now(),
	}
}

// History is a bounded, concurrency-safe list of recent notifications
type History struct {
	mu    sync.Mutex
	items []Notification
	limit int
}

// NewHistory creates a history keeping at most limit entries
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit}
}

// Add appends n, evicting the oldest entry when full
func (h *History) Add(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, n)
	if len(h.items) > h.limit {
		h.items = h.items[len(h.items)-h.limit:]
	}
}

// List returns the notifications oldest first
func (h *History) List() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, len(h.items))
	copy(out, h.items)
	return out
}

// Package transcode converts raw captures to the upload format using a
// lazily loaded codec runtime.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/audiolibrelab/jamfx/internal/audio"
	"github.com/audiolibrelab/jamfx/internal/metrics"
)

var (
	ErrRuntimeLoadFailed = errors.New("codec runtime failed to load")
	ErrConversionFailed  = errors.New("audio conversion failed")
)

// Runtime is a loaded codec runtime
type Runtime interface {
	// Convert transcodes in, whose container is inExt, to outExt
	Convert(ctx context.Context, in []byte, inExt, outExt string) ([]byte, error)
	Name() string
}

// Loader loads a codec runtime. It may be slow and may fail.
type Loader func(ctx context.Context) (Runtime, error)

// Artifact is the converted audio
type Artifact struct {
	Data      []byte
	MimeType  string
	Extension string
}

// Filename returns the upload file name for the artifact
func (a *Artifact) Filename() string {
	return "audio." + a.Extension
}

// Options configures the target encoding
type Options struct {
	// Format is the target container extension (default mp3)
	Format string
	// MimeType is the target MIME type (default audio/mpeg)
	MimeType string
	// SkipValidation disables decoding the first frame of MP3 output
	SkipValidation bool
	Metrics        *metrics.Metrics
}

// Transcoder converts captures to the target format. The runtime is loaded
// on first use, at most once per Transcoder; concurrent first callers share
// one in-flight load and a failed load is retried by the next call.
type Transcoder struct {
	loader Loader
	opts   Options

	group   singleflight.Group
	mu      sync.Mutex
	runtime Runtime
	loads   atomic.Int32
}

// New creates a Transcoder
func New(loader Loader, opts Options) *Transcoder {
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	if opts.MimeType == "" {
		opts.MimeType = "audio/mpeg"
	}
	return &Transcoder{loader: loader, opts: opts}
}

// Loads reports how many runtime loads have been attempted
func (t *Transcoder) Loads() int {
	return int(t.loads.Load())
}

// Ready reports whether the runtime is loaded
func (t *Transcoder) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runtime != nil
}

// Preload loads the runtime ahead of the first conversion
func (t *Transcoder) Preload(ctx context.Context) error {
	_, err := t.runtimeFor(ctx)
	return err
}

func (t *Transcoder) runtimeFor(ctx context.Context) (Runtime, error) {
	t.mu.Lock()
	rt := t.runtime
	t.mu.Unlock()
	if rt != nil {
		return rt, nil
	}

	v, err, shared := t.group.Do("runtime", func() (any, error) {
		t.mu.Lock()
		if t.runtime != nil {
			rt := t.runtime
			t.mu.Unlock()
			return rt, nil
		}
		t.mu.Unlock()

		t.loads.Add(1)
		start := time.Now()
		rt, err := t.loader(ctx)
		t.opts.Metrics.RuntimeLoaded(err == nil)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		t.runtime = rt
		t.mu.Unlock()

		slog.Info("Codec runtime loaded", "runtime", rt.Name(), "duration", time.Since(start).Round(time.Millisecond))
		return rt, nil
	})
	if err != nil {
		slog.Error("Codec runtime failed to load", "shared", shared, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRuntimeLoadFailed, err)
	}
	return v.(Runtime), nil
}

// Convert transcodes the capture to the target format. The capture data is
// never modified.
func (t *Transcoder) Convert(ctx context.Context, capture *audio.Capture) (*Artifact, error) {
	if capture == nil || len(capture.Data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrConversionFailed)
	}

	rt, err := t.runtimeFor(ctx)
	if err != nil {
		return nil, err
	}

	in := make([]byte, len(capture.Data))
	copy(in, capture.Data)
	inExt := ExtensionForMime(capture.MimeType)

	slog.Debug("Converting capture", "runtime", rt.Name(), "bytes", len(in), "from", inExt, "to", t.opts.Format)

	start := time.Now()
	out, err := rt.Convert(ctx, in, inExt, t.opts.Format)
	if err == nil && len(out) == 0 {
		err = errors.New("runtime produced no output")
	}
	if err == nil && !t.opts.SkipValidation && t.opts.Format == "mp3" {
		err = ValidateMP3(out)
	}
	t.opts.Metrics.ConversionObserved(time.Since(start), err == nil)
	if err != nil {
		slog.Error("Conversion failed", "runtime", rt.Name(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}

	slog.Info("Capture converted", "in_bytes", len(in), "out_bytes", len(out), "format", t.opts.Format)
	return &Artifact{Data: out, MimeType: t.opts.MimeType, Extension: t.opts.Format}, nil
}

var mimeExtensions = map[string]string{
	"audio/webm": "webm",
	"audio/ogg":  "ogg",
	"audio/wav":  "wav",
	"audio/mp4":  "m4a",
	"audio/mpeg": "mp3",
	"audio/flac": "flac",
}

// ExtensionForMime returns the container extension for a raw capture MIME
// type, defaulting to webm
func ExtensionForMime(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	if ext, ok := mimeExtensions[strings.TrimSpace(strings.ToLower(base))]; ok {
		return ext
	}
	return "webm"
}

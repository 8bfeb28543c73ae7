package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/jamfx/internal/dsp"
	"github.com/audiolibrelab/jamfx/internal/metrics"
)

// Effects issues effect requests against the current session.
//
// Requests are not queued: several may be in flight at once. Parameter ranges
// are not re-validated here; input surfaces validate and the DSP service
// rejects anything else.
type Effects struct {
	backend Backend
	store   *Store
	metrics *metrics.Metrics
}

// NewEffects creates an effect orchestrator writing to store
func NewEffects(backend Backend, store *Store, m *metrics.Metrics) *Effects {
	return &Effects{backend: backend, store: store, metrics: m}
}

// Apply sends params for the current original and replaces Processed and
// Visualization with the response, unless a newer request already resolved.
func (e *Effects) Apply(ctx context.Context, params dsp.EffectParams) (ArtifactSet, error) {
	if params == nil {
		return e.store.Snapshot(), errors.New("effect parameters are required")
	}
	kind := params.Kind()

	seq, ok := e.store.beginEffect()
	if !ok {
		return e.store.Snapshot(), fmt.Errorf("%s: %w", kind, ErrNoActiveSession)
	}

	slog.Info("Applying effect", "effect", kind, "params", params, "seq", seq)

	result, err := e.backend.Apply(ctx, params)
	if err != nil {
		slog.Error("Effect request failed", "effect", kind, "seq", seq, "error", err)
		return e.store.Snapshot(), &EffectError{Kind: kind, Err: err}
	}
	if err := result.Validate(); err != nil {
		slog.Error("Effect returned an incomplete result", "effect", kind, "seq", seq, "error", err)
		return e.store.Snapshot(), &EffectError{Kind: kind, Err: err}
	}

	state, applied := e.store.commitEffect(seq, result.ProcessedFileURL, result.PlotsURL)
	if !applied {
		e.metrics.ResponseSuperseded()
		slog.Info("Effect response superseded", "effect", kind, "seq", seq)
		return state, fmt.Errorf("%s: %w", kind, ErrSuperseded)
	}

	slog.Info("Effect applied", "effect", kind, "seq", seq, "processed", state.Processed)
	return state, nil
}

// ApplyGain applies the three-band gain effect
func (e *Effects) ApplyGain(ctx context.Context, p dsp.GainParams) (ArtifactSet, error) {
	return e.Apply(ctx, p)
}

// ApplyCompression applies the compressor
func (e *Effects) ApplyCompression(ctx context.Context, p dsp.CompressionParams) (ArtifactSet, error) {
	return e.Apply(ctx, p)
}

// ApplyPitchShift applies time-stretch and pitch shift
func (e *Effects) ApplyPitchShift(ctx context.Context, p dsp.PitchShiftParams) (ArtifactSet, error) {
	return e.Apply(ctx, p)
}

package dsp

import (
	"errors"
	"fmt"
	"math"
)

// EffectKind identifies one of the server-side effects
type EffectKind string

const (
	EffectGain        EffectKind = "gain"
	EffectCompression EffectKind = "compression"
	EffectPitchShift  EffectKind = "pitch_shift"
)

// Parameter bounds enforced by input surfaces (CLI flags, HTTP handlers, presets)
const (
	MinGain      = 0.0
	MaxGain      = 2.0
	MinThreshold = -60.0
	MaxThreshold = 0.0
	MinRatio     = 1.0
	MaxRatio     = 20.0
	MinRate      = 0.5
	MaxRate      = 2.0
	MinSteps     = -12
	MaxSteps     = 12
)

// Label returns a human-readable effect name
func (k EffectKind) Label() string {
	switch k {
	case EffectGain:
		return "Gain"
	case EffectCompression:
		return "Compression"
	case EffectPitchShift:
		return "Pitch shift"
	default:
		return string(k)
	}
}

// ParseEffectKind accepts the kind names used on the command line and in URLs
func ParseEffectKind(s string) (EffectKind, error) {
	switch s {
	case "gain", "eq":
		return EffectGain, nil
	case "compression", "compress":
		return EffectCompression, nil
	case "pitch_shift", "pitch-shift", "pitch":
		return EffectPitchShift, nil
	default:
		return "", fmt.Errorf("unknown effect %q (valid: gain, compression, pitch-shift)", s)
	}
}

// EffectParams is one of GainParams, CompressionParams or PitchShiftParams.
// Values are sent as the JSON request body of the effect's endpoint.
type EffectParams interface {
	Kind() EffectKind
	Endpoint() string
	Validate() error
}

// GainParams are the three-band EQ gain multipliers
type GainParams struct {
	LowGain  float64 `json:"low_gain" mapstructure:"low_gain" yaml:"low_gain"`
	MidGain  float64 `json:"mid_gain" mapstructure:"mid_gain" yaml:"mid_gain"`
	HighGain float64 `json:"high_gain" mapstructure:"high_gain" yaml:"high_gain"`
}

func (GainParams) Kind() EffectKind { return EffectGain }
func (GainParams) Endpoint() string { return "/apply-gain" }

func (p GainParams) Validate() error {
	bands := []struct {
		name  string
		value float64
	}{
		{"low_gain", p.LowGain},
		{"mid_gain", p.MidGain},
		{"high_gain", p.HighGain},
	}
	for _, b := range bands {
		if err := checkRange(b.name, b.value, MinGain, MaxGain); err != nil {
			return err
		}
	}
	return nil
}

// CompressionParams configure the dynamic range compressor
type CompressionParams struct {
	Threshold float64 `json:"threshold" mapstructure:"threshold" yaml:"threshold"` // dB
	Ratio     float64 `json:"ratio" mapstructure:"ratio" yaml:"ratio"`
}

func (CompressionParams) Kind() EffectKind { return EffectCompression }
func (CompressionParams) Endpoint() string { return "/apply-compression" }

func (p CompressionParams) Validate() error {
	if err := checkRange("threshold", p.Threshold, MinThreshold, MaxThreshold); err != nil {
		return err
	}
	return checkRange("ratio", p.Ratio, MinRatio, MaxRatio)
}

// PitchShiftParams configure time-stretch rate and pitch shift in semitones
type PitchShiftParams struct {
	Rate   float64 `json:"rate" mapstructure:"rate" yaml:"rate"`
	NSteps int     `json:"n_steps" mapstructure:"n_steps" yaml:"n_steps"`
}

func (PitchShiftParams) Kind() EffectKind { return EffectPitchShift }
func (PitchShiftParams) Endpoint() string { return "/apply-pitch-shift" }

func (p PitchShiftParams) Validate() error {
	if err := checkRange("rate", p.Rate, MinRate, MaxRate); err != nil {
		return err
	}
	if p.NSteps < MinSteps || p.NSteps > MaxSteps {
		return fmt.Errorf("n_steps must be between %d and %d, got %d", MinSteps, MaxSteps, p.NSteps)
	}
	return nil
}

func checkRange(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%s must be between %g and %g, got %g", name, lo, hi, v)
	}
	return nil
}

// UploadResult is the success body of POST /upload
type UploadResult struct {
	RawFileURL       string `json:"raw_file_url"`
	ProcessedFileURL string `json:"processed_file_url"`
	PlotsURL         string `json:"plots_url"`
}

// Validate reports the first reference missing from the response
func (r *UploadResult) Validate() error {
	switch {
	case r.RawFileURL == "":
		return errors.New("response missing raw_file_url")
	case r.ProcessedFileURL == "":
		return errors.New("response missing processed_file_url")
	case r.PlotsURL == "":
		return errors.New("response missing plots_url")
	}
	return nil
}

// EffectResult is the success body of every effect endpoint
type EffectResult struct {
	ProcessedFileURL string `json:"processed_file_url"`
	PlotsURL         string `json:"plots_url"`
}

// Validate reports the first reference missing from the response
func (r *EffectResult) Validate() error {
	switch {
	case r.ProcessedFileURL == "":
		return errors.New("response missing processed_file_url")
	case r.PlotsURL == "":
		return errors.New("response missing plots_url")
	}
	return nil
}

// PingResult is the body of GET /
type PingResult struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

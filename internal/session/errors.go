package session

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/jamfx/internal/dsp"
)

var (
	// ErrUnsupportedFormat is returned before any network call when a
	// user-selected file is not of the accepted MIME type.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrNoActiveSession is returned before any network call when an effect is
	// requested and no original has been uploaded yet.
	ErrNoActiveSession = errors.New("no active audio session")

	// ErrUploadFailed wraps transport errors and non-2xx responses from /upload.
	ErrUploadFailed = errors.New("upload failed")

	// ErrEffectRequestFailed is matched by every *EffectError.
	ErrEffectRequestFailed = errors.New("effect request failed")

	// ErrSuperseded is returned when a response arrives after a newer request
	// has already been applied. It is not a failure and the state is unchanged.
	ErrSuperseded = errors.New("response superseded by a newer request")
)

// EffectError attributes an effect request failure to its effect kind
type EffectError struct {
	Kind dsp.EffectKind
	Err  error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Kind, e.Err)
}

func (e *EffectError) Unwrap() []error {
	return []error{ErrEffectRequestFailed, e.Err}
}

// EffectKindOf returns the effect kind carried by err, if any
func EffectKindOf(err error) (dsp.EffectKind, bool) {
	var ee *EffectError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

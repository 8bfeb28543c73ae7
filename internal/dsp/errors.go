package dsp

import (
	"errors"
	"fmt"
	"strings"
)

// StatusError is returned for any non-2xx response from the DSP service.
// Body carries the server's diagnostic text, if any.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: HTTP error %d", e.Endpoint, e.StatusCode)
	if e.Status != "" {
		msg = fmt.Sprintf("%s: %s", e.Endpoint, e.Status)
	}
	if d := e.Diagnostic(); d != "" {
		msg += ". Server response: " + d
	}
	return msg
}

// Diagnostic returns the trimmed server response text
func (e *StatusError) Diagnostic() string {
	return strings.TrimSpace(e.Body)
}

// Diagnostic extracts the server diagnostic text from anywhere in err's chain
func Diagnostic(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Diagnostic()
	}
	return ""
}

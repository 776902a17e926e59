package voice

import (
	"errors"
	"fmt"
)

var (
	ErrCaptureUnsupported     = errors.New("speech capture not supported")
	ErrAlreadyStarted         = errors.New("recognizer already started")
	ErrTargetLanguageRequired = errors.New("target_language is required for TRANSLATE")
	ErrUnknownIntent          = errors.New("unknown quick action intent")
	ErrClosed                 = errors.New("voice controller closed")
)

// Recogniser error codes with special handling.
const (
	CodeNoSpeech          = "no-speech"
	CodeAborted           = "aborted"
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
)

// CaptureError is a recogniser failure surfaced to the capture owner.
type CaptureError struct {
	Code string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("speech capture error: %s", e.Code)
}

// Blocked reports whether the microphone is unavailable until the user intervenes.
func (e *CaptureError) Blocked() bool {
	return e.Code == CodeNotAllowed || e.Code == CodeServiceNotAllowed
}

// IsMicBlocked reports whether err means capture cannot work at all.
func IsMicBlocked(err error) bool {
	if errors.Is(err, ErrCaptureUnsupported) {
		return true
	}
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Blocked()
}

type DispatchError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("dispatch failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type PlaybackError struct {
	URL string
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback of %s failed: %v", e.URL, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

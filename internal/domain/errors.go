package domain

import "errors"

// Precondition errors are returned before any network call is attempted.
var (
	ErrEmptyInput    = errors.New("message is empty")
	ErrNoSession     = errors.New("no counseling session selected")
	ErrNotConnected  = errors.New("not connected to the counseling server")
	ErrSessionClosed = errors.New("counseling session is closed")
)

var (
	ErrUnauthorized = errors.New("credential rejected by the counseling server")

	ErrPermissionDenied      = errors.New("microphone permission denied")
	ErrNoCaptureDevice       = errors.New("no microphone available")
	ErrInvalidRecordingState = errors.New("invalid recording state")
	ErrNoAudio               = errors.New("no recorded audio")

	ErrTranscriptionBusy = errors.New("a transcription is already in progress")
	ErrEmptyTranscript   = errors.New("no speech recognized")
)

// CodeFor maps an error to the UI error code that best describes it.
func CodeFor(err error, fallback ErrorCode) ErrorCode {
	switch {
	case errors.Is(err, ErrEmptyInput),
		errors.Is(err, ErrNoSession),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrSessionClosed):
		return ErrorCodePrecondition
	case errors.Is(err, ErrUnauthorized):
		return ErrorCodeConnection
	case errors.Is(err, ErrPermissionDenied):
		return ErrorCodePermission
	case errors.Is(err, ErrNoCaptureDevice):
		return ErrorCodeNoDevice
	case errors.Is(err, ErrTranscriptionBusy), errors.Is(err, ErrEmptyTranscript):
		return ErrorCodeTranscription
	default:
		return fallback
	}
}

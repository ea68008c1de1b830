package ports

import (
	"context"
	"io"
	"time"

	"counselchat/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing PCM s16le bytes.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
//
// Start returns domain.ErrPermissionDenied or domain.ErrNoCaptureDevice
// (wrapped) when the device cannot be opened for those reasons.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// Transcriber turns a finished audio unit into text.
type Transcriber interface {
	Transcribe(ctx context.Context, unit domain.AudioUnit) (string, error)
}

// VoiceUpload is the result of persisting a voice artifact.
type VoiceUpload struct {
	Path string
}

// VoiceUploader persists a raw audio unit against a message slot.
type VoiceUploader interface {
	UploadVoice(ctx context.Context, sessionID string, messageOrder int, unit domain.AudioUnit) (VoiceUpload, error)
}

// SessionHistory is the server-side view of a counseling session.
type SessionHistory struct {
	Closed   bool
	Messages []domain.ChatMessage
}

// HistoryLoader fetches the persisted messages of a session.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, sessionID string) (SessionHistory, error)
}

// CredentialSource yields the bearer credential for one connection attempt.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// DialRequest describes one realtime connection attempt.
type DialRequest struct {
	Token     string
	Host      string
	Heartbeat time.Duration
}

// Subscription is an active broker subscription.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// RealtimeConn is an established broker connection.
type RealtimeConn interface {
	Subscribe(ctx context.Context, destination string, handler func(body []byte)) (Subscription, error)
	Send(ctx context.Context, destination string, body []byte) error
	// Done is closed when the connection fails or is closed.
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// RealtimeTransport dials broker connections.
type RealtimeTransport interface {
	Dial(ctx context.Context, req DialRequest) (RealtimeConn, error)
}

// EventSink emits core state/events to the UI collaborator.
type EventSink interface {
	MessageAppended(msg domain.ChatMessage)
	MessageUpdated(msg domain.ChatMessage)
	MessageRemoved(msg domain.ChatMessage)
	MessagesReset(sessionID string, messages []domain.ChatMessage)
	ConnectionStateChanged(sessionID string, state domain.ConnectionState)
	TypingChanged(sessionID string, typing bool)
	RecordingStateChanged(state domain.RecordingState, reason domain.RecordingReason)
	ComposerChanged(text string, isVoice bool)
	SessionError(code domain.ErrorCode, detail string)
	FatalAuthError(detail string)
}

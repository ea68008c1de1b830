package domain

import (
	"fmt"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// MessageType classifies the payload of a chat message.
type MessageType string

const (
	MessageTypeText           MessageType = "TEXT"
	MessageTypeVoice          MessageType = "VOICE"
	MessageTypeRecommendation MessageType = "RECOMMENDATION"
	MessageTypeError          MessageType = "ERROR"
)

// Recommendation is a content suggestion attached to an AI message.
type Recommendation struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

// MessageError is the structured error carried by ERROR messages.
type MessageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatMessage is one entry of a counseling conversation.
type ChatMessage struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"sessionId"`
	Sender          Sender           `json:"sender"`
	Type            MessageType      `json:"messageType"`
	Content         string           `json:"content"`
	MessageOrder    int              `json:"messageOrder"`
	DisplayRank     float64          `json:"displayRank"`
	Timestamp       time.Time        `json:"timestamp"`
	IsVoice         bool             `json:"isVoice"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Error           *MessageError    `json:"error,omitempty"`

	IsLoadingPlaceholder bool `json:"isLoadingPlaceholder,omitempty"`
}

// ConnectionState models the realtime connection lifecycle.
type ConnectionState string

const (
	ConnectionIdle         ConnectionState = "idle"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionError        ConnectionState = "error"
)

// RecordingState models the microphone capture lifecycle.
type RecordingState string

const (
	RecordingIdle                 RecordingState = "idle"
	RecordingRequestingPermission RecordingState = "requesting_permission"
	RecordingActive               RecordingState = "recording"
	RecordingPaused               RecordingState = "paused"
	RecordingStopped              RecordingState = "stopped"
	RecordingProcessingSTT        RecordingState = "processing_stt"
	RecordingError                RecordingState = "error"
)

// RecordingReason provides a structured reason for recording transitions.
type RecordingReason string

const (
	RecordingReasonStarted           RecordingReason = "recording_started"
	RecordingReasonPermission        RecordingReason = "requesting_permission"
	RecordingReasonPaused            RecordingReason = "recording_paused"
	RecordingReasonResumed           RecordingReason = "recording_resumed"
	RecordingReasonStopped           RecordingReason = "recording_stopped"
	RecordingReasonTimeLimit         RecordingReason = "time_limit_reached"
	RecordingReasonTranscribing      RecordingReason = "transcribing"
	RecordingReasonTranscribed       RecordingReason = "transcribed"
	RecordingReasonDiscarded         RecordingReason = "recording_discarded"
	RecordingReasonPermissionDenied  RecordingReason = "permission_denied"
	RecordingReasonNoDevice          RecordingReason = "no_capture_device"
	RecordingReasonCaptureFailed     RecordingReason = "capture_failed"
	RecordingReasonTranscriptionFail RecordingReason = "transcription_failed"
)

// StopReason records why a recording ended.
type StopReason string

const (
	StopReasonManual    StopReason = "manual"
	StopReasonTimeLimit StopReason = "time_limit"
)

// AudioUnit is a finished recording in PCM WAV form.
type AudioUnit struct {
	ID         string
	Data       []byte
	MIMEType   string
	FileName   string
	SampleRate int
	Channels   int
	Duration   time.Duration
	StopReason StopReason
}

// ErrorCode identifies errors reported to the UI.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeConnection    ErrorCode = "connection"
	ErrorCodeProtocol      ErrorCode = "protocol"
	ErrorCodePrecondition  ErrorCode = "precondition"
	ErrorCodePublish       ErrorCode = "publish"
	ErrorCodeRecording     ErrorCode = "recording"
	ErrorCodePermission    ErrorCode = "permission_denied"
	ErrorCodeNoDevice      ErrorCode = "no_capture_device"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeVoiceUpload   ErrorCode = "voice_upload"
	ErrorCodeHistory       ErrorCode = "history"
	ErrorCodeAIResponse    ErrorCode = "ai_response"
)

// ProvenanceKey builds the voice provenance map key for a message slot.
func ProvenanceKey(sessionID string, order int) string {
	return fmt.Sprintf("%s-%d", sessionID, order)
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"counselchat/internal/bootstrap"
	"counselchat/internal/config"
	"counselchat/internal/domain"
	"counselchat/internal/store"
	"counselchat/internal/usecase"
)

const (
	eventMessage        = "counselchat:message"
	eventMessageUpdated = "counselchat:message-updated"
	eventMessageRemoved = "counselchat:message-removed"
	eventMessages       = "counselchat:messages"
	eventConnection     = "counselchat:connection"
	eventTyping         = "counselchat:typing"
	eventRecording      = "counselchat:recording"
	eventComposer       = "counselchat:composer"
	eventError          = "counselchat:error"
	eventAuth           = "counselchat:auth"
)

var errNotInitialized = errors.New("application is not initialized")

// App is the Wails application root and the chat core's UI collaborator.
type App struct {
	ctx context.Context

	controller *usecase.ChatController
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.RecordingStateChanged(domain.RecordingIdle, "")
}

func (a *App) shutdown(ctx context.Context) {
	if a.controller == nil {
		return
	}
	_ = a.controller.Shutdown(ctx)
}

// OpenSession makes sessionID the current counseling session.
func (a *App) OpenSession(sessionID string) (store.Snapshot, error) {
	if err := a.requireReady(); err != nil {
		return store.Snapshot{}, err
	}
	if err := a.controller.Open(a.ctx, sessionID); err != nil {
		return a.controller.Snapshot(), err
	}
	return a.controller.Snapshot(), nil
}

// LeaveSession disconnects from the current session.
func (a *App) LeaveSession() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Leave(a.ctx)
}

// SendMessage submits text, or the pending voice draft, on the current session.
func (a *App) SendMessage(text string) (domain.ChatMessage, error) {
	if err := a.requireReady(); err != nil {
		return domain.ChatMessage{}, err
	}
	return a.controller.Submit(a.ctx, text)
}

// SetComposerText mirrors edits of the message input.
func (a *App) SetComposerText(text string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.controller.SetComposerText(text)
	return nil
}

func (a *App) StartRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.StartRecording(a.ctx)
}

func (a *App) StopRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.StopRecording()
}

func (a *App) PauseRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.PauseRecording()
}

func (a *App) ResumeRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.ResumeRecording()
}

// ClearVoiceInput drops the transcribed voice draft and its audio.
func (a *App) ClearVoiceInput() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.controller.ClearVoiceInput()
	return nil
}

func (a *App) RetryVoiceUpload() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.RetryVoiceUpload(a.ctx)
}

// GetSnapshot returns the current session view.
func (a *App) GetSnapshot() store.Snapshot {
	if a.controller == nil {
		snapshot := store.Snapshot{Connection: domain.ConnectionIdle}
		if a.bootErr != nil {
			snapshot.Connection = domain.ConnectionError
			snapshot.LastError = a.bootErr.Error()
		}
		return snapshot
	}
	return a.controller.Snapshot()
}

func (a *App) GetRecordingState() domain.RecordingState {
	if a.controller == nil {
		return domain.RecordingIdle
	}
	return a.controller.RecordingState()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"websocket":          a.cfg.Chat.WebSocketURL,
		"api":                a.cfg.Chat.APIBaseURL,
		"transcription":      a.cfg.Transcription.Provider,
		"maxRecordingSecond": fmt.Sprintf("%d", int(a.cfg.Recording.MaxDuration.Seconds())),
		"audioInput":         a.cfg.Audio.InputDevice,
		"audioInputFormat":   a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return errNotInitialized
	}
	return nil
}

func (a *App) emit(name string, payload any) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, name, payload)
}

func (a *App) MessageAppended(msg domain.ChatMessage) {
	a.emit(eventMessage, msg)
}

func (a *App) MessageUpdated(msg domain.ChatMessage) {
	a.emit(eventMessageUpdated, msg)
}

func (a *App) MessageRemoved(msg domain.ChatMessage) {
	a.emit(eventMessageRemoved, msg)
}

func (a *App) MessagesReset(sessionID string, messages []domain.ChatMessage) {
	a.emit(eventMessages, map[string]any{"sessionId": sessionID, "messages": messages})
}

func (a *App) ConnectionStateChanged(sessionID string, state domain.ConnectionState) {
	a.emit(eventConnection, map[string]string{"sessionId": sessionID, "state": string(state)})
}

func (a *App) TypingChanged(sessionID string, typing bool) {
	a.emit(eventTyping, map[string]any{"sessionId": sessionID, "typing": typing})
}

// RecordingStateChanged emits recorder lifecycle updates to the frontend.
func (a *App) RecordingStateChanged(state domain.RecordingState, reason domain.RecordingReason) {
	a.emit(eventRecording, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": recordingReasonMessage(reason),
	})
}

func (a *App) ComposerChanged(text string, isVoice bool) {
	a.emit(eventComposer, map[string]any{"text": text, "isVoice": isVoice})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.emit(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

// FatalAuthError tells the UI the credential was rejected and the user has
// to sign in again.
func (a *App) FatalAuthError(detail string) {
	a.emit(eventAuth, map[string]string{"message": "Session expired. Please sign in again.", "detail": detail})
}

func recordingReasonMessage(reason domain.RecordingReason) string {
	switch reason {
	case domain.RecordingReasonPermission:
		return "Waiting for microphone access"
	case domain.RecordingReasonStarted:
		return "Recording"
	case domain.RecordingReasonPaused:
		return "Recording paused"
	case domain.RecordingReasonResumed:
		return "Recording resumed"
	case domain.RecordingReasonStopped:
		return "Recording stopped"
	case domain.RecordingReasonTimeLimit:
		return "Recording stopped at the time limit"
	case domain.RecordingReasonTranscribing:
		return "Transcribing..."
	case domain.RecordingReasonTranscribed:
		return "Transcript ready"
	case domain.RecordingReasonDiscarded:
		return "Recording discarded"
	case domain.RecordingReasonPermissionDenied:
		return "Microphone access denied"
	case domain.RecordingReasonNoDevice:
		return "No microphone found"
	case domain.RecordingReasonCaptureFailed:
		return "Recording failed"
	case domain.RecordingReasonTranscriptionFail:
		return "Transcription failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeConnection:
		return "Connection problem"
	case domain.ErrorCodeProtocol:
		return "Unreadable server message"
	case domain.ErrorCodePrecondition:
		return "Message cannot be sent right now"
	case domain.ErrorCodePublish:
		return "Message could not be sent"
	case domain.ErrorCodeRecording:
		return "Recording error"
	case domain.ErrorCodePermission:
		return "Microphone access denied"
	case domain.ErrorCodeNoDevice:
		return "No microphone found"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeVoiceUpload:
		return "Voice recording could not be saved"
	case domain.ErrorCodeHistory:
		return "Previous messages could not be loaded"
	case domain.ErrorCodeAIResponse:
		return "The counselor could not respond"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

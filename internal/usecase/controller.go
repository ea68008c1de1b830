package usecase

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"counselchat/internal/connection"
	"counselchat/internal/domain"
	"counselchat/internal/ports"
	"counselchat/internal/protocol"
	"counselchat/internal/recording"
	"counselchat/internal/store"
)

// Deps groups everything a ChatController coordinates.
type Deps struct {
	Store       *store.Store
	Conn        *connection.Manager
	Recorder    *recording.Engine
	Transcriber ports.Transcriber
	Uploader    ports.VoiceUploader
	History     ports.HistoryLoader
	Events      ports.EventSink
	Logger      *log.Logger
	Now         func() time.Time

	TranscriptionTimeout time.Duration
}

// ChatController is the session-level entry point used by the UI: it opens
// sessions, routes inbound frames into the store and forwards every state
// change to the event sink.
type ChatController struct {
	store    *store.Store
	conn     *connection.Manager
	recorder *recording.Engine
	history  ports.HistoryLoader
	events   ports.EventSink
	logger   *log.Logger
	decoder  protocol.Decoder

	composer    *Composer
	submitter   *Submitter
	transcriber *TranscriptionCoordinator

	unbind []func()
}

func NewChatController(deps Deps) *ChatController {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	c := &ChatController{
		store:    deps.Store,
		conn:     deps.Conn,
		recorder: deps.Recorder,
		history:  deps.History,
		events:   deps.Events,
		logger:   deps.Logger,
		decoder:  protocol.Decoder{Now: deps.Now},
	}
	c.composer = NewComposer(deps.Events.ComposerChanged)
	c.submitter = NewSubmitter(SubmitterDeps{
		Store:    deps.Store,
		Conn:     deps.Conn,
		Recorder: deps.Recorder,
		Uploader: deps.Uploader,
		Composer: c.composer,
		Events:   deps.Events,
		Logger:   deps.Logger,
		Now:      deps.Now,
	})
	c.transcriber = NewTranscriptionCoordinator(TranscriptionDeps{
		Transcriber: deps.Transcriber,
		Recorder:    deps.Recorder,
		Store:       deps.Store,
		Composer:    c.composer,
		Submitter:   c.submitter,
		Events:      deps.Events,
		Logger:      deps.Logger,
		Timeout:     deps.TranscriptionTimeout,
	})
	c.bind()
	return c
}

func (c *ChatController) bind() {
	c.unbind = append(c.unbind,
		c.store.Subscribe(c.forwardChange),
		c.conn.OnState(func(change connection.StateChange) {
			if change.SessionID == c.store.SessionID() {
				c.store.SetConnectionState(change.State)
			}
		}),
		c.conn.OnError(c.handleConnectionError),
		c.conn.OnFrame(c.handleFrame),
		c.recorder.OnStateChange(c.events.RecordingStateChanged),
	)
	c.recorder.OnStopped(c.transcriber.HandleStopped)
}

func (c *ChatController) forwardChange(change store.Change) {
	switch change.Kind {
	case store.ChangeAppended:
		c.events.MessageAppended(change.Message)
	case store.ChangeUpdated:
		c.events.MessageUpdated(change.Message)
	case store.ChangeRemoved:
		c.events.MessageRemoved(change.Message)
	case store.ChangeReset:
		c.events.MessagesReset(change.SessionID, change.Messages)
	case store.ChangeConnection:
		c.events.ConnectionStateChanged(change.SessionID, change.Connection)
	case store.ChangeTyping:
		c.events.TypingChanged(change.SessionID, change.Typing)
	}
}

func (c *ChatController) handleConnectionError(err error) {
	c.store.SetError(err.Error())
	if errors.Is(err, domain.ErrUnauthorized) {
		c.events.FatalAuthError(err.Error())
		return
	}
	c.events.SessionError(domain.ErrorCodeConnection, err.Error())
}

func (c *ChatController) handleFrame(frame connection.Frame) {
	if frame.SessionID != c.store.SessionID() {
		c.logger.Printf("controller: dropping frame for inactive session %s", frame.SessionID)
		return
	}
	event, err := c.decoder.Decode(frame.SessionID, frame.Body)
	if err != nil {
		c.logger.Printf("controller: %v", err)
		return
	}

	switch event.Kind {
	case protocol.EventTypingStarted:
		c.store.SetAITyping(true)
	case protocol.EventTypingEnded:
		c.store.SetAITyping(false)
	case protocol.EventChat:
		if event.Message.Sender == domain.SenderUser && event.Message.MessageOrder <= 0 {
			// An echo without an order cannot be matched to its optimistic copy.
			c.logger.Printf("controller: dropping user echo without message order in session %s", frame.SessionID)
			return
		}
		c.store.AddMessage(event.Message)
	case protocol.EventError:
		c.store.AddMessage(event.Message)
		c.store.SetAITyping(false)
		c.events.SessionError(domain.ErrorCodeAIResponse, event.Message.Content)
	}
}

// Open makes sessionID current: state of any previous session is dropped,
// history is loaded when available and the realtime connection is
// (re)established.
func (c *ChatController) Open(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return c.report(domain.ErrNoSession, domain.ErrorCodePrecondition)
	}

	if c.store.SetSession(sessionID) {
		c.recorder.Discard()
		c.composer.Clear()
	}

	closed := false
	if c.history != nil {
		history, err := c.history.LoadHistory(ctx, sessionID)
		switch {
		case err != nil:
			c.logger.Printf("controller: history for session %s unavailable: %v", sessionID, err)
			c.events.SessionError(domain.CodeFor(err, domain.ErrorCodeHistory), err.Error())
		case c.store.SessionID() == sessionID:
			c.store.SetMessages(history.Messages)
			c.store.SetClosed(history.Closed)
			closed = history.Closed
		}
	}

	if err := c.conn.Connect(ctx, sessionID); err != nil {
		return err
	}
	c.conn.MarkClosed(closed)
	return nil
}

// MarkSessionClosed records that the backend ended the counseling session.
func (c *ChatController) MarkSessionClosed(closed bool) {
	c.store.SetClosed(closed)
	c.conn.MarkClosed(closed)
}

// Leave disconnects the current session without forgetting its messages.
func (c *ChatController) Leave(ctx context.Context) error {
	return c.conn.Disconnect(ctx)
}

// Submit sends text (or the pending voice draft) on the current session.
func (c *ChatController) Submit(ctx context.Context, text string) (domain.ChatMessage, error) {
	msg, err := c.submitter.Submit(ctx, text)
	if err != nil {
		return domain.ChatMessage{}, c.report(err, domain.ErrorCodePublish)
	}
	return msg, nil
}

// SetComposerText mirrors edits of the composition area.
func (c *ChatController) SetComposerText(text string) {
	c.composer.SetText(text)
}

func (c *ChatController) Draft() Draft {
	return c.composer.Draft()
}

// StartRecording begins a new recording. A previous transcription result
// is dropped together with its reserved order.
func (c *ChatController) StartRecording(ctx context.Context) error {
	if state := c.recorder.State(); state == domain.RecordingIdle || state == domain.RecordingError {
		c.dropVoiceDraft()
	}
	if err := c.recorder.Start(ctx); err != nil {
		return c.report(err, domain.ErrorCodeRecording)
	}
	return nil
}

// StopRecording ends the recording; transcription starts automatically.
func (c *ChatController) StopRecording() error {
	if _, err := c.recorder.Stop(); err != nil {
		return c.report(err, domain.ErrorCodeRecording)
	}
	return nil
}

func (c *ChatController) PauseRecording() error {
	if err := c.recorder.Pause(); err != nil {
		return c.report(err, domain.ErrorCodeRecording)
	}
	return nil
}

func (c *ChatController) ResumeRecording() error {
	if err := c.recorder.Resume(); err != nil {
		return c.report(err, domain.ErrorCodeRecording)
	}
	return nil
}

// ClearVoiceInput drops the voice draft, its provenance and the recorded
// audio, returning the recorder to IDLE.
func (c *ChatController) ClearVoiceInput() {
	c.dropVoiceDraft()
	c.recorder.Discard()
}

func (c *ChatController) dropVoiceDraft() {
	draft := c.composer.Draft()
	if !draft.Voice {
		return
	}
	c.store.SetVoiceProvenance(draft.SessionID, draft.Order, false)
	c.submitter.ReleaseOrder(draft.SessionID, draft.Order)
	c.composer.Clear()
}

func (c *ChatController) RetryVoiceUpload(ctx context.Context) error {
	return c.submitter.RetryVoiceUpload(ctx)
}

func (c *ChatController) Snapshot() store.Snapshot {
	return c.store.Snapshot()
}

func (c *ChatController) RecordingState() domain.RecordingState {
	return c.recorder.State()
}

// Wait blocks until background transcriptions and uploads finish.
func (c *ChatController) Wait() {
	c.transcriber.Wait()
	c.submitter.Wait()
}

// Shutdown releases the connection and the capture device.
func (c *ChatController) Shutdown(ctx context.Context) error {
	for _, unbind := range c.unbind {
		unbind()
	}
	c.unbind = nil
	c.recorder.OnStopped(nil)
	c.recorder.Close()
	err := c.conn.Close(ctx)
	c.Wait()
	return err
}

func (c *ChatController) report(err error, fallback domain.ErrorCode) error {
	c.events.SessionError(domain.CodeFor(err, fallback), err.Error())
	return err
}

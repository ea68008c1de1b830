package usecase

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"counselchat/internal/domain"
	"counselchat/internal/ports"
	"counselchat/internal/recording"
	"counselchat/internal/store"
)

// TranscriptionCoordinator turns stopped recordings into voice drafts.
type TranscriptionCoordinator struct {
	transcriber ports.Transcriber
	recorder    *recording.Engine
	store       *store.Store
	composer    *Composer
	submitter   *Submitter
	events      ports.EventSink
	logger      *log.Logger
	timeout     time.Duration

	mu   sync.Mutex
	busy map[string]bool
	wg   sync.WaitGroup
}

// TranscriptionDeps groups the collaborators of a TranscriptionCoordinator.
type TranscriptionDeps struct {
	Transcriber ports.Transcriber
	Recorder    *recording.Engine
	Store       *store.Store
	Composer    *Composer
	Submitter   *Submitter
	Events      ports.EventSink
	Logger      *log.Logger
	Timeout     time.Duration
}

func NewTranscriptionCoordinator(deps TranscriptionDeps) *TranscriptionCoordinator {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 60 * time.Second
	}
	return &TranscriptionCoordinator{
		transcriber: deps.Transcriber,
		recorder:    deps.Recorder,
		store:       deps.Store,
		composer:    deps.Composer,
		submitter:   deps.Submitter,
		events:      deps.Events,
		logger:      deps.Logger,
		timeout:     deps.Timeout,
		busy:        make(map[string]bool),
	}
}

// HandleStopped is the recorder's stop handler. It starts transcription of
// unit in the background for the current session.
func (c *TranscriptionCoordinator) HandleStopped(unit domain.AudioUnit) {
	sessionID := c.store.SessionID()
	if sessionID == "" {
		c.recorder.Fail(domain.ErrNoSession)
		c.events.SessionError(domain.ErrorCodePrecondition, domain.ErrNoSession.Error())
		return
	}
	if !c.acquire(sessionID) {
		c.reject(unit)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		_ = c.run(ctx, sessionID, unit)
	}()
}

// Transcribe processes unit synchronously for sessionID. Only one
// transcription per session may be in flight.
func (c *TranscriptionCoordinator) Transcribe(ctx context.Context, sessionID string, unit domain.AudioUnit) error {
	if !c.acquire(sessionID) {
		c.reject(unit)
		return domain.ErrTranscriptionBusy
	}
	return c.run(ctx, sessionID, unit)
}

func (c *TranscriptionCoordinator) acquire(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[sessionID] {
		return false
	}
	c.busy[sessionID] = true
	return true
}

func (c *TranscriptionCoordinator) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, sessionID)
}

func (c *TranscriptionCoordinator) reject(unit domain.AudioUnit) {
	c.recorder.ReleaseUnit(unit.ID)
	c.logger.Printf("transcription: unit %s rejected, another transcription is running", unit.ID)
	c.events.SessionError(domain.ErrorCodeTranscription, domain.ErrTranscriptionBusy.Error())
}

// run owns the busy slot for sessionID and releases it.
func (c *TranscriptionCoordinator) run(ctx context.Context, sessionID string, unit domain.AudioUnit) error {
	defer c.release(sessionID)

	if err := c.recorder.BeginProcessing(); err != nil {
		c.logger.Printf("transcription: unit %s no longer pending: %v", unit.ID, err)
		return err
	}

	var text string
	err := domain.ErrNoAudio
	if len(unit.Data) > 0 {
		text, err = c.transcriber.Transcribe(ctx, unit)
	}

	if current := c.store.SessionID(); current != sessionID {
		c.logger.Printf("transcription: dropping result for session %s, current is %s", sessionID, current)
		return nil
	}

	if err != nil {
		draft := c.composer.Draft()
		if draft.Voice && draft.SessionID == sessionID {
			c.store.SetVoiceProvenance(sessionID, draft.Order, false)
			c.submitter.ReleaseOrder(sessionID, draft.Order)
			c.composer.Clear()
		}
		c.recorder.Fail(err)
		err = fmt.Errorf("transcription failed: %w", err)
		c.events.SessionError(domain.CodeFor(err, domain.ErrorCodeTranscription), err.Error())
		return err
	}

	order := 0
	if draft := c.composer.Draft(); draft.Voice && draft.SessionID == sessionID {
		order = draft.Order
	} else {
		order = c.submitter.ReserveOrder(sessionID)
	}

	if current := c.store.SessionID(); current != sessionID {
		c.submitter.ReleaseOrder(sessionID, order)
		c.logger.Printf("transcription: session %s changed while reserving order %d", sessionID, order)
		return nil
	}
	c.store.SetVoiceProvenance(sessionID, order, true)
	c.composer.SetVoiceDraft(sessionID, order, unit.ID, text)
	if err := c.recorder.CompleteProcessing(); err != nil {
		c.logger.Printf("transcription: %v", err)
	}
	return nil
}

// Wait blocks until background transcriptions finish.
func (c *TranscriptionCoordinator) Wait() {
	c.wg.Wait()
}

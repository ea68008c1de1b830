package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"counselchat/internal/connection"
	"counselchat/internal/domain"
	"counselchat/internal/ports"
	"counselchat/internal/protocol"
	"counselchat/internal/recording"
	"counselchat/internal/store"
)

// OptimisticPrefix marks locally echoed USER messages.
const OptimisticPrefix = "optimistic-"

type pendingUpload struct {
	sessionID string
	order     int
	unit      domain.AudioUnit
}

// Submitter validates, numbers and publishes outbound messages and
// correlates voice artifact uploads with them.
type Submitter struct {
	store    *store.Store
	conn     *connection.Manager
	recorder *recording.Engine
	uploader ports.VoiceUploader
	composer *Composer
	events   ports.EventSink
	logger   *log.Logger
	now      func() time.Time

	// orderMu is held from order assignment until the publish completes so
	// concurrent submits never share an order.
	orderMu sync.Mutex
	last    map[string]int

	uploads  sync.WaitGroup
	failedMu sync.Mutex
	failed   map[string]pendingUpload
}

// SubmitterDeps groups the collaborators of a Submitter.
type SubmitterDeps struct {
	Store    *store.Store
	Conn     *connection.Manager
	Recorder *recording.Engine
	Uploader ports.VoiceUploader
	Composer *Composer
	Events   ports.EventSink
	Logger   *log.Logger
	Now      func() time.Time
}

func NewSubmitter(deps SubmitterDeps) *Submitter {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Submitter{
		store:    deps.Store,
		conn:     deps.Conn,
		recorder: deps.Recorder,
		uploader: deps.Uploader,
		composer: deps.Composer,
		events:   deps.Events,
		logger:   deps.Logger,
		now:      deps.Now,
		last:     make(map[string]int),
		failed:   make(map[string]pendingUpload),
	}
}

// nextOrderLocked computes the next order for sessionID. Callers hold orderMu.
func (s *Submitter) nextOrderLocked(sessionID string) int {
	next := s.store.UserMessageCount() + 1
	if highest := s.store.MaxUserOrder() + 1; highest > next {
		next = highest
	}
	if last := s.last[sessionID] + 1; last > next {
		next = last
	}
	return next
}

// ReserveOrder assigns the next order for sessionID without publishing.
func (s *Submitter) ReserveOrder(sessionID string) int {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	order := s.nextOrderLocked(sessionID)
	s.last[sessionID] = order
	return order
}

// ReleaseOrder gives back a reservation that was never published, provided
// no later order has been assigned since.
func (s *Submitter) ReleaseOrder(sessionID string, order int) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	if s.last[sessionID] == order {
		s.last[sessionID] = order - 1
	}
}

// Submit publishes text on the current session. A pending voice draft of
// the session is sent as a voice message under its reserved order.
func (s *Submitter) Submit(ctx context.Context, text string) (domain.ChatMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.ChatMessage{}, domain.ErrEmptyInput
	}
	sessionID := s.store.SessionID()
	if sessionID == "" {
		return domain.ChatMessage{}, domain.ErrNoSession
	}
	if s.store.Closed() {
		return domain.ChatMessage{}, domain.ErrSessionClosed
	}
	if state, connected := s.conn.State(); state != domain.ConnectionConnected || connected != sessionID {
		return domain.ChatMessage{}, domain.ErrNotConnected
	}

	draft := s.composer.Draft()
	voice := draft.Voice && draft.SessionID == sessionID && s.store.VoiceProvenance(sessionID, draft.Order)

	s.orderMu.Lock()
	order := draft.Order
	if !voice {
		order = s.nextOrderLocked(sessionID)
	}
	body, err := protocol.EncodePublish(order, voice, trimmed)
	if err != nil {
		s.orderMu.Unlock()
		return domain.ChatMessage{}, err
	}
	if err := s.conn.Send(ctx, body); err != nil {
		s.orderMu.Unlock()
		return domain.ChatMessage{}, err
	}
	if order > s.last[sessionID] {
		s.last[sessionID] = order
	}
	s.orderMu.Unlock()

	msgType := domain.MessageTypeText
	if voice {
		msgType = domain.MessageTypeVoice
	}
	echo := domain.ChatMessage{
		ID:           OptimisticPrefix + uuid.NewString(),
		SessionID:    sessionID,
		Sender:       domain.SenderUser,
		Type:         msgType,
		Content:      trimmed,
		MessageOrder: order,
		DisplayRank:  float64(order),
		Timestamp:    s.now(),
		IsVoice:      voice,
	}
	if !s.store.AddMessage(echo) {
		s.logger.Printf("submit: server echo for order %d arrived first", order)
	}

	s.composer.Clear()
	if voice {
		if unit, ok := s.recorder.Unit(); ok && unit.ID == draft.UnitID {
			s.startUpload(sessionID, order, unit)
		} else {
			s.logger.Printf("submit: voice message %d has no audio unit to upload", order)
		}
	}
	return echo, nil
}

func (s *Submitter) startUpload(sessionID string, order int, unit domain.AudioUnit) {
	if s.uploader == nil {
		return
	}
	s.recorder.ReleaseUnit(unit.ID)
	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		s.upload(context.Background(), pendingUpload{sessionID: sessionID, order: order, unit: unit})
	}()
}

func (s *Submitter) upload(ctx context.Context, p pendingUpload) error {
	key := domain.ProvenanceKey(p.sessionID, p.order)
	result, err := s.uploader.UploadVoice(ctx, p.sessionID, p.order, p.unit)
	if err != nil && p.sessionID != s.store.SessionID() {
		s.logger.Printf("submit: dropping upload failure of message %d for inactive session %s: %v", p.order, p.sessionID, err)
		return nil
	}
	if err != nil {
		s.failedMu.Lock()
		s.failed[key] = p
		s.failedMu.Unlock()
		err = fmt.Errorf("voice upload for message %d failed: %w", p.order, err)
		s.logger.Printf("submit: %v", err)
		s.events.SessionError(domain.ErrorCodeVoiceUpload, err.Error())
		return err
	}

	s.failedMu.Lock()
	delete(s.failed, key)
	s.failedMu.Unlock()
	s.logger.Printf("submit: voice message %d stored at %s", p.order, result.Path)
	return nil
}

// RetryVoiceUpload re-attempts the failed uploads of the current session.
func (s *Submitter) RetryVoiceUpload(ctx context.Context) error {
	sessionID := s.store.SessionID()
	s.failedMu.Lock()
	var pending []pendingUpload
	for _, p := range s.failed {
		if p.sessionID == sessionID {
			pending = append(pending, p)
		}
	}
	s.failedMu.Unlock()

	if len(pending) == 0 {
		return domain.ErrNoAudio
	}
	var errs []error
	for _, p := range pending {
		if err := s.upload(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PendingUploads reports how many failed uploads await a retry.
func (s *Submitter) PendingUploads() int {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	return len(s.failed)
}

// Wait blocks until in-flight uploads finish.
func (s *Submitter) Wait() {
	s.uploads.Wait()
}

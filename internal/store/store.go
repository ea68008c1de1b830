package store

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"counselchat/internal/domain"
)

// ChangeKind identifies a store mutation delivered to subscribers.
type ChangeKind string

const (
	ChangeAppended   ChangeKind = "appended"
	ChangeUpdated    ChangeKind = "updated"
	ChangeRemoved    ChangeKind = "removed"
	ChangeReset      ChangeKind = "reset"
	ChangeConnection ChangeKind = "connection"
	ChangeTyping     ChangeKind = "typing"
	ChangeError      ChangeKind = "error"
)

// Change describes one mutation. Only the fields relevant to Kind are set.
type Change struct {
	Kind       ChangeKind
	SessionID  string
	Message    domain.ChatMessage
	Messages   []domain.ChatMessage
	Connection domain.ConnectionState
	Typing     bool
	Err        string
}

// Options tune a Store.
type Options struct {
	// PlaceholderTTL bounds how long a typing placeholder may stay without a
	// real AI message. Zero keeps placeholders until replaced.
	PlaceholderTTL time.Duration
	Now            func() time.Time
}

// Store owns the message list and session-scoped chat state for the current
// session. All methods are safe for concurrent use; subscribers are invoked
// outside the store lock.
type Store struct {
	opts Options

	mu          sync.Mutex
	sessionID   string
	messages    []domain.ChatMessage
	connection  domain.ConnectionState
	aiTyping    bool
	lastError   string
	closed      bool
	provenance  map[string]bool
	placeholder *time.Timer

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// Snapshot is a consistent copy of the store state.
type Snapshot struct {
	SessionID  string
	Messages   []domain.ChatMessage
	Connection domain.ConnectionState
	AITyping   bool
	LastError  string
	Closed     bool
}

func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:       opts,
		connection: domain.ConnectionIdle,
		provenance: make(map[string]bool),
		subs:       make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every change and returns its unsubscribe func.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, change := range changes {
		for _, fn := range fns {
			fn(change)
		}
	}
}

// SessionID returns the current session id.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSession makes sessionID current. Switching to a different id replaces
// all session state with empty state; the provenance entries of the
// previous session are purged.
func (s *Store) SetSession(sessionID string) bool {
	s.mu.Lock()
	if s.sessionID == sessionID {
		s.mu.Unlock()
		return false
	}
	previous := s.sessionID
	s.resetLocked()
	s.purgeProvenanceLocked(previous)
	s.sessionID = sessionID
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeReset, SessionID: sessionID})
	return true
}

// Reset clears everything including the session id (logout, new session).
func (s *Store) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.sessionID = ""
	s.provenance = make(map[string]bool)
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeReset})
}

func (s *Store) resetLocked() {
	s.stopPlaceholderTimerLocked()
	s.messages = nil
	s.connection = domain.ConnectionIdle
	s.aiTyping = false
	s.lastError = ""
	s.closed = false
}

// SetMessages replaces the message list, typically with loaded history.
// Duplicate USER slots in the input keep their first occurrence.
func (s *Store) SetMessages(messages []domain.ChatMessage) {
	s.mu.Lock()
	s.stopPlaceholderTimerLocked()
	s.messages = s.messages[:0]
	for _, msg := range messages {
		if msg.IsLoadingPlaceholder {
			continue
		}
		msg = normalize(msg, s.sessionID)
		if msg.Sender == domain.SenderUser && s.hasUserSlotLocked(msg.SessionID, msg.MessageOrder) {
			continue
		}
		s.messages = append(s.messages, msg)
	}
	sessionID := s.sessionID
	snapshot := s.sortedLocked()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeReset, SessionID: sessionID, Messages: snapshot})
}

// AddMessage appends msg. It reports false when msg was dropped because it
// would duplicate a USER slot or belongs to another session.
//
// A non-placeholder AI message replaces any AI placeholder.
func (s *Store) AddMessage(msg domain.ChatMessage) bool {
	s.mu.Lock()
	msg = normalize(msg, s.sessionID)
	if msg.SessionID != s.sessionID {
		s.mu.Unlock()
		return false
	}
	if msg.Sender == domain.SenderUser && s.hasUserSlotLocked(msg.SessionID, msg.MessageOrder) {
		s.mu.Unlock()
		return false
	}

	var changes []Change
	if msg.Sender == domain.SenderAI && !msg.IsLoadingPlaceholder {
		for _, removed := range s.removePlaceholdersLocked() {
			changes = append(changes, Change{Kind: ChangeRemoved, SessionID: s.sessionID, Message: removed})
		}
	}
	if msg.DisplayRank == 0 {
		msg.DisplayRank = s.nextRankLocked()
	}
	s.messages = append(s.messages, msg)
	changes = append(changes, Change{Kind: ChangeAppended, SessionID: s.sessionID, Message: msg})
	s.mu.Unlock()

	s.publish(changes...)
	return true
}

// UpdateMessage applies fn to the message with the given id.
func (s *Store) UpdateMessage(id string, fn func(*domain.ChatMessage)) bool {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		fn(&s.messages[i])
		s.messages[i].ID = id
		updated := s.messages[i]
		sessionID := s.sessionID
		s.mu.Unlock()

		s.publish(Change{Kind: ChangeUpdated, SessionID: sessionID, Message: updated})
		return true
	}
	s.mu.Unlock()
	return false
}

// SetConnectionState records the connection state of the current session.
func (s *Store) SetConnectionState(state domain.ConnectionState) {
	s.mu.Lock()
	if s.connection == state {
		s.mu.Unlock()
		return
	}
	s.connection = state
	sessionID := s.sessionID
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeConnection, SessionID: sessionID, Connection: state})
}

// SetAITyping toggles the typing indicator. Turning it on inserts exactly
// one placeholder; turning it off leaves the placeholder in place until a
// real AI message arrives (or the placeholder lifetime expires).
func (s *Store) SetAITyping(typing bool) {
	s.mu.Lock()
	changes := []Change{}
	if s.aiTyping != typing {
		s.aiTyping = typing
		changes = append(changes, Change{Kind: ChangeTyping, SessionID: s.sessionID, Typing: typing})
	}
	if typing && !s.hasPlaceholderLocked() {
		placeholder := s.placeholderLocked()
		s.messages = append(s.messages, placeholder)
		s.armPlaceholderTimerLocked(placeholder.ID)
		changes = append(changes, Change{Kind: ChangeAppended, SessionID: s.sessionID, Message: placeholder})
	}
	s.mu.Unlock()

	s.publish(changes...)
}

// SetError records the session-wide error summary.
func (s *Store) SetError(message string) {
	s.mu.Lock()
	s.lastError = message
	sessionID := s.sessionID
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeError, SessionID: sessionID, Err: message})
}

// SetClosed marks the counseling session as ended by the backend.
func (s *Store) SetClosed(closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = closed
}

// Closed reports whether the current session was marked closed.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConnectionState returns the recorded connection state.
func (s *Store) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection
}

// ClearMessages empties the message list and purges the session's
// provenance entries.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	s.stopPlaceholderTimerLocked()
	s.messages = nil
	s.aiTyping = false
	s.purgeProvenanceLocked(s.sessionID)
	sessionID := s.sessionID
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeReset, SessionID: sessionID})
}

// SetVoiceProvenance records whether the text at (sessionID, order) was
// produced by voice transcription.
func (s *Store) SetVoiceProvenance(sessionID string, order int, isVoice bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.ProvenanceKey(sessionID, order)
	if !isVoice {
		delete(s.provenance, key)
		return
	}
	s.provenance[key] = true
}

// VoiceProvenance reports the provenance flag of a message slot.
func (s *Store) VoiceProvenance(sessionID string, order int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provenance[domain.ProvenanceKey(sessionID, order)]
}

// purgeProvenanceLocked drops every provenance entry of sessionID. Keys of
// other sessions sharing the prefix ("s1" vs "s1-2") are kept.
func (s *Store) purgeProvenanceLocked(sessionID string) {
	if sessionID == "" {
		return
	}
	prefix := sessionID + "-"
	for key := range s.provenance {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(rest); err == nil {
			delete(s.provenance, key)
		}
	}
}

// UserMessageCount counts USER messages of the current session.
func (s *Store) UserMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, msg := range s.messages {
		if msg.Sender == domain.SenderUser && !msg.IsLoadingPlaceholder {
			count++
		}
	}
	return count
}

// MaxUserOrder returns the highest USER message order in the session.
func (s *Store) MaxUserOrder() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	highest := 0
	for _, msg := range s.messages {
		if msg.Sender == domain.SenderUser && msg.MessageOrder > highest {
			highest = msg.MessageOrder
		}
	}
	return highest
}

// Messages returns the messages in display order: timestamp ascending,
// display rank breaking ties.
func (s *Store) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Snapshot returns a consistent copy of the whole state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:  s.sessionID,
		Messages:   s.sortedLocked(),
		Connection: s.connection,
		AITyping:   s.aiTyping,
		LastError:  s.lastError,
		Closed:     s.closed,
	}
}

func (s *Store) sortedLocked() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].DisplayRank < out[j].DisplayRank
	})
	return out
}

func (s *Store) hasUserSlotLocked(sessionID string, order int) bool {
	for _, existing := range s.messages {
		if existing.Sender == domain.SenderUser &&
			existing.SessionID == sessionID &&
			existing.MessageOrder == order {
			return true
		}
	}
	return false
}

func (s *Store) hasPlaceholderLocked() bool {
	for _, msg := range s.messages {
		if msg.IsLoadingPlaceholder && msg.Sender == domain.SenderAI {
			return true
		}
	}
	return false
}

func (s *Store) removePlaceholdersLocked() []domain.ChatMessage {
	var removed []domain.ChatMessage
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.IsLoadingPlaceholder && msg.Sender == domain.SenderAI {
			removed = append(removed, msg)
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	if len(removed) > 0 {
		s.stopPlaceholderTimerLocked()
	}
	return removed
}

func (s *Store) latestRealLocked() (domain.ChatMessage, bool) {
	var latest domain.ChatMessage
	found := false
	for _, msg := range s.messages {
		if msg.IsLoadingPlaceholder {
			continue
		}
		if !found || msg.Timestamp.After(latest.Timestamp) ||
			(msg.Timestamp.Equal(latest.Timestamp) && msg.DisplayRank > latest.DisplayRank) {
			latest = msg
			found = true
		}
	}
	return latest, found
}

func (s *Store) nextRankLocked() float64 {
	highest := 0.0
	for _, msg := range s.messages {
		if msg.DisplayRank > highest {
			highest = msg.DisplayRank
		}
	}
	return float64(int(highest)) + 1
}

func (s *Store) placeholderLocked() domain.ChatMessage {
	now := s.opts.Now()
	rank := 0.5
	if latest, ok := s.latestRealLocked(); ok {
		rank = latest.DisplayRank + 0.5
		if latest.Timestamp.After(now) {
			now = latest.Timestamp
		}
	}
	return domain.ChatMessage{
		ID:                   "placeholder-" + uuid.NewString(),
		SessionID:            s.sessionID,
		Sender:               domain.SenderAI,
		Type:                 domain.MessageTypeText,
		DisplayRank:          rank,
		Timestamp:            now,
		IsLoadingPlaceholder: true,
	}
}

func (s *Store) armPlaceholderTimerLocked(id string) {
	s.stopPlaceholderTimerLocked()
	if s.opts.PlaceholderTTL <= 0 {
		return
	}
	s.placeholder = time.AfterFunc(s.opts.PlaceholderTTL, func() {
		s.expirePlaceholder(id)
	})
}

func (s *Store) stopPlaceholderTimerLocked() {
	if s.placeholder != nil {
		s.placeholder.Stop()
		s.placeholder = nil
	}
}

func (s *Store) expirePlaceholder(id string) {
	s.mu.Lock()
	var removed *domain.ChatMessage
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.ID == id && msg.IsLoadingPlaceholder {
			copied := msg
			removed = &copied
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	if removed == nil {
		s.mu.Unlock()
		return
	}
	s.placeholder = nil
	sessionID := s.sessionID
	changes := []Change{{Kind: ChangeRemoved, SessionID: sessionID, Message: *removed}}
	if s.aiTyping {
		s.aiTyping = false
		changes = append(changes, Change{Kind: ChangeTyping, SessionID: sessionID, Typing: false})
	}
	s.mu.Unlock()

	s.publish(changes...)
}

func normalize(msg domain.ChatMessage, sessionID string) domain.ChatMessage {
	if strings.TrimSpace(msg.SessionID) == "" {
		msg.SessionID = sessionID
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeText
	}
	return msg
}

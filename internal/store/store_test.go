package store

import (
	"sync"
	"testing"
	"time"

	"counselchat/internal/domain"
)

var base = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return base.Add(time.Hour) }
	}
	s := New(opts)
	s.SetSession("s1")
	return s
}

func userMsg(id string, order int, at time.Time) domain.ChatMessage {
	return domain.ChatMessage{
		ID:           id,
		SessionID:    "s1",
		Sender:       domain.SenderUser,
		Type:         domain.MessageTypeText,
		Content:      "hello",
		MessageOrder: order,
		Timestamp:    at,
	}
}

func aiMsg(id string, order int, at time.Time) domain.ChatMessage {
	return domain.ChatMessage{
		ID:           id,
		SessionID:    "s1",
		Sender:       domain.SenderAI,
		Type:         domain.MessageTypeText,
		Content:      "reply",
		MessageOrder: order,
		Timestamp:    at,
	}
}

func countPlaceholders(messages []domain.ChatMessage) int {
	n := 0
	for _, msg := range messages {
		if msg.IsLoadingPlaceholder {
			n++
		}
	}
	return n
}

func TestAddMessageRejectsDuplicateUserSlot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	if !s.AddMessage(userMsg("optimistic-1", 3, base)) {
		t.Fatalf("expected first user message to be added")
	}
	if s.AddMessage(userMsg("server-3", 3, base.Add(time.Second))) {
		t.Fatalf("expected echo with same order to be dropped")
	}
	if s.AddMessage(userMsg("optimistic-2", 4, base.Add(2*time.Second))) == false {
		t.Fatalf("expected next order to be accepted")
	}

	if got := s.UserMessageCount(); got != 2 {
		t.Fatalf("expected 2 user messages, got %d", got)
	}
}

func TestAddMessageDropsOtherSession(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	msg := userMsg("x", 1, base)
	msg.SessionID = "other"
	if s.AddMessage(msg) {
		t.Fatalf("expected message for another session to be dropped")
	}
}

func TestTypingPlaceholderReplacedByRealMessage(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	s.AddMessage(userMsg("u1", 1, base))

	s.SetAITyping(true)
	s.SetAITyping(true)
	messages := s.Messages()
	if got := countPlaceholders(messages); got != 1 {
		t.Fatalf("expected exactly one placeholder, got %d", got)
	}
	last := messages[len(messages)-1]
	if !last.IsLoadingPlaceholder || last.DisplayRank <= messages[0].DisplayRank {
		t.Fatalf("placeholder must sort after the latest real message: %+v", messages)
	}

	s.SetAITyping(false)
	if got := countPlaceholders(s.Messages()); got != 1 {
		t.Fatalf("typing end alone must not remove the placeholder")
	}

	s.AddMessage(aiMsg("a1", 1, base.Add(2*time.Hour)))
	messages = s.Messages()
	if got := countPlaceholders(messages); got != 0 {
		t.Fatalf("expected placeholder to be removed, got %d", got)
	}
	if messages[len(messages)-1].ID != "a1" {
		t.Fatalf("expected real AI message last, got %+v", messages)
	}
}

func TestPlaceholderExpires(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{PlaceholderTTL: 20 * time.Millisecond})

	removed := make(chan domain.ChatMessage, 1)
	unsubscribe := s.Subscribe(func(c Change) {
		if c.Kind == ChangeRemoved {
			removed <- c.Message
		}
	})
	defer unsubscribe()

	s.SetAITyping(true)
	select {
	case msg := <-removed:
		if !msg.IsLoadingPlaceholder {
			t.Fatalf("expected placeholder removal, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("placeholder did not expire")
	}
	if s.Snapshot().AITyping {
		t.Fatalf("expected typing indicator cleared on expiry")
	}
}

func TestMessagesSortedByTimestamp(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	s.AddMessage(aiMsg("late", 2, base.Add(3*time.Second)))
	s.AddMessage(userMsg("early", 1, base))
	s.AddMessage(aiMsg("mid", 1, base.Add(time.Second)))

	messages := s.Messages()
	want := []string{"early", "mid", "late"}
	for i, id := range want {
		if messages[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, messages[i].ID)
		}
	}
}

func TestSetSessionResetsStateAndProvenance(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	s.AddMessage(userMsg("u1", 1, base))
	s.SetVoiceProvenance("s1", 1, true)
	s.SetConnectionState(domain.ConnectionConnected)
	s.SetClosed(true)

	if !s.SetSession("s2") {
		t.Fatalf("expected session change")
	}
	snap := s.Snapshot()
	if len(snap.Messages) != 0 || snap.Connection != domain.ConnectionIdle || snap.Closed {
		t.Fatalf("expected empty state, got %+v", snap)
	}
	if s.VoiceProvenance("s1", 1) {
		t.Fatalf("expected provenance of previous session purged")
	}
	if s.SetSession("s2") {
		t.Fatalf("same session id must not reset")
	}
}

func TestClearMessagesPurgesOnlyCurrentSessionProvenance(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	s.SetVoiceProvenance("s1", 1, true)
	s.SetVoiceProvenance("s10", 1, true)

	s.ClearMessages()
	if s.VoiceProvenance("s1", 1) {
		t.Fatalf("expected s1 provenance cleared")
	}
	if !s.VoiceProvenance("s10", 1) {
		t.Fatalf("expected s10 provenance kept")
	}
}

func TestProvenancePurgeKeepsSessionsSharingAPrefix(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	s.SetVoiceProvenance("s1", 2, true)
	s.SetVoiceProvenance("s1-2", 5, true)

	if !s.SetSession("s3") {
		t.Fatalf("expected session change")
	}
	if s.VoiceProvenance("s1", 2) {
		t.Fatalf("expected s1 provenance purged")
	}
	if !s.VoiceProvenance("s1-2", 5) {
		t.Fatalf("expected provenance of session s1-2 kept")
	}
}

func TestSetMessagesDeduplicatesAndDropsPlaceholders(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	placeholder := aiMsg("p", 0, base)
	placeholder.IsLoadingPlaceholder = true
	s.SetMessages([]domain.ChatMessage{
		userMsg("u1", 1, base),
		userMsg("u1-dup", 1, base),
		aiMsg("a1", 1, base.Add(time.Second)),
		placeholder,
	})

	messages := s.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(messages), messages)
	}
}

func TestUpdateMessage(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	s.AddMessage(aiMsg("a1", 1, base))

	var got []Change
	s.Subscribe(func(c Change) { got = append(got, c) })

	if !s.UpdateMessage("a1", func(m *domain.ChatMessage) {
		m.Content = "edited"
		m.ID = "tampered"
	}) {
		t.Fatalf("expected update to succeed")
	}
	if s.UpdateMessage("missing", func(*domain.ChatMessage) {}) {
		t.Fatalf("expected missing id to report false")
	}
	if s.Messages()[0].Content != "edited" || s.Messages()[0].ID != "a1" {
		t.Fatalf("unexpected message: %+v", s.Messages()[0])
	}
	if len(got) != 1 || got[0].Kind != ChangeUpdated {
		t.Fatalf("expected one update change, got %+v", got)
	}
}

func TestConcurrentAddNeverDuplicatesUserSlot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AddMessage(userMsg("u", 1+i%4, base.Add(time.Duration(i)*time.Millisecond)))
		}(i)
	}
	wg.Wait()

	seen := map[int]int{}
	for _, msg := range s.Messages() {
		seen[msg.MessageOrder]++
	}
	for order, n := range seen {
		if n != 1 {
			t.Fatalf("order %d stored %d times", order, n)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	calls := 0
	unsubscribe := s.Subscribe(func(Change) { calls++ })
	s.SetError("boom")
	unsubscribe()
	s.SetError("again")

	if calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls)
	}
	if s.Snapshot().LastError != "again" {
		t.Fatalf("expected last error recorded")
	}
}

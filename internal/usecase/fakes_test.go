package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"counselchat/internal/connection"
	"counselchat/internal/domain"
	"counselchat/internal/ports"
	"counselchat/internal/recording"
	"counselchat/internal/store"
)

var baseTime = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeCredentials struct{}

func (fakeCredentials) Token(context.Context) (string, error) { return "token", nil }

type fakeSubscription struct{}

func (fakeSubscription) Unsubscribe(context.Context) error { return nil }

type fakeConn struct {
	mu       sync.Mutex
	handler  func([]byte)
	sent     [][]byte
	sendErr  error
	done     chan struct{}
	doneOnce sync.Once
}

func (c *fakeConn) Subscribe(_ context.Context, _ string, handler func([]byte)) (ports.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return fakeSubscription{}, nil
}

func (c *fakeConn) Send(_ context.Context, _ string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, body)
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error            { return nil }

func (c *fakeConn) Close(context.Context) error {
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) deliver(body string) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	handler([]byte(body))
}

func (c *fakeConn) published(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, body := range c.sent {
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("published body is not json: %v", err)
		}
		out = append(out, decoded)
	}
	return out
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
}

func (f *fakeTransport) Dial(context.Context, ports.DialRequest) (ports.RealtimeConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	conn := &fakeConn{done: make(chan struct{})}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeTransport) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type fakeAudioSession struct {
	chunks   chan []byte
	stopped  chan struct{}
	stopOnce sync.Once
	pending  []byte
}

func (s *fakeAudioSession) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case s.pending = <-s.chunks:
		case <-s.stopped:
			return 0, io.EOF
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *fakeAudioSession) Close() error { return s.Stop() }

func (s *fakeAudioSession) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

type fakeAudioCapture struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeAudioSession
}

func (f *fakeAudioCapture) Start(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeAudioSession{chunks: make(chan []byte, 8), stopped: make(chan struct{})}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeAudioCapture) last() *fakeAudioSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	gate  chan struct{}
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ domain.AudioUnit) (string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

type uploadCall struct {
	sessionID string
	order     int
	unitID    string
}

type fakeUploader struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls []uploadCall
}

func (f *fakeUploader) UploadVoice(_ context.Context, sessionID string, order int, unit domain.AudioUnit) (ports.VoiceUpload, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uploadCall{sessionID: sessionID, order: order, unitID: unit.ID})
	if f.err != nil {
		return ports.VoiceUpload{}, f.err
	}
	return ports.VoiceUpload{Path: "voices/" + sessionID}, nil
}

func (f *fakeUploader) snapshot() []uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.calls...)
}

type fakeHistory struct {
	history ports.SessionHistory
	err     error
}

func (f *fakeHistory) LoadHistory(context.Context, string) (ports.SessionHistory, error) {
	return f.history, f.err
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu        sync.Mutex
	appended  []domain.ChatMessage
	removed   []domain.ChatMessage
	resets    int
	conn      []domain.ConnectionState
	typing    []bool
	recording []domain.RecordingReason
	composer  []string
	errors    []errEvent
	fatal     []string
}

func (f *fakeEventSink) MessageAppended(msg domain.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, msg)
}

func (f *fakeEventSink) MessageUpdated(domain.ChatMessage) {}

func (f *fakeEventSink) MessageRemoved(msg domain.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, msg)
}

func (f *fakeEventSink) MessagesReset(string, []domain.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeEventSink) ConnectionStateChanged(_ string, state domain.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = append(f.conn, state)
}

func (f *fakeEventSink) TypingChanged(_ string, typing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
}

func (f *fakeEventSink) RecordingStateChanged(_ domain.RecordingState, reason domain.RecordingReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = append(f.recording, reason)
}

func (f *fakeEventSink) ComposerChanged(text string, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.composer = append(f.composer, text)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) FatalAuthError(detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fatal = append(f.fatal, detail)
}

func (f *fakeEventSink) errorCodes() []domain.ErrorCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ErrorCode, 0, len(f.errors))
	for _, e := range f.errors {
		out = append(out, e.code)
	}
	return out
}

func (f *fakeEventSink) hasError(code domain.ErrorCode) bool {
	for _, got := range f.errorCodes() {
		if got == code {
			return true
		}
	}
	return false
}

type harness struct {
	t           *testing.T
	store       *store.Store
	transport   *fakeTransport
	capture     *fakeAudioCapture
	transcriber *fakeTranscriber
	uploader    *fakeUploader
	history     *fakeHistory
	events      *fakeEventSink
	recorder    *recording.Engine
	controller  *ChatController
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		store:       store.New(store.Options{}),
		transport:   &fakeTransport{},
		capture:     &fakeAudioCapture{},
		transcriber: &fakeTranscriber{text: "요즘 잠을 못 자요"},
		uploader:    &fakeUploader{},
		history:     &fakeHistory{},
		events:      &fakeEventSink{},
	}
	h.recorder = recording.NewEngine(h.capture, recording.Config{})
	manager := connection.NewManager(h.transport, fakeCredentials{}, connection.Config{})
	tick := 0
	var tickMu sync.Mutex
	h.controller = NewChatController(Deps{
		Store:       h.store,
		Conn:        manager,
		Recorder:    h.recorder,
		Transcriber: h.transcriber,
		Uploader:    h.uploader,
		History:     h.history,
		Events:      h.events,
		Now: func() time.Time {
			tickMu.Lock()
			defer tickMu.Unlock()
			tick++
			return baseTime.Add(time.Duration(tick) * time.Second)
		},
	})
	t.Cleanup(func() { _ = h.controller.Shutdown(context.Background()) })
	return h
}

func (h *harness) open(sessionID string) *fakeConn {
	h.t.Helper()
	if err := h.controller.Open(context.Background(), sessionID); err != nil {
		h.t.Fatalf("open failed: %v", err)
	}
	return h.transport.last()
}

// recordVoice runs a full record/stop/transcribe cycle and waits for the
// voice draft.
func (h *harness) recordVoice() Draft {
	h.t.Helper()
	if err := h.controller.StartRecording(context.Background()); err != nil {
		h.t.Fatalf("start recording failed: %v", err)
	}
	h.capture.last().chunks <- make([]byte, 3200)
	time.Sleep(10 * time.Millisecond)
	if err := h.controller.StopRecording(); err != nil {
		h.t.Fatalf("stop recording failed: %v", err)
	}
	h.controller.Wait()
	draft := h.controller.Draft()
	if !draft.Voice {
		h.t.Fatalf("expected voice draft, got %+v", draft)
	}
	return draft
}

var errBoom = errors.New("boom")

package recording

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"counselchat/internal/domain"
	"counselchat/internal/ports"
)

type fakeSession struct {
	chunks   chan []byte
	stopped  chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	stops    int
	pending  []byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{chunks: make(chan []byte, 16), stopped: make(chan struct{})}
}

func (s *fakeSession) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case s.pending = <-s.chunks:
		case <-s.stopped:
			select {
			case s.pending = <-s.chunks:
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *fakeSession) Close() error { return s.Stop() }

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeCapture struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeSession
	gate     chan struct{}
}

func (c *fakeCapture) Start(ctx context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := newFakeSession()
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeCapture) last() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[len(c.sessions)-1]
}

type transitions struct {
	mu    sync.Mutex
	items []domain.RecordingReason
}

func (tr *transitions) record(_ domain.RecordingState, reason domain.RecordingReason) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.items = append(tr.items, reason)
}

func (tr *transitions) contains(reason domain.RecordingReason) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, r := range tr.items {
		if r == reason {
			return true
		}
	}
	return false
}

func pcmChunk(samples int) []byte {
	return make([]byte, samples*2)
}

func waitState(t *testing.T, e *Engine, want domain.RecordingState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, e.State())
}

func TestStartStopProducesWAVUnit(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	tr := &transitions{}
	e.OnStateChange(tr.record)

	units := make(chan domain.AudioUnit, 2)
	e.OnStopped(func(u domain.AudioUnit) { units <- u })

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if e.State() != domain.RecordingActive {
		t.Fatalf("expected RECORDING, got %s", e.State())
	}
	capture.last().chunks <- pcmChunk(16000)

	time.Sleep(20 * time.Millisecond)
	unit, err := e.Stop()
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if e.State() != domain.RecordingStopped {
		t.Fatalf("expected STOPPED, got %s", e.State())
	}
	if unit.MIMEType != "audio/wav" || len(unit.Data) < 44 || string(unit.Data[:4]) != "RIFF" {
		t.Fatalf("expected WAV unit, got %+v", unit.MIMEType)
	}
	if unit.Duration != time.Second || unit.StopReason != domain.StopReasonManual || unit.ID == "" {
		t.Fatalf("unexpected unit metadata: %+v", unit)
	}

	select {
	case got := <-units:
		if got.ID != unit.ID {
			t.Fatalf("handler received a different unit")
		}
	default:
		t.Fatalf("expected OnStopped delivery")
	}
	if len(units) != 0 {
		t.Fatalf("expected exactly one delivery")
	}
	if !tr.contains(domain.RecordingReasonPermission) || !tr.contains(domain.RecordingReasonStarted) {
		t.Fatalf("expected permission and started transitions, got %v", tr.items)
	}
	if capture.last().stopCount() == 0 {
		t.Fatalf("expected capture released")
	}
}

func TestStartRejectedWhileRecording(t *testing.T) {
	t.Parallel()

	e := NewEngine(&fakeCapture{}, Config{})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer e.Close()
	if err := e.Start(context.Background()); !errors.Is(err, domain.ErrInvalidRecordingState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestPermissionDeniedMovesToError(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{err: domain.ErrPermissionDenied}
	e := NewEngine(capture, Config{})
	tr := &transitions{}
	e.OnStateChange(tr.record)

	err := e.Start(context.Background())
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if e.State() != domain.RecordingError {
		t.Fatalf("expected ERROR, got %s", e.State())
	}
	if !tr.contains(domain.RecordingReasonPermissionDenied) {
		t.Fatalf("expected permission denied reason, got %v", tr.items)
	}
	if _, ok := e.Unit(); ok {
		t.Fatalf("expected no unit after failure")
	}

	capture.mu.Lock()
	capture.err = nil
	capture.mu.Unlock()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("expected start from ERROR to succeed, got %v", err)
	}
	e.Close()
}

func TestNoDeviceReason(t *testing.T) {
	t.Parallel()

	e := NewEngine(&fakeCapture{err: domain.ErrNoCaptureDevice}, Config{})
	tr := &transitions{}
	e.OnStateChange(tr.record)
	_ = e.Start(context.Background())
	if !tr.contains(domain.RecordingReasonNoDevice) {
		t.Fatalf("expected no-device reason, got %v", tr.items)
	}
}

func TestTimeLimitUsesStopPath(t *testing.T) {
	t.Parallel()

	e := NewEngine(&fakeCapture{}, Config{MaxDuration: 40 * time.Millisecond})
	tr := &transitions{}
	e.OnStateChange(tr.record)
	units := make(chan domain.AudioUnit, 2)
	e.OnStopped(func(u domain.AudioUnit) { units <- u })

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case u := <-units:
		if u.StopReason != domain.StopReasonTimeLimit {
			t.Fatalf("expected time limit stop, got %s", u.StopReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ceiling did not stop the recording")
	}
	if e.State() != domain.RecordingStopped {
		t.Fatalf("expected STOPPED, got %s", e.State())
	}
	if !tr.contains(domain.RecordingReasonTimeLimit) {
		t.Fatalf("expected time limit reason, got %v", tr.items)
	}
	if _, err := e.Stop(); !errors.Is(err, domain.ErrInvalidRecordingState) {
		t.Fatalf("expected a second stop to be rejected, got %v", err)
	}
	if len(units) != 0 {
		t.Fatalf("expected exactly one delivery")
	}
}

func TestPauseDropsAudioAndSuspendsCeiling(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{MaxDuration: 80 * time.Millisecond})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	session := capture.last()
	session.chunks <- pcmChunk(1600)
	time.Sleep(10 * time.Millisecond)

	if err := e.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	session.chunks <- pcmChunk(16000)
	time.Sleep(150 * time.Millisecond)
	if e.State() != domain.RecordingPaused {
		t.Fatalf("ceiling must not fire while paused, got %s", e.State())
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	unit, err := e.Stop()
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if unit.Duration != 100*time.Millisecond {
		t.Fatalf("expected only unpaused audio, got %s", unit.Duration)
	}
}

func TestDiscardRoundTrip(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	capture.last().chunks <- pcmChunk(160)
	time.Sleep(10 * time.Millisecond)
	if _, err := e.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	e.Discard()
	if e.State() != domain.RecordingIdle {
		t.Fatalf("expected IDLE, got %s", e.State())
	}
	if _, ok := e.Unit(); ok {
		t.Fatalf("expected unit dropped")
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("expected fresh start, got %v", err)
	}
	e.Discard()
	if capture.last().stopCount() == 0 {
		t.Fatalf("expected capture released on discard")
	}
}

func TestDiscardDuringPermissionReleasesCapture(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{gate: make(chan struct{})}
	e := NewEngine(capture, Config{})

	errs := make(chan error, 1)
	go func() { errs <- e.Start(context.Background()) }()
	waitState(t, e, domain.RecordingRequestingPermission)

	e.Discard()
	close(capture.gate)

	if err := <-errs; !errors.Is(err, domain.ErrInvalidRecordingState) {
		t.Fatalf("expected cancelled start, got %v", err)
	}
	if capture.last().stopCount() == 0 {
		t.Fatalf("expected late capture handle released")
	}
	if e.State() != domain.RecordingIdle {
		t.Fatalf("expected IDLE, got %s", e.State())
	}
}

func TestCancelledStartReleasesCapture(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if capture.last().stopCount() == 0 {
		t.Fatalf("expected capture handle released")
	}
	if e.State() != domain.RecordingIdle {
		t.Fatalf("expected IDLE, got %s", e.State())
	}
}

func TestProcessingLifecycle(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	if err := e.BeginProcessing(); !errors.Is(err, domain.ErrInvalidRecordingState) {
		t.Fatalf("expected invalid state without a unit, got %v", err)
	}

	_ = e.Start(context.Background())
	capture.last().chunks <- pcmChunk(160)
	time.Sleep(10 * time.Millisecond)
	unit, _ := e.Stop()

	if err := e.BeginProcessing(); err != nil {
		t.Fatalf("begin processing failed: %v", err)
	}
	if err := e.CompleteProcessing(); err != nil {
		t.Fatalf("complete processing failed: %v", err)
	}
	if e.State() != domain.RecordingIdle {
		t.Fatalf("expected IDLE, got %s", e.State())
	}
	if held, ok := e.Unit(); !ok || held.ID != unit.ID {
		t.Fatalf("expected unit kept for upload")
	}
	if e.ReleaseUnit("other") {
		t.Fatalf("expected release of a foreign id to be ignored")
	}
	if !e.ReleaseUnit(unit.ID) {
		t.Fatalf("expected unit released")
	}
}

func TestFailDuringProcessingReportsTranscriptionFailure(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	tr := &transitions{}
	e.OnStateChange(tr.record)

	_ = e.Start(context.Background())
	capture.last().chunks <- pcmChunk(160)
	time.Sleep(10 * time.Millisecond)
	_, _ = e.Stop()
	_ = e.BeginProcessing()

	e.Fail(errors.New("stt 500"))
	if e.State() != domain.RecordingError {
		t.Fatalf("expected ERROR, got %s", e.State())
	}
	if !tr.contains(domain.RecordingReasonTranscriptionFail) {
		t.Fatalf("expected transcription failure reason, got %v", tr.items)
	}
	if _, ok := e.Unit(); ok {
		t.Fatalf("expected unit dropped on failure")
	}
}

func TestCaptureEndingUnexpectedlyFails(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	_ = e.Start(context.Background())
	_ = capture.last().Stop()

	waitState(t, e, domain.RecordingError)
}

func TestCancellingStartAbandonsPermissionPrompt(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{gate: make(chan struct{})}
	e := NewEngine(capture, Config{})
	tr := &transitions{}
	e.OnStateChange(tr.record)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- e.Start(ctx) }()
	waitState(t, e, domain.RecordingRequestingPermission)

	cancel()
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return after cancellation")
	}
	if e.State() != domain.RecordingIdle {
		t.Fatalf("expected IDLE, got %s", e.State())
	}
	if tr.contains(domain.RecordingReasonPermissionDenied) || tr.contains(domain.RecordingReasonCaptureFailed) {
		t.Fatalf("cancellation must not be reported as a capture failure: %v", tr.items)
	}

	close(capture.gate)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("expected restart after cancellation: %v", err)
	}
	e.Discard()
}

func TestCallerContextDoesNotBoundCapture(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	cancel()

	capture.last().chunks <- pcmChunk(160)
	time.Sleep(20 * time.Millisecond)
	unit, err := e.Stop()
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if len(unit.Data) == 0 {
		t.Fatalf("expected audio recorded after the start context ended")
	}
}

func TestStereoUnitDropsPartialFrame(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{Audio: ports.AudioConfig{SampleRate: 16000, Channels: 2}})
	var encoded int
	e.encode = func(pcm []byte, rate, channels int) ([]byte, error) {
		encoded = len(pcm)
		return []byte("RIFF"), nil
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	capture.last().chunks <- make([]byte, 4*100+2)
	time.Sleep(20 * time.Millisecond)
	if _, err := e.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if encoded != 400 {
		t.Fatalf("expected 400 bytes of whole stereo frames, got %d", encoded)
	}
}

func TestEncodingFailureMovesToError(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	e := NewEngine(capture, Config{})
	encodeErr := errors.New("disk full")
	e.encode = func([]byte, int, int) ([]byte, error) { return nil, encodeErr }
	tr := &transitions{}
	e.OnStateChange(tr.record)
	delivered := 0
	e.OnStopped(func(domain.AudioUnit) { delivered++ })

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	capture.last().chunks <- pcmChunk(160)
	time.Sleep(20 * time.Millisecond)

	if _, err := e.Stop(); !errors.Is(err, encodeErr) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	if e.State() != domain.RecordingError || !tr.contains(domain.RecordingReasonCaptureFailed) {
		t.Fatalf("expected ERROR with capture failure, got %s %v", e.State(), tr.items)
	}
	if _, ok := e.Unit(); ok || delivered != 0 {
		t.Fatalf("expected no unit delivered")
	}
}

package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"counselchat/internal/audio"
	"counselchat/internal/domain"
	"counselchat/internal/ports"
)

const (
	defaultMaxDuration = 60 * time.Second
	defaultChunkSize   = 4096
)

// Config controls capture parameters and the recording ceiling.
type Config struct {
	MaxDuration time.Duration
	Audio       ports.AudioConfig
	ChunkSize   int
	Logger      *log.Logger
}

// StateListener observes recording state transitions.
type StateListener func(state domain.RecordingState, reason domain.RecordingReason)

// Engine owns the microphone capture lifecycle and produces audio units.
type Engine struct {
	capture ports.AudioCapture
	cfg     Config
	logger  *log.Logger

	mu        sync.Mutex
	state     domain.RecordingState
	gen       uint64
	session   ports.AudioSession
	cancel    context.CancelFunc
	readDone  chan struct{}
	pcm       bytes.Buffer
	paused    bool
	timer     *time.Timer
	remaining time.Duration
	armedAt   time.Time
	timerSeq  uint64
	unit      *domain.AudioUnit

	onStopped func(domain.AudioUnit)

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]StateListener

	encode func(pcm []byte, sampleRate, channels int) ([]byte, error)
}

func NewEngine(capture ports.AudioCapture, cfg Config) *Engine {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		capture:   capture,
		cfg:       cfg,
		logger:    logger,
		state:     domain.RecordingIdle,
		listeners: make(map[int]StateListener),
		encode:    audio.EncodeWAV,
	}
}

// OnStopped sets the single handler receiving every finished unit.
func (e *Engine) OnStopped(fn func(domain.AudioUnit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStopped = fn
}

// OnStateChange registers a transition listener and returns its remover.
func (e *Engine) OnStateChange(fn StateListener) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) State() domain.RecordingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Unit returns the last finished audio unit, if one is held.
func (e *Engine) Unit() (domain.AudioUnit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unit == nil {
		return domain.AudioUnit{}, false
	}
	return *e.unit, true
}

// Start opens the capture device. It is valid from IDLE or ERROR and drops
// any previously held unit.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != domain.RecordingIdle && e.state != domain.RecordingError {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", domain.ErrInvalidRecordingState, state)
	}
	e.gen++
	gen := e.gen
	e.unit = nil
	e.pcm.Reset()
	e.paused = false
	e.state = domain.RecordingRequestingPermission
	captureCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()
	e.emit(domain.RecordingRequestingPermission, domain.RecordingReasonPermission)

	// The caller may abandon a pending permission prompt; once capture runs
	// its lifetime belongs to the engine.
	stopWatch := context.AfterFunc(ctx, cancel)
	session, err := e.capture.Start(captureCtx, e.cfg.Audio)
	stopWatch()
	if err != nil {
		cancel()
		e.mu.Lock()
		current := gen == e.gen
		abandoned := current && ctx.Err() != nil
		if current {
			e.state = domain.RecordingError
			if abandoned {
				e.state = domain.RecordingIdle
			}
			e.cancel = nil
		}
		e.mu.Unlock()
		if abandoned {
			e.emit(domain.RecordingIdle, domain.RecordingReasonDiscarded)
			return ctx.Err()
		}
		if current {
			e.emit(domain.RecordingError, reasonFor(err))
		}
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	e.mu.Lock()
	if gen != e.gen || ctx.Err() != nil {
		cancelled := gen == e.gen
		if cancelled {
			e.state = domain.RecordingIdle
			e.cancel = nil
		}
		e.mu.Unlock()
		_ = session.Stop()
		cancel()
		if cancelled {
			e.emit(domain.RecordingIdle, domain.RecordingReasonDiscarded)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: recording discarded during start", domain.ErrInvalidRecordingState)
	}
	e.session = session
	e.state = domain.RecordingActive
	e.remaining = e.cfg.MaxDuration
	e.armTimerLocked(gen)
	done := make(chan struct{})
	e.readDone = done
	e.mu.Unlock()

	go e.readLoop(gen, session, done)
	e.emit(domain.RecordingActive, domain.RecordingReasonStarted)
	return nil
}

func (e *Engine) armTimerLocked(gen uint64) {
	e.armedAt = time.Now()
	e.timerSeq++
	seq := e.timerSeq
	e.timer = time.AfterFunc(e.remaining, func() {
		e.mu.Lock()
		armed := seq == e.timerSeq
		e.mu.Unlock()
		if !armed {
			return
		}
		if _, err := e.finish(gen, domain.StopReasonTimeLimit); err != nil {
			e.logger.Printf("recording: time limit stop skipped: %v", err)
		}
	})
}

func (e *Engine) stopTimerLocked() {
	if e.timer == nil {
		return
	}
	e.timer.Stop()
	e.timer = nil
	e.timerSeq++
	if elapsed := time.Since(e.armedAt); elapsed < e.remaining {
		e.remaining -= elapsed
	} else {
		e.remaining = 0
	}
}

func (e *Engine) readLoop(gen uint64, session ports.AudioSession, done chan struct{}) {
	buf := make([]byte, e.cfg.ChunkSize)
	var readErr error
	for {
		n, err := session.Read(buf)
		if n > 0 {
			e.mu.Lock()
			if gen == e.gen && !e.paused {
				e.pcm.Write(buf[:n])
			}
			e.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	close(done)

	e.mu.Lock()
	live := gen == e.gen && (e.state == domain.RecordingActive || e.state == domain.RecordingPaused)
	e.mu.Unlock()
	if !live {
		return
	}
	if readErr == nil {
		readErr = errors.New("capture ended unexpectedly")
	}
	e.logger.Printf("recording: capture ended while recording: %v", readErr)
	e.Fail(readErr)
}

// Stop ends the recording and returns the finished unit. It is valid from
// RECORDING or PAUSED.
func (e *Engine) Stop() (domain.AudioUnit, error) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	return e.finish(gen, domain.StopReasonManual)
}

// finish is the single stop path shared by manual stops and the ceiling timer.
func (e *Engine) finish(gen uint64, reason domain.StopReason) (domain.AudioUnit, error) {
	e.mu.Lock()
	if gen != e.gen || (e.state != domain.RecordingActive && e.state != domain.RecordingPaused) {
		state := e.state
		e.mu.Unlock()
		return domain.AudioUnit{}, fmt.Errorf("%w: cannot stop while %s", domain.ErrInvalidRecordingState, state)
	}
	e.state = domain.RecordingStopped
	e.stopTimerLocked()
	session, done, cancel := e.session, e.readDone, e.cancel
	e.session, e.readDone, e.cancel = nil, nil, nil
	e.mu.Unlock()

	if err := session.Stop(); err != nil {
		e.logger.Printf("recording: capture stop reported: %v", err)
	}
	if done != nil {
		<-done
	}
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return domain.AudioUnit{}, fmt.Errorf("%w: recording discarded while stopping", domain.ErrInvalidRecordingState)
	}
	unit, err := e.buildUnitLocked(reason)
	if err != nil {
		e.state = domain.RecordingError
		e.mu.Unlock()
		e.logger.Printf("recording: %v", err)
		e.emit(domain.RecordingError, domain.RecordingReasonCaptureFailed)
		return domain.AudioUnit{}, err
	}
	e.unit = &unit
	handler := e.onStopped
	e.mu.Unlock()

	stopReason := domain.RecordingReasonStopped
	if reason == domain.StopReasonTimeLimit {
		stopReason = domain.RecordingReasonTimeLimit
	}
	e.emit(domain.RecordingStopped, stopReason)
	if handler != nil {
		handler(unit)
	}
	return unit, nil
}

func (e *Engine) buildUnitLocked(reason domain.StopReason) (domain.AudioUnit, error) {
	defer e.pcm.Reset()
	frame := 2 * e.cfg.Audio.Channels
	pcm := e.pcm.Bytes()
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	unit := domain.AudioUnit{
		ID:         uuid.NewString(),
		MIMEType:   "audio/wav",
		FileName:   "voice.wav",
		SampleRate: e.cfg.Audio.SampleRate,
		Channels:   e.cfg.Audio.Channels,
		Duration:   audio.PCMDuration(len(pcm), e.cfg.Audio.SampleRate, e.cfg.Audio.Channels),
		StopReason: reason,
	}
	if len(pcm) > 0 {
		data, err := e.encode(pcm, unit.SampleRate, unit.Channels)
		if err != nil {
			return domain.AudioUnit{}, fmt.Errorf("wav encoding failed: %w", err)
		}
		unit.Data = data
	}
	return unit, nil
}

// Pause suspends audio collection; the ceiling timer is suspended too.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != domain.RecordingActive {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot pause while %s", domain.ErrInvalidRecordingState, state)
	}
	e.paused = true
	e.state = domain.RecordingPaused
	e.stopTimerLocked()
	e.mu.Unlock()
	e.emit(domain.RecordingPaused, domain.RecordingReasonPaused)
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != domain.RecordingPaused {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot resume while %s", domain.ErrInvalidRecordingState, state)
	}
	e.paused = false
	e.state = domain.RecordingActive
	e.armTimerLocked(e.gen)
	e.mu.Unlock()
	e.emit(domain.RecordingActive, domain.RecordingReasonResumed)
	return nil
}

// Discard returns to IDLE from any state, releasing the capture device and
// dropping the held unit.
func (e *Engine) Discard() {
	e.mu.Lock()
	changed := e.state != domain.RecordingIdle || e.unit != nil
	session, cancel := e.release()
	e.unit = nil
	e.state = domain.RecordingIdle
	e.mu.Unlock()

	stopSession(session, cancel)
	if changed {
		e.emit(domain.RecordingIdle, domain.RecordingReasonDiscarded)
	}
}

// ReleaseUnit drops the held unit if it is still the one identified by id.
func (e *Engine) ReleaseUnit(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unit == nil || e.unit.ID != id {
		return false
	}
	e.unit = nil
	return true
}

// BeginProcessing moves a stopped recording into transcription.
func (e *Engine) BeginProcessing() error {
	e.mu.Lock()
	if e.state != domain.RecordingStopped || e.unit == nil {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot transcribe while %s", domain.ErrInvalidRecordingState, state)
	}
	e.state = domain.RecordingProcessingSTT
	e.mu.Unlock()
	e.emit(domain.RecordingProcessingSTT, domain.RecordingReasonTranscribing)
	return nil
}

// CompleteProcessing returns to IDLE after a successful transcription. The
// unit is kept for the voice artifact upload.
func (e *Engine) CompleteProcessing() error {
	e.mu.Lock()
	if e.state != domain.RecordingProcessingSTT {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: no transcription in progress (%s)", domain.ErrInvalidRecordingState, state)
	}
	e.state = domain.RecordingIdle
	e.mu.Unlock()
	e.emit(domain.RecordingIdle, domain.RecordingReasonTranscribed)
	return nil
}

// Fail moves to ERROR, dropping the unit and releasing the capture device.
func (e *Engine) Fail(cause error) {
	e.mu.Lock()
	transcribing := e.state == domain.RecordingProcessingSTT
	session, cancel := e.release()
	e.unit = nil
	e.state = domain.RecordingError
	e.mu.Unlock()

	stopSession(session, cancel)
	reason := reasonFor(cause)
	if transcribing && reason == domain.RecordingReasonCaptureFailed {
		reason = domain.RecordingReasonTranscriptionFail
	}
	e.emit(domain.RecordingError, reason)
}

// Close releases the device without emitting transitions.
func (e *Engine) Close() {
	e.mu.Lock()
	session, cancel := e.release()
	e.state = domain.RecordingIdle
	e.unit = nil
	e.mu.Unlock()
	stopSession(session, cancel)
}

// release detaches the live capture. Callers hold mu.
func (e *Engine) release() (ports.AudioSession, context.CancelFunc) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.timerSeq++
	}
	session, cancel := e.session, e.cancel
	e.session, e.cancel, e.readDone = nil, nil, nil
	e.pcm.Reset()
	e.paused = false
	return session, cancel
}

func stopSession(session ports.AudioSession, cancel context.CancelFunc) {
	if session != nil {
		_ = session.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

func reasonFor(err error) domain.RecordingReason {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return domain.RecordingReasonPermissionDenied
	case errors.Is(err, domain.ErrNoCaptureDevice):
		return domain.RecordingReasonNoDevice
	case errors.Is(err, domain.ErrTranscriptionBusy),
		errors.Is(err, domain.ErrEmptyTranscript),
		errors.Is(err, domain.ErrNoAudio):
		return domain.RecordingReasonTranscriptionFail
	default:
		return domain.RecordingReasonCaptureFailed
	}
}

func (e *Engine) emit(state domain.RecordingState, reason domain.RecordingReason) {
	e.listenersMu.Lock()
	fns := make([]StateListener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenersMu.Unlock()
	for _, fn := range fns {
		fn(state, reason)
	}
}

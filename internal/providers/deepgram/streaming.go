package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"counselchat/internal/audio"
	"counselchat/internal/domain"
)

const (
	defaultBaseURL = "https://api.deepgram.com/v1"
	chunkDuration  = 100 * time.Millisecond
)

// Config controls the Deepgram live transcription endpoint.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

// Provider transcribes finished recordings by streaming their PCM through
// the Deepgram live websocket.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewProvider(cfg Config) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Provider{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (p *Provider) Transcribe(ctx context.Context, unit domain.AudioUnit) (string, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return "", errors.New("DEEPGRAM_API_KEY is not configured")
	}
	if len(unit.Data) == 0 {
		return "", domain.ErrNoAudio
	}

	pcm, sampleRate, channels, err := audio.DecodeWAVPCM(bytes.NewReader(unit.Data))
	if err != nil {
		return "", fmt.Errorf("failed to read recording: %w", err)
	}

	wsURL, err := buildListenURL(p.cfg, sampleRate, channels)
	if err != nil {
		return "", err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)
	conn, _, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return "", fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	s := &stream{conn: conn, agg: &transcriptAggregator{}, done: make(chan struct{})}
	go s.readLoop()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	chunk := chunkBytes(sampleRate, channels)
	for offset := 0; offset < len(pcm); offset += chunk {
		end := min(offset+chunk, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[offset:end]); err != nil {
			s.setErr(fmt.Errorf("failed to send audio: %w", err))
			break
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("failed to close stream: %w", err))
		_ = conn.Close()
	}

	<-s.done
	_ = conn.Close()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.waitErr(); err != nil {
		return "", err
	}
	text := s.agg.Raw()
	if text == "" {
		return "", domain.ErrEmptyTranscript
	}
	return text, nil
}

func chunkBytes(sampleRate, channels int) int {
	n := int(time.Duration(sampleRate)*chunkDuration/time.Second) * channels * 2
	if n <= 0 {
		return 3200
	}
	return n
}

type stream struct {
	conn *websocket.Conn
	agg  *transcriptAggregator
	done chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *stream) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	if err == nil {
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return
		}
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) readLoop() {
	defer close(s.done)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read provider event: %w", err))
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			return
		}

		transcript := extractTranscript(response)
		if transcript == "" {
			continue
		}
		s.agg.Add(transcript, response.IsFinal || response.SpeechFinal)
	}
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(cfg Config, sampleRate, channels int) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	query.Set("channels", fmt.Sprintf("%d", channels))
	query.Set("interim_results", "false")
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

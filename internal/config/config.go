package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderHTTP     = "http"
	ProviderDeepgram = "deepgram"
)

// Config stores runtime configuration for the counseling chat client.
type Config struct {
	Chat          ChatConfig
	Credentials   CredentialsConfig
	Transcription TranscriptionConfig
	Deepgram      DeepgramConfig
	Audio         AudioConfig
	Recording     RecordingConfig
	Debug         bool
}

type ChatConfig struct {
	WebSocketURL     string
	Host             string
	APIBaseURL       string
	VoiceField       string
	Heartbeat        time.Duration
	HeartbeatGrace   time.Duration
	ReconnectEnabled bool
	ReconnectMax     int
	ReconnectDelay   time.Duration
	ReconnectStable  time.Duration
	PlaceholderTTL   time.Duration
	RequestTimeout   time.Duration
}

type CredentialsConfig struct {
	Token     string
	TokenFile string
}

type TranscriptionConfig struct {
	Provider  string
	URL       string
	FieldName string
	Timeout   time.Duration
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type RecordingConfig struct {
	MaxDuration time.Duration
	ChunkSize   int
}

// Load resolves configuration from an optional .env file, environment
// variables and defaults. Variables already set in the environment win over
// the file.
func Load() (Config, error) {
	envFile := envOrDefault("COUNSEL_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	apiBase := strings.TrimRight(strings.TrimSpace(os.Getenv("COUNSEL_API_BASE")), "/")
	cfg := Config{
		Chat: ChatConfig{
			WebSocketURL:     firstNonEmpty(os.Getenv("COUNSEL_WS_URL"), deriveWebSocketURL(apiBase)),
			Host:             strings.TrimSpace(os.Getenv("COUNSEL_HOST")),
			APIBaseURL:       apiBase,
			VoiceField:       envOrDefault("COUNSEL_VOICE_FIELD", "audio"),
			Heartbeat:        envOrDefaultMillis("COUNSEL_HEARTBEAT_MS", 10000),
			HeartbeatGrace:   envOrDefaultMillis("COUNSEL_HEARTBEAT_GRACE_MS", 5000),
			ReconnectEnabled: envOrDefaultBool("COUNSEL_RECONNECT", false),
			ReconnectMax:     envOrDefaultInt("COUNSEL_RECONNECT_MAX_ATTEMPTS", 3),
			ReconnectDelay:   envOrDefaultMillis("COUNSEL_RECONNECT_DELAY_MS", 2000),
			ReconnectStable:  envOrDefaultMillis("COUNSEL_RECONNECT_STABLE_MS", 30000),
			PlaceholderTTL:   envOrDefaultMillis("COUNSEL_PLACEHOLDER_TTL_MS", 45000),
			RequestTimeout:   envOrDefaultMillis("COUNSEL_REQUEST_TIMEOUT_MS", 30000),
		},
		Credentials: CredentialsConfig{
			Token:     strings.TrimSpace(os.Getenv("COUNSEL_TOKEN")),
			TokenFile: strings.TrimSpace(os.Getenv("COUNSEL_TOKEN_FILE")),
		},
		Transcription: TranscriptionConfig{
			Provider:  strings.ToLower(envOrDefault("COUNSEL_STT_PROVIDER", ProviderHTTP)),
			URL:       firstNonEmpty(os.Getenv("COUNSEL_STT_URL"), joinURL(apiBase, "/stt")),
			FieldName: envOrDefault("COUNSEL_STT_FIELD", "file"),
			Timeout:   envOrDefaultMillis("COUNSEL_STT_TIMEOUT_MS", 60000),
		},
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:    envOrDefault("DEEPGRAM_LANGUAGE", "ko"),
			SmartFormat: envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("COUNSEL_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("COUNSEL_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("COUNSEL_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("COUNSEL_SAMPLE_RATE", 16000),
			Channels:        envOrDefaultInt("COUNSEL_CHANNELS", 1),
		},
		Recording: RecordingConfig{
			MaxDuration: time.Duration(envOrDefaultInt("COUNSEL_MAX_RECORDING_SECONDS", 60)) * time.Second,
			ChunkSize:   envOrDefaultInt("COUNSEL_AUDIO_CHUNK_SIZE", 4096),
		},
		Debug: envOrDefaultBool("COUNSEL_DEBUG", false),
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Recording.MaxDuration <= 0 {
		cfg.Recording.MaxDuration = 60 * time.Second
	}
	if cfg.Recording.ChunkSize < 256 {
		cfg.Recording.ChunkSize = 4096
	}
	if cfg.Chat.Heartbeat <= 0 {
		cfg.Chat.Heartbeat = 10 * time.Second
	}
	if cfg.Chat.ReconnectMax <= 0 {
		cfg.Chat.ReconnectMax = 3
	}

	switch cfg.Transcription.Provider {
	case ProviderHTTP, ProviderDeepgram:
	default:
		return Config{}, fmt.Errorf("unknown transcription provider %q", cfg.Transcription.Provider)
	}
	return cfg, nil
}

// TokenSource hands out the counseling backend credential. A token file is
// re-read on every call so a refreshed token is picked up by the next
// connection attempt.
type TokenSource struct {
	cfg CredentialsConfig
}

func (c Config) TokenSource() TokenSource {
	return TokenSource{cfg: c.Credentials}
}

func (s TokenSource) Token(context.Context) (string, error) {
	if s.cfg.TokenFile != "" {
		data, err := os.ReadFile(s.cfg.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}
	return s.cfg.Token, nil
}

// deriveWebSocketURL maps http(s)://host/api to ws(s)://host/api/ws.
func deriveWebSocketURL(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://") + "/ws"
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://") + "/ws"
	default:
		return ""
	}
}

func joinURL(base string, path string) string {
	if base == "" {
		return ""
	}
	return base + path
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envOrDefaultMillis reads a non-negative millisecond count.
func envOrDefaultMillis(key string, fallback int) time.Duration {
	ms := envOrDefaultInt(key, fallback)
	if ms < 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

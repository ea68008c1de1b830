package bootstrap

import (
	"errors"
	"io"
	"log"
	"os"

	"counselchat/internal/audio"
	"counselchat/internal/config"
	"counselchat/internal/connection"
	"counselchat/internal/ports"
	"counselchat/internal/providers/counselapi"
	"counselchat/internal/providers/deepgram"
	"counselchat/internal/providers/stt"
	"counselchat/internal/recording"
	"counselchat/internal/stomp"
	"counselchat/internal/store"
	"counselchat/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.ChatController
	Config     config.Config
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	if cfg.Chat.WebSocketURL == "" {
		return Services{}, errors.New("COUNSEL_WS_URL or COUNSEL_API_BASE must be set")
	}

	logger := log.New(io.Discard, "", 0)
	if cfg.Debug {
		logger = log.New(os.Stderr, "counselchat: ", log.LstdFlags|log.Lmsgprefix)
	}

	transcriber, err := buildTranscriber(cfg)
	if err != nil {
		return Services{}, err
	}

	credentials := cfg.TokenSource()
	var (
		uploader ports.VoiceUploader
		history  ports.HistoryLoader
	)
	if cfg.Chat.APIBaseURL != "" {
		api := counselapi.NewClient(counselapi.Config{
			BaseURL:     cfg.Chat.APIBaseURL,
			VoiceField:  cfg.Chat.VoiceField,
			Timeout:     cfg.Chat.RequestTimeout,
			Credentials: credentials,
			Logger:      logger,
		})
		uploader, history = api, api
	}

	transport := stomp.NewTransport(stomp.Config{
		URL:            cfg.Chat.WebSocketURL,
		HeartbeatGrace: cfg.Chat.HeartbeatGrace,
		Logger:         logger,
	})
	manager := connection.NewManager(transport, credentials, connection.Config{
		Host:      cfg.Chat.Host,
		Heartbeat: cfg.Chat.Heartbeat,
		Reconnect: connection.ReconnectPolicy{
			Enabled:     cfg.Chat.ReconnectEnabled,
			MaxAttempts: cfg.Chat.ReconnectMax,
			Delay:       cfg.Chat.ReconnectDelay,
			StableAfter: cfg.Chat.ReconnectStable,
		},
		Logger: logger,
	})

	recorder := recording.NewEngine(audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand), recording.Config{
		MaxDuration: cfg.Recording.MaxDuration,
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		ChunkSize: cfg.Recording.ChunkSize,
		Logger:    logger,
	})

	controller := usecase.NewChatController(usecase.Deps{
		Store:                store.New(store.Options{PlaceholderTTL: cfg.Chat.PlaceholderTTL}),
		Conn:                 manager,
		Recorder:             recorder,
		Transcriber:          transcriber,
		Uploader:             uploader,
		History:              history,
		Events:               eventSink,
		Logger:               logger,
		TranscriptionTimeout: cfg.Transcription.Timeout,
	})

	return Services{Controller: controller, Config: cfg}, nil
}

func buildTranscriber(cfg config.Config) (ports.Transcriber, error) {
	if cfg.Transcription.Provider == config.ProviderDeepgram {
		if cfg.Deepgram.APIKey == "" {
			return nil, errors.New("DEEPGRAM_API_KEY is required for the deepgram transcription provider")
		}
		return deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}), nil
	}
	if cfg.Transcription.URL == "" {
		return nil, errors.New("COUNSEL_STT_URL or COUNSEL_API_BASE must be set")
	}
	return stt.NewClient(stt.Config{
		URL:         cfg.Transcription.URL,
		FieldName:   cfg.Transcription.FieldName,
		Timeout:     cfg.Transcription.Timeout,
		Credentials: cfg.TokenSource(),
	}), nil
}

package counselapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"counselchat/internal/domain"
	"counselchat/internal/ports"
	"counselchat/internal/protocol"
)

// Config controls the counseling REST API client.
type Config struct {
	BaseURL     string
	VoiceField  string
	Timeout     time.Duration
	Credentials ports.CredentialSource
	Logger      *log.Logger
}

// Client uploads voice artifacts and loads session history.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *log.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.VoiceField == "" {
		cfg.VoiceField = "audio"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// UploadVoice posts the raw audio unit for the message slot identified by
// sessionID and messageOrder.
func (c *Client) UploadVoice(ctx context.Context, sessionID string, messageOrder int, unit domain.AudioUnit) (ports.VoiceUpload, error) {
	if len(unit.Data) == 0 {
		return ports.VoiceUpload{}, domain.ErrNoAudio
	}
	endpoint, err := c.endpoint(sessionID, "voice")
	if err != nil {
		return ports.VoiceUpload{}, err
	}
	query := endpoint.Query()
	query.Set("messageOrder", strconv.Itoa(messageOrder))
	endpoint.RawQuery = query.Encode()

	fileName := unit.FileName
	if fileName == "" {
		fileName = "voice.wav"
	}
	mimeType := unit.MIMEType
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, c.cfg.VoiceField, fileName))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return ports.VoiceUpload{}, fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := part.Write(unit.Data); err != nil {
		return ports.VoiceUpload{}, fmt.Errorf("failed to write upload part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ports.VoiceUpload{}, fmt.Errorf("failed to finalize upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), &body)
	if err != nil {
		return ports.VoiceUpload{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	payload, status, err := c.do(req)
	if err != nil {
		return ports.VoiceUpload{}, fmt.Errorf("voice upload failed: %w", err)
	}

	var decoded uploadResponse
	if err := json.Unmarshal(payload, &decoded); err != nil && status >= 200 && status <= 299 {
		return ports.VoiceUpload{}, fmt.Errorf("voice upload returned an unreadable response: %w", err)
	}
	if status < 200 || status > 299 || !decoded.Success {
		detail := strings.TrimSpace(decoded.Message)
		if detail == "" {
			detail = http.StatusText(status)
		}
		return ports.VoiceUpload{}, fmt.Errorf("voice upload rejected (%d): %s", status, detail)
	}
	return ports.VoiceUpload{Path: decoded.Path}, nil
}

type historyResponse struct {
	Closed   bool              `json:"closed"`
	Messages []json.RawMessage `json:"messages"`
}

// LoadHistory fetches the persisted messages of a session. Entries that do
// not decode into chat messages are skipped.
func (c *Client) LoadHistory(ctx context.Context, sessionID string) (ports.SessionHistory, error) {
	endpoint, err := c.endpoint(sessionID, "messages")
	if err != nil {
		return ports.SessionHistory{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return ports.SessionHistory{}, fmt.Errorf("failed to build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	payload, status, err := c.do(req)
	if err != nil {
		return ports.SessionHistory{}, fmt.Errorf("history request failed: %w", err)
	}
	if status < 200 || status > 299 {
		return ports.SessionHistory{}, fmt.Errorf("history request failed with status %d", status)
	}

	var decoded historyResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ports.SessionHistory{}, fmt.Errorf("failed to decode history: %w", err)
	}

	history := ports.SessionHistory{Closed: decoded.Closed}
	for _, raw := range decoded.Messages {
		event, err := protocol.Decode(sessionID, raw)
		if err != nil {
			c.logger.Printf("counselapi: skipping history entry: %v", err)
			continue
		}
		if event.Kind != protocol.EventChat && event.Kind != protocol.EventError {
			continue
		}
		history.Messages = append(history.Messages, event.Message)
	}
	return history, nil
}

func (c *Client) endpoint(sessionID, resource string) (*url.URL, error) {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("COUNSEL_API_BASE is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.ErrNoSession
	}
	u, err := url.Parse(base + "/counsels/" + url.PathEscape(sessionID) + "/" + resource)
	if err != nil {
		return nil, fmt.Errorf("invalid counseling API base URL: %w", err)
	}
	return u, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	if c.cfg.Credentials != nil {
		token, err := c.cfg.Credentials.Token(req.Context())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to obtain credential: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, fmt.Errorf("%w: status %d", domain.ErrUnauthorized, resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return payload, resp.StatusCode, nil
}

package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"counselchat/internal/domain"
	"counselchat/internal/ports"
)

// Config controls the speech-to-text endpoint.
type Config struct {
	URL         string
	FieldName   string
	Timeout     time.Duration
	Credentials ports.CredentialSource
}

// Client posts a finished recording as a single multipart file and reads
// back {"text": ...}.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.FieldName == "" {
		cfg.FieldName = "file"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type response struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (c *Client) Transcribe(ctx context.Context, unit domain.AudioUnit) (string, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", errors.New("STT_URL is not configured")
	}
	if len(unit.Data) == 0 {
		return "", domain.ErrNoAudio
	}

	body, contentType, err := encodeAudio(c.cfg.FieldName, unit)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, body)
	if err != nil {
		return "", fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.Credentials != nil {
		token, err := c.cfg.Credentials.Token(ctx)
		if err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read transcription response: %w", err)
	}

	var decoded response
	_ = json.Unmarshal(payload, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := strings.TrimSpace(decoded.Error)
		if detail == "" {
			detail = strings.TrimSpace(string(payload))
		}
		return "", fmt.Errorf("transcription failed with status %d: %s", resp.StatusCode, detail)
	}

	text := strings.TrimSpace(decoded.Text)
	if text == "" {
		return "", domain.ErrEmptyTranscript
	}
	return text, nil
}

// encodeAudio builds a multipart body carrying the unit under field.
func encodeAudio(field string, unit domain.AudioUnit) (*bytes.Buffer, string, error) {
	fileName := unit.FileName
	if fileName == "" {
		fileName = "voice.wav"
	}
	mimeType := unit.MIMEType
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, fileName))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(unit.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"counselchat/internal/domain"
)

const (
	TypingStartSentinel = "AI_TYPING_START"
	TypingEndSentinel   = "AI_TYPING_END"
)

var errorPrefixes = []string{"ERROR:", "[ERROR]", "오류:"}

// EventKind tags a classified inbound frame.
type EventKind string

const (
	EventChat          EventKind = "chat"
	EventTypingStarted EventKind = "typing_start"
	EventTypingEnded   EventKind = "typing_end"
	EventError         EventKind = "error"
)

// Event is an inbound frame decoded into the internal model.
// Message is only meaningful for EventChat and EventError.
type Event struct {
	Kind    EventKind
	Message domain.ChatMessage
}

// DecodeError reports a frame that cannot be forwarded to the store.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type inboundFrame struct {
	Kind            *string                 `json:"kind"`
	Sender          *string                 `json:"sender"`
	Message         *string                 `json:"message"`
	Content         *string                 `json:"content"`
	MessageType     string                  `json:"messageType"`
	MessageOrder    *int                    `json:"messageOrder"`
	IsVoice         bool                    `json:"isVoice"`
	ID              json.RawMessage         `json:"id"`
	Timestamp       json.RawMessage         `json:"timestamp"`
	Recommendations []domain.Recommendation `json:"recommendations"`
	Error           *domain.MessageError    `json:"error"`
}

// Decoder classifies inbound frames for one session.
type Decoder struct {
	Now func() time.Time
}

// Decode classifies a frame using the current time for missing timestamps.
func Decode(sessionID string, raw []byte) (Event, error) {
	return Decoder{}.Decode(sessionID, raw)
}

// Decode classifies one raw frame body.
func (d Decoder) Decode(sessionID string, raw []byte) (Event, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	var frame inboundFrame
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&frame); err != nil {
		return Event{}, &DecodeError{Reason: "malformed json", Err: err}
	}

	body, hasBody := frame.body()
	if frame.Sender == nil && !hasBody {
		return Event{}, &DecodeError{Reason: "missing sender and message"}
	}

	sender, ok := parseSender(frame.Sender)
	if !ok {
		return Event{}, &DecodeError{Reason: fmt.Sprintf("unknown sender %q", deref(frame.Sender))}
	}

	if frame.Kind != nil {
		return d.decodeTagged(sessionID, sender, body, frame, now)
	}

	if sender == domain.SenderAI {
		switch strings.TrimSpace(body) {
		case TypingStartSentinel:
			return Event{Kind: EventTypingStarted}, nil
		case TypingEndSentinel:
			return Event{Kind: EventTypingEnded}, nil
		}
		if summary, isErr := errorSummary(body, frame.Error); isErr {
			return Event{Kind: EventError, Message: d.errorMessage(sessionID, summary, frame, now)}, nil
		}
	}

	msg, err := d.chatMessage(sessionID, sender, body, frame, now)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventChat, Message: msg}, nil
}

func (d Decoder) decodeTagged(sessionID string, sender domain.Sender, body string, frame inboundFrame, now func() time.Time) (Event, error) {
	switch EventKind(strings.ToLower(strings.TrimSpace(*frame.Kind))) {
	case EventTypingStarted:
		return Event{Kind: EventTypingStarted}, nil
	case EventTypingEnded:
		return Event{Kind: EventTypingEnded}, nil
	case EventError:
		summary, _ := errorSummary(body, frame.Error)
		if summary == "" {
			summary = strings.TrimSpace(body)
		}
		return Event{Kind: EventError, Message: d.errorMessage(sessionID, summary, frame, now)}, nil
	case EventChat:
		msg, err := d.chatMessage(sessionID, sender, body, frame, now)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventChat, Message: msg}, nil
	default:
		return Event{}, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", *frame.Kind)}
	}
}

func (d Decoder) chatMessage(sessionID string, sender domain.Sender, body string, frame inboundFrame, now func() time.Time) (domain.ChatMessage, error) {
	ts, err := parseTimestamp(frame.Timestamp, now)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	msgType := parseMessageType(frame.MessageType)
	if frame.MessageType == "" && len(frame.Recommendations) > 0 {
		msgType = domain.MessageTypeRecommendation
	}

	msg := domain.ChatMessage{
		ID:              frameID(frame.ID),
		SessionID:       sessionID,
		Sender:          sender,
		Type:            msgType,
		Content:         body,
		Timestamp:       ts,
		IsVoice:         frame.IsVoice || msgType == domain.MessageTypeVoice,
		Recommendations: frame.Recommendations,
	}
	if frame.MessageOrder != nil {
		msg.MessageOrder = *frame.MessageOrder
		msg.DisplayRank = float64(*frame.MessageOrder)
	}
	if msg.ID == "" {
		msg.ID = fallbackID(sessionID, sender, msg.MessageOrder, ts)
	}
	return msg, nil
}

func (d Decoder) errorMessage(sessionID, summary string, frame inboundFrame, now func() time.Time) domain.ChatMessage {
	ts, err := parseTimestamp(frame.Timestamp, now)
	if err != nil {
		ts = now()
	}
	msg := domain.ChatMessage{
		ID:        frameID(frame.ID),
		SessionID: sessionID,
		Sender:    domain.SenderAI,
		Type:      domain.MessageTypeError,
		Content:   summary,
		Timestamp: ts,
		Error:     frame.Error,
	}
	if msg.Error == nil {
		msg.Error = &domain.MessageError{Code: "AI_ERROR", Message: summary}
	}
	if frame.MessageOrder != nil {
		msg.MessageOrder = *frame.MessageOrder
		msg.DisplayRank = float64(*frame.MessageOrder)
	}
	if msg.ID == "" {
		msg.ID = fallbackID(sessionID, domain.SenderAI, msg.MessageOrder, ts)
	}
	return msg
}

func (f inboundFrame) body() (string, bool) {
	if f.Message != nil {
		return *f.Message, true
	}
	if f.Content != nil {
		return *f.Content, true
	}
	return "", false
}

func parseSender(raw *string) (domain.Sender, bool) {
	if raw == nil {
		return "", false
	}
	switch domain.Sender(strings.ToLower(strings.TrimSpace(*raw))) {
	case domain.SenderUser:
		return domain.SenderUser, true
	case domain.SenderAI:
		return domain.SenderAI, true
	default:
		return "", false
	}
}

func parseMessageType(raw string) domain.MessageType {
	switch domain.MessageType(strings.ToUpper(strings.TrimSpace(raw))) {
	case domain.MessageTypeVoice:
		return domain.MessageTypeVoice
	case domain.MessageTypeRecommendation:
		return domain.MessageTypeRecommendation
	case domain.MessageTypeError:
		return domain.MessageTypeError
	default:
		return domain.MessageTypeText
	}
}

func errorSummary(body string, wireErr *domain.MessageError) (string, bool) {
	if wireErr != nil {
		if msg := strings.TrimSpace(wireErr.Message); msg != "" {
			return msg, true
		}
		if text := strings.TrimSpace(body); text != "" {
			return text, true
		}
		return "an unknown error occurred", true
	}

	trimmed := strings.TrimSpace(body)
	for _, prefix := range errorPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			summary := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			if summary == "" {
				summary = "an unknown error occurred"
			}
			return summary, true
		}
	}
	return "", false
}

func parseTimestamp(raw json.RawMessage, now func() time.Time) (time.Time, error) {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return now(), nil
	}

	if value[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, &DecodeError{Reason: "invalid timestamp", Err: err}
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return now(), nil
		}
		if n, err := strconv.ParseFloat(text, 64); err == nil {
			return fromEpoch(n), nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, text); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, &DecodeError{Reason: fmt.Sprintf("unparseable timestamp %q", text)}
	}

	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, &DecodeError{Reason: "invalid timestamp", Err: err}
	}
	return fromEpoch(n), nil
}

func fromEpoch(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9))
}

func frameID(raw json.RawMessage) string {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return value
}

func fallbackID(sessionID string, sender domain.Sender, order int, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%d-%d", sessionID, sender, order, ts.UnixNano())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// IsDecodeError reports whether err came from frame classification.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

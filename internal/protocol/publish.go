package protocol

import (
	"encoding/json"
	"fmt"
)

// PublishBody is the outbound chat frame body.
type PublishBody struct {
	MessageOrder int    `json:"messageOrder"`
	IsVoice      bool   `json:"isVoice"`
	Message      string `json:"message"`
}

// EncodePublish renders the body published for one user message.
func EncodePublish(order int, isVoice bool, text string) ([]byte, error) {
	payload, err := json.Marshal(PublishBody{MessageOrder: order, IsVoice: isVoice, Message: text})
	if err != nil {
		return nil, fmt.Errorf("encode publish body: %w", err)
	}
	return payload, nil
}

// SubscribeDestination is the broker destination carrying session traffic.
func SubscribeDestination(sessionID string) string {
	return "/sub/counsels/" + sessionID + "/chat"
}

// PublishDestination is the broker destination accepting user messages.
func PublishDestination(sessionID string) string {
	return "/pub/counsels/" + sessionID + "/chat"
}

// Package chat is the boundary to the chat platform: the inbound event model,
// an HTTP bot API client and a websocket event listener.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEvent marks an inbound event that cannot be handled.
var ErrInvalidEvent = errors.New("invalid chat event")

// Message types carried by InboundEvent.MessageType.
const (
	MessageText  = "text"
	MessageFile  = "file"
	MessageImage = "image"
	MessagePost  = "post"
)

// InboundEvent is one message received from the chat platform.
type InboundEvent struct {
	EventID     string   `json:"event_id"`
	SenderID    string   `json:"sender_id"`
	ChatID      string   `json:"chat_id"`
	ChatType    string   `json:"chat_type"`
	MessageID   string   `json:"message_id"`
	MessageType string   `json:"message_type"`
	Content     string   `json:"content"`
	Mentions    []string `json:"mentions,omitempty"`
}

// Validate checks the identifiers every event needs.
func (e InboundEvent) Validate() error {
	var missing []string
	if e.SenderID == "" {
		missing = append(missing, "sender_id")
	}
	if e.ChatID == "" {
		missing = append(missing, "chat_id")
	}
	if e.MessageType == "" {
		missing = append(missing, "message_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	return nil
}

type contentPayload struct {
	Text     string `json:"text"`
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
	ImageKey string `json:"image_key"`
}

func (e InboundEvent) payload() (contentPayload, bool) {
	var p contentPayload
	c := strings.TrimSpace(e.Content)
	if !strings.HasPrefix(c, "{") {
		return p, false
	}
	if err := json.Unmarshal([]byte(c), &p); err != nil {
		return p, false
	}
	return p, true
}

// Text returns the message text. Content may be a JSON object with a "text"
// field or the raw text itself.
func (e InboundEvent) Text() (string, error) {
	if e.MessageType != MessageText && e.MessageType != MessagePost {
		return "", fmt.Errorf("%w: %s message has no text", ErrInvalidEvent, e.MessageType)
	}
	if p, ok := e.payload(); ok {
		return p.Text, nil
	}
	if strings.HasPrefix(strings.TrimSpace(e.Content), "{") {
		return "", fmt.Errorf("%w: unparsable content", ErrInvalidEvent)
	}
	return e.Content, nil
}

// Attachment describes a file or image message.
type Attachment struct {
	Key  string
	Name string
}

// Attachment returns the file or image key of a file or image message.
func (e InboundEvent) Attachment() (Attachment, error) {
	p, ok := e.payload()
	if !ok {
		return Attachment{}, fmt.Errorf("%w: unparsable attachment content", ErrInvalidEvent)
	}
	switch e.MessageType {
	case MessageFile:
		if p.FileKey == "" {
			return Attachment{}, fmt.Errorf("%w: missing file_key", ErrInvalidEvent)
		}
		return Attachment{Key: p.FileKey, Name: p.FileName}, nil
	case MessageImage:
		if p.ImageKey == "" {
			return Attachment{}, fmt.Errorf("%w: missing image_key", ErrInvalidEvent)
		}
		return Attachment{Key: p.ImageKey, Name: p.ImageKey + ".png"}, nil
	}
	return Attachment{}, fmt.Errorf("%w: %s message has no attachment", ErrInvalidEvent, e.MessageType)
}

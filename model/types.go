package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Account is a registered user. PasswordHash never leaves the server.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Public returns a copy safe to send to clients.
func (a Account) Public() Account {
	a.PasswordHash = ""
	return a
}

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
	ClientID  string    `json:"clientId,omitempty"` // idempotency key chosen by the sending client
}

// Chat is a conversation thread between participants.
type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	IsGroup      bool      `json:"isGroup"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasParticipant reports whether username takes part in the chat.
func (c Chat) HasParticipant(username string) bool {
	for _, p := range c.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// ChatSummary is a chat as listed for one viewer.
type ChatSummary struct {
	Chat
	LastMessage *Message `json:"lastMessage"`
	UnreadCount int      `json:"unreadCount"`
}

// Page is one page of a thread, messages in chronological order.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
}

// EventType represents the type of websocket event.
type EventType string

const (
	EventUserJoin       EventType = "user-join"
	EventOnlineUsers    EventType = "online-users"
	EventPrivateMessage EventType = "private-message"
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stop-typing"
	EventUserTyping     EventType = "user-typing"
	EventUserStopTyping EventType = "user-stop-typing"
	EventError          EventType = "error"
)

// Event is the wrapper for websocket messages.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with the payload encoded as JSON.
func NewEvent(t EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// PrivateMessage is the payload of a private-message event. Inbound frames
// carry To; frames delivered to the recipient omit it.
type PrivateMessage struct {
	To        string    `json:"to,omitempty"`
	From      string    `json:"from"`
	Message   string    `json:"message"`
	ChatID    string    `json:"chatId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	SentAt    time.Time `json:"sentAt,omitzero"`
}

// Typing is the payload of typing and stop-typing events.
type Typing struct {
	To   string `json:"to,omitempty"`
	From string `json:"from"`
}

// ErrorPayload is sent to a connection whose own frame was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

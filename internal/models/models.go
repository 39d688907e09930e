package models

import (
	"encoding/json"
	"time"
)

// Sender identifies who authored a message. Wire values are numeric
// (0=customer, 1=agent, 2=assistant) and are mapped at the API boundary.
type Sender int

const (
	SenderCustomer Sender = iota
	SenderAgent
	SenderAssistant
)

func (s Sender) String() string {
	switch s {
	case SenderAgent:
		return "agent"
	case SenderAssistant:
		return "assistant"
	default:
		return "customer"
	}
}

// ContentType is the kind of payload a message carries.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentFile     ContentType = "file"
	ContentDocument ContentType = "document"
)

// DeliveryStatus tracks a message through its local lifecycle.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusRead    DeliveryStatus = "read"
	StatusFailed  DeliveryStatus = "failed"
)

// Message is a single chat message. Provisional marks a locally created entry
// whose ID is a temporary client-side value (current time in milliseconds)
// until the next authoritative reload replaces it.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversationId"`
	Sender         Sender         `json:"sender"`
	Text           string         `json:"text"`
	SentAt         time.Time      `json:"sentAt"`
	Status         DeliveryStatus `json:"status"`
	Type           ContentType    `json:"type"`
	MediaURL       string         `json:"mediaUrl,omitempty"`
	Provisional    bool           `json:"provisional,omitempty"`

	// LocalMedia is a locally resolvable reference (file path or data URL)
	// used to preview outgoing media before the server URL is known.
	LocalMedia string `json:"localMedia,omitempty"`
	// Preview is a small JPEG thumbnail for provisional image messages.
	Preview []byte `json:"preview,omitempty"`
}

// Conversation is a summary row from the seller's conversation list.
// The list is always replaced wholesale on refresh, never merged.
type Conversation struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Unread        int       `json:"unread"`
	StatusID      int       `json:"statusId,omitempty"`
	DealValue     float64   `json:"dealValue,omitempty"`
	Owner         string    `json:"owner,omitempty"`
}

// Note is a deal annotation attached to a conversation.
type Note struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Text           string    `json:"text"`
	Author         string    `json:"author,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// User is the normalized identity of the logged-in seller, persisted locally
// as an opaque blob under the "user" key.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`

	// Raw keeps the original server payload so fields this client does not
	// model survive a save/load round trip.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ViewContext tells the sync core whether the chat screen is currently open.
// It is set explicitly by the embedding UI instead of being inferred from
// navigation state.
type ViewContext int

const (
	ChatClosed ViewContext = iota
	ChatOpen
)

func (v ViewContext) String() string {
	if v == ChatOpen {
		return "open"
	}
	return "closed"
}

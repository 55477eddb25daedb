package domain

import (
	"context"
	"time"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationDeleted  ConversationStatus = "deleted"
)

// Conversation is the thread between one counterpart and the router on one
// channel. (Channel, ParticipantID) is unique.
type Conversation struct {
	ID            string
	Channel       Channel
	ParticipantID string
	Metadata      map[string]string
	Status        ConversationStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Messages holds the most recent window loaded by the caller, oldest first.
	Messages []Message
}

// ConversationStore persists conversations and their messages. Append order
// within one conversation is the order of the calls.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, channel Channel, participantID string) (*Conversation, error)
	Append(ctx context.Context, conversationID string, msg *Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	UpdateDeliveryStatus(ctx context.Context, messageID string, status DeliveryStatus, externalID, errMsg string) error
	UpdateDeliveryStatusByExternalID(ctx context.Context, channel Channel, externalID string, status DeliveryStatus, errMsg string) error
	MergeMetadata(ctx context.Context, conversationID string, meta map[string]string) error
}

package domain

import (
	"context"
	"errors"
)

// Channel identifies one of the supported external messaging surfaces.
type Channel string

const (
	ChannelTelegram    Channel = "telegram"
	ChannelWhatsApp    Channel = "whatsapp"
	ChannelMarketplace Channel = "marketplace"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelTelegram, ChannelWhatsApp, ChannelMarketplace}

func (c Channel) Valid() bool {
	switch c {
	case ChannelTelegram, ChannelWhatsApp, ChannelMarketplace:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// InboundKind tags what a normalized inbound item carries.
type InboundKind string

const (
	InboundMessage InboundKind = "message"
	InboundEvent   InboundKind = "event"
	InboundCommand InboundKind = "command"
	InboundStatus  InboundKind = "status"
)

// Command is a platform slash-command answered by the adapter itself.
type Command struct {
	Name       string
	Args       string
	ChatID     string
	SenderID   string
	SenderName string
	ExternalID string
}

// StatusUpdate is a delivery receipt pushed by the platform for a message we
// sent earlier.
type StatusUpdate struct {
	ExternalID  string
	RecipientID string
	Status      DeliveryStatus
	Error       string
}

// Inbound is one normalized item extracted from a raw platform payload.
// Exactly one of Message, Event, Command or Status is set, matching Kind.
type Inbound struct {
	Kind    InboundKind
	Message *Message
	Event   *DomainEvent
	Command *Command
	Status  *StatusUpdate
}

// DeliveryResult reports the outcome of one Dispatch call.
type DeliveryResult struct {
	Success    bool
	ExternalID string
	Error      string
}

// Err returns nil on success, or an error wrapping ErrDeliveryFailed.
func (r DeliveryResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return ErrDeliveryFailed
	}
	return errors.Join(ErrDeliveryFailed, errors.New(r.Error))
}

// ChannelAdapter is the uniform surface each channel exposes to the router.
type ChannelAdapter interface {
	Channel() Channel
	NormalizeInbound(raw []byte) ([]Inbound, error)
	Dispatch(ctx context.Context, msg *Message) DeliveryResult
	VerifyInbound(token string) bool
}

// CommandHandler is implemented by adapters that answer slash-commands
// locally without touching any conversation.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd *Command) DeliveryResult
}

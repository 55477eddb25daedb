package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageType tags the payload a Message carries.
type MessageType string

const (
	MessageText          MessageType = "text"
	MessageMedia         MessageType = "media"
	MessageLocation      MessageType = "location"
	MessageContact       MessageType = "contact"
	MessageOrderUpdate   MessageType = "order_update"
	MessageBuyerQuestion MessageType = "buyer_question"
	MessageSystemNotice  MessageType = "system_notice"
)

// Origin says who produced a message.
type Origin string

const (
	OriginSystem      Origin = "system"
	OriginCounterpart Origin = "counterpart"
	OriginAgent       Origin = "agent"
)

// MediaKind classifies a media attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

type Media struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url"`
	MimeType string    `json:"mimeType,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// OrderUpdate is the payload of a message telling a buyer about an order.
type OrderUpdate struct {
	OrderID    string `json:"orderId"`
	ExternalID string `json:"externalId,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Status     string `json:"status"`
	Text       string `json:"text"`
}

// BuyerQuestion carries a marketplace question and, for outbound messages,
// the generated answer.
type BuyerQuestion struct {
	QuestionID string `json:"questionId"`
	ProductID  string `json:"productId"`
	Question   string `json:"question"`
	Answer     string `json:"answer,omitempty"`
}

type SystemNotice struct {
	Text string `json:"text"`
}

// Message is a tagged variant: Type selects which one of the payload
// fields is populated. Text is used only for MessageText.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId,omitempty"`
	Channel        Channel        `json:"channel"`
	Type           MessageType    `json:"type"`
	Origin         Origin         `json:"origin"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	RecipientID    string         `json:"recipientId"`
	AgentID        string         `json:"agentId,omitempty"`
	ExternalID     string         `json:"externalId,omitempty"`
	Status         DeliveryStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`

	Text     string         `json:"text,omitempty"`
	Media    *Media         `json:"media,omitempty"`
	Location *Location      `json:"location,omitempty"`
	Contact  *Contact       `json:"contact,omitempty"`
	Order    *OrderUpdate   `json:"order,omitempty"`
	Question *BuyerQuestion `json:"question,omitempty"`
	Notice   *SystemNotice  `json:"notice,omitempty"`
}

// Validate checks that exactly the payload matching Type is present.
func (m *Message) Validate() error {
	set := 0
	for _, present := range []bool{m.Media != nil, m.Location != nil, m.Contact != nil, m.Order != nil, m.Question != nil, m.Notice != nil} {
		if present {
			set++
		}
	}
	var ok bool
	switch m.Type {
	case MessageText:
		ok = set == 0 && m.Text != ""
	case MessageMedia:
		ok = set == 1 && m.Media != nil && m.Media.URL != ""
	case MessageLocation:
		ok = set == 1 && m.Location != nil
	case MessageContact:
		ok = set == 1 && m.Contact != nil
	case MessageOrderUpdate:
		ok = set == 1 && m.Order != nil
	case MessageBuyerQuestion:
		ok = set == 1 && m.Question != nil
	case MessageSystemNotice:
		ok = set == 1 && m.Notice != nil
	default:
		return fmt.Errorf("message %s: unknown type %q", m.ID, m.Type)
	}
	if !ok {
		return fmt.Errorf("message %s: payload does not match type %q", m.ID, m.Type)
	}
	switch m.Origin {
	case OriginSystem, OriginCounterpart, OriginAgent:
	default:
		return fmt.Errorf("message %s: unknown origin %q", m.ID, m.Origin)
	}
	return nil
}

// Content renders the message as plain text for a chat turn or an outbound
// text-only channel.
func (m *Message) Content() string {
	switch m.Type {
	case MessageText:
		return m.Text
	case MessageMedia:
		if m.Media == nil {
			return ""
		}
		if m.Media.Caption != "" {
			return fmt.Sprintf("[%s] %s", m.Media.Kind, m.Media.Caption)
		}
		return fmt.Sprintf("[%s]", m.Media.Kind)
	case MessageLocation:
		if m.Location == nil {
			return ""
		}
		s := fmt.Sprintf("[location] %.6f,%.6f", m.Location.Latitude, m.Location.Longitude)
		if label := strings.TrimSpace(m.Location.Name + " " + m.Location.Address); label != "" {
			s += " " + label
		}
		return s
	case MessageContact:
		if m.Contact == nil {
			return ""
		}
		parts := []string{m.Contact.Name}
		if m.Contact.Phone != "" {
			parts = append(parts, m.Contact.Phone)
		}
		if m.Contact.Email != "" {
			parts = append(parts, m.Contact.Email)
		}
		return "[contact] " + strings.Join(parts, " ")
	case MessageOrderUpdate:
		if m.Order == nil {
			return ""
		}
		return m.Order.Text
	case MessageBuyerQuestion:
		if m.Question == nil {
			return ""
		}
		if m.Question.Answer != "" {
			return m.Question.Answer
		}
		return m.Question.Question
	case MessageSystemNotice:
		if m.Notice == nil {
			return ""
		}
		return m.Notice.Text
	}
	return ""
}

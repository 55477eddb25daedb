package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the kind of a marketplace notification.
type EventKind string

const (
	EventOrderStatusChanged EventKind = "order_status_changed"
	EventBuyerQuestionAsked EventKind = "buyer_question_asked"
)

type Buyer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type OrderItem struct {
	Title    string  `json:"title"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type Order struct {
	ID             string      `json:"id"`
	ExternalID     string      `json:"external_id"`
	Status         string      `json:"status"`
	Buyer          Buyer       `json:"buyer"`
	Items          []OrderItem `json:"items,omitempty"`
	Total          float64     `json:"total"`
	Currency       string      `json:"currency,omitempty"`
	TrackingNumber string      `json:"tracking_number,omitempty"`
}

type Question struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	BuyerID   string `json:"buyer_id"`
	Text      string `json:"text"`
}

// DomainEvent is a non-conversational notification from the marketplace feed.
// It never touches conversation history.
type DomainEvent struct {
	ID         string
	Kind       EventKind
	Channel    Channel
	Platform   string
	Order      *Order
	Question   *Question
	ReceivedAt time.Time
}

// RecipientID is who a reply to this event is addressed to.
func (e *DomainEvent) RecipientID() string {
	switch {
	case e.Order != nil:
		return e.Order.Buyer.ID
	case e.Question != nil:
		return e.Question.BuyerID
	}
	return ""
}

// Prompt renders the event as the single user turn sent to the completion
// service.
func (e *DomainEvent) Prompt() string {
	var b strings.Builder
	switch e.Kind {
	case EventOrderStatusChanged:
		o := e.Order
		b.WriteString("Order update received:\n")
		fmt.Fprintf(&b, "ID: %s\n", firstNonEmpty(o.ExternalID, o.ID))
		fmt.Fprintf(&b, "Platform: %s\n", e.Platform)
		fmt.Fprintf(&b, "Buyer: %s\n", o.Buyer.Name)
		fmt.Fprintf(&b, "Total: %.2f", o.Total)
		if o.Currency != "" {
			b.WriteString(" " + o.Currency)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "Status: %s\n", o.Status)
		if o.TrackingNumber != "" {
			fmt.Fprintf(&b, "Tracking: %s\n", o.TrackingNumber)
		}
		b.WriteString("\nWrite a short message informing the buyer about this update.")
	case EventBuyerQuestionAsked:
		q := e.Question
		b.WriteString("New question received:\n")
		fmt.Fprintf(&b, "Product: %s\n", q.ProductID)
		fmt.Fprintf(&b, "Question: %s\n", q.Text)
		b.WriteString("\nWrite a helpful answer to the buyer.")
	}
	return b.String()
}

// Describe is a plain rendering used when no generated text is available.
func (e *DomainEvent) Describe() string {
	switch e.Kind {
	case EventOrderStatusChanged:
		return fmt.Sprintf("Your order %s is now %s.", firstNonEmpty(e.Order.ExternalID, e.Order.ID), e.Order.Status)
	case EventBuyerQuestionAsked:
		return "Thanks for your question. We will get back to you shortly."
	}
	return ""
}

// Validate checks that the payload matching Kind is present.
func (e *DomainEvent) Validate() error {
	switch e.Kind {
	case EventOrderStatusChanged:
		if e.Order == nil || e.Order.Status == "" || firstNonEmpty(e.Order.ExternalID, e.Order.ID) == "" {
			return fmt.Errorf("event %s: order id and status are required", e.ID)
		}
	case EventBuyerQuestionAsked:
		if e.Question == nil || strings.TrimSpace(e.Question.Text) == "" {
			return fmt.Errorf("event %s: question text is required", e.ID)
		}
	default:
		return fmt.Errorf("event %s: unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

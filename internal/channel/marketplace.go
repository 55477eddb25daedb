package channel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/domain"
)

const (
	topicOrders    = "orders"
	topicQuestions = "questions"
)

// Marketplace receives order and question notifications from a marketplace
// feed and posts generated notices back to its notify API.
type Marketplace struct {
	cfg    config.MarketplaceConfig
	client *http.Client
	logger *slog.Logger
}

type MarketplaceChannelConfig struct {
	Config config.MarketplaceConfig
	Client *http.Client // optional
	Logger *slog.Logger
}

func NewMarketplace(cfg MarketplaceChannelConfig) *Marketplace {
	if cfg.Client == nil {
		cfg.Client = newOutboundClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Marketplace{cfg: cfg.Config, client: cfg.Client, logger: cfg.Logger}
}

func (m *Marketplace) Channel() domain.Channel { return domain.ChannelMarketplace }

func (m *Marketplace) VerifyInbound(token string) bool {
	return tokensEqual(m.cfg.Token, token)
}

// mpNotification is one feed notification. A webhook body carries either a
// single notification or an array of them.
type mpNotification struct {
	ID       string           `json:"id"`
	Topic    string           `json:"topic"`
	Platform string           `json:"platform"`
	SentAt   time.Time        `json:"sent_at"`
	Order    *domain.Order    `json:"order,omitempty"`
	Question *domain.Question `json:"question,omitempty"`
}

// NormalizeInbound decodes feed notifications into domain events. Unknown
// topics are skipped; a known topic with an incomplete resource makes the
// whole payload malformed.
func (m *Marketplace) NormalizeInbound(raw []byte) ([]domain.Inbound, error) {
	var batch []mpNotification
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("%w: marketplace: %w", domain.ErrMalformedPayload, err)
		}
	} else {
		var n mpNotification
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return nil, fmt.Errorf("%w: marketplace: %w", domain.ErrMalformedPayload, err)
		}
		batch = []mpNotification{n}
	}

	out := make([]domain.Inbound, 0, len(batch))
	for _, n := range batch {
		ev := &domain.DomainEvent{
			ID:         n.ID,
			Channel:    domain.ChannelMarketplace,
			Platform:   firstNonEmpty(n.Platform, m.cfg.Platform),
			Order:      n.Order,
			Question:   n.Question,
			ReceivedAt: time.Now().UTC(),
		}
		switch n.Topic {
		case topicOrders:
			ev.Kind = domain.EventOrderStatusChanged
			ev.Question = nil
		case topicQuestions:
			ev.Kind = domain.EventBuyerQuestionAsked
			ev.Order = nil
		default:
			m.logger.Debug("marketplace topic skipped", "topic", n.Topic, "id", n.ID)
			continue
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrMalformedPayload, err)
		}
		if ev.ID == "" {
			ev.ID = derivedEventID(ev)
		}
		out = append(out, domain.Inbound{Kind: domain.InboundEvent, Event: ev})
	}
	return out, nil
}

// derivedEventID identifies a notification sent without an id, so that a
// redelivered status change is still recognised. A question without its own
// id is keyed by product, buyer and a digest of the text.
func derivedEventID(ev *domain.DomainEvent) string {
	if ev.Order != nil {
		return fmt.Sprintf("%s:%s:%s", topicOrders, firstNonEmpty(ev.Order.ExternalID, ev.Order.ID), ev.Order.Status)
	}
	q := ev.Question
	if q.ID != "" {
		return fmt.Sprintf("%s:%s", topicQuestions, q.ID)
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(q.Text)))
	return fmt.Sprintf("%s:%s:%s:%s", topicQuestions, q.ProductID, q.BuyerID, hex.EncodeToString(sum[:8]))
}

// Dispatch posts the notice to the configured notify URL.
func (m *Marketplace) Dispatch(ctx context.Context, msg *domain.Message) domain.DeliveryResult {
	body := map[string]any{
		"recipientId": msg.RecipientID,
		"text":        msg.Content(),
	}
	switch {
	case msg.Type == domain.MessageOrderUpdate && msg.Order != nil:
		body["type"] = "order_update"
		body["orderId"] = msg.Order.OrderID
		body["externalId"] = msg.Order.ExternalID
		body["platform"] = msg.Order.Platform
		body["status"] = msg.Order.Status
	case msg.Type == domain.MessageBuyerQuestion && msg.Question != nil:
		body["type"] = "question_answer"
		body["questionId"] = msg.Question.QuestionID
		body["productId"] = msg.Question.ProductID
	default:
		body["type"] = "message"
	}

	id, err := m.post(ctx, body)
	if err != nil {
		m.logger.Warn("marketplace notify failed", "recipient", msg.RecipientID, "err", err)
		return domain.DeliveryResult{Error: err.Error()}
	}
	return domain.DeliveryResult{Success: true, ExternalID: id}
}

func (m *Marketplace) post(ctx context.Context, body any) (string, error) {
	if m.cfg.NotifyURL == "" {
		return "", errors.New("marketplace: notify URL not configured")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.NotifyURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.New(remoteError(resp.StatusCode, respBody))
	}
	var ack struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(respBody, &ack)
	return ack.ID, nil
}

// Handler accepts feed notifications for agentID. The shared token is read
// from the X-Marketplace-Token header or the token query parameter.
func (m *Marketplace) Handler(proc domain.Processor, agentID string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := readBody(r)
		if err != nil {
			http.Error(rw, "Bad Request", http.StatusBadRequest)
			return
		}
		token := r.Header.Get("X-Marketplace-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		serveUnit(rw, r, proc, domain.Unit{Adapter: m, AgentID: agentID, Token: token, Payload: body}, m.logger)
	})
}

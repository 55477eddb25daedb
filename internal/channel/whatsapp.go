package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/domain"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

// WhatsApp adapts the WhatsApp Business Cloud API.
type WhatsApp struct {
	cfg    config.WhatsAppConfig
	client *http.Client
	logger *slog.Logger
}

type WhatsAppChannelConfig struct {
	Config config.WhatsAppConfig
	Client *http.Client // optional
	Logger *slog.Logger
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = whatsappAPIBase
	}
	cfg.Config.APIBase = strings.TrimRight(cfg.Config.APIBase, "/")
	if cfg.Client == nil {
		cfg.Client = newOutboundClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsApp{cfg: cfg.Config, client: cfg.Client, logger: cfg.Logger}
}

func (w *WhatsApp) Channel() domain.Channel { return domain.ChannelWhatsApp }

// VerifyInbound checks the webhook token passed as ?token=.
func (w *WhatsApp) VerifyInbound(token string) bool {
	return tokensEqual(w.cfg.VerifyToken, token)
}

// NormalizeInbound turns a webhook notification into messages and delivery
// receipts. Message types the router cannot represent are skipped.
func (w *WhatsApp) NormalizeInbound(raw []byte) ([]domain.Inbound, error) {
	var payload waPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: whatsapp: %w", domain.ErrMalformedPayload, err)
	}

	var out []domain.Inbound
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				msg, ok := w.toMessage(m)
				if !ok {
					w.logger.Debug("whatsapp message type skipped", "type", m.Type, "id", m.ID)
					continue
				}
				msg.SenderName = names[m.From]
				out = append(out, domain.Inbound{Kind: domain.InboundMessage, Message: msg})
			}
			for _, s := range change.Value.Statuses {
				st, ok := toStatusUpdate(s)
				if !ok {
					w.logger.Debug("whatsapp status skipped", "status", s.Status, "id", s.ID)
					continue
				}
				out = append(out, domain.Inbound{Kind: domain.InboundStatus, Status: st})
			}
		}
	}
	return out, nil
}

func (w *WhatsApp) toMessage(m waMessage) (*domain.Message, bool) {
	msg := &domain.Message{
		Channel:    domain.ChannelWhatsApp,
		Origin:     domain.OriginCounterpart,
		SenderID:   m.From,
		ExternalID: m.ID,
		Timestamp:  parseUnix(m.Timestamp),
	}
	switch m.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return nil, false
		}
		msg.Type = domain.MessageText
		msg.Text = m.Text.Body
	case "image", "audio", "video", "document":
		media := m.media()
		if media == nil || media.ID == "" {
			return nil, false
		}
		msg.Type = domain.MessageMedia
		msg.Media = &domain.Media{
			Kind:     domain.MediaKind(m.Type),
			URL:      "whatsapp://media/" + media.ID,
			MimeType: media.MimeType,
			Caption:  media.Caption,
		}
	case "location":
		if m.Location == nil {
			return nil, false
		}
		msg.Type = domain.MessageLocation
		msg.Location = &domain.Location{
			Latitude:  m.Location.Latitude,
			Longitude: m.Location.Longitude,
			Name:      m.Location.Name,
			Address:   m.Location.Address,
		}
	case "contacts":
		if len(m.Contacts) == 0 {
			return nil, false
		}
		c := m.Contacts[0]
		contact := &domain.Contact{Name: c.Name.FormattedName}
		if len(c.Phones) > 0 {
			contact.Phone = c.Phones[0].Phone
		}
		if len(c.Emails) > 0 {
			contact.Email = c.Emails[0].Email
		}
		msg.Type = domain.MessageContact
		msg.Contact = contact
	default:
		return nil, false
	}
	return msg, true
}

func toStatusUpdate(s waStatus) (*domain.StatusUpdate, bool) {
	status := domain.DeliveryStatus(s.Status)
	if !status.Valid() || status == domain.StatusPending || s.ID == "" {
		return nil, false
	}
	st := &domain.StatusUpdate{ExternalID: s.ID, RecipientID: s.RecipientID, Status: status}
	if len(s.Errors) > 0 {
		st.Error = firstNonEmpty(s.Errors[0].Message, s.Errors[0].Title)
	}
	return st, true
}

// Dispatch sends msg to msg.RecipientID through the Graph API. Location
// replies are sent natively; everything else is rendered as text.
func (w *WhatsApp) Dispatch(ctx context.Context, msg *domain.Message) domain.DeliveryResult {
	if msg.RecipientID == "" {
		return domain.DeliveryResult{Error: "whatsapp: message has no recipient"}
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.RecipientID,
	}
	if msg.Type == domain.MessageLocation && msg.Location != nil {
		payload["type"] = "location"
		payload["location"] = msg.Location
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": msg.Content(), "preview_url": false}
	}

	var resp waSendResponse
	if err := w.call(ctx, http.MethodPost, "/"+w.cfg.PhoneNumberID+"/messages", payload, &resp); err != nil {
		w.logger.Warn("whatsapp send failed", "to", msg.RecipientID, "err", err)
		return domain.DeliveryResult{Error: err.Error()}
	}
	res := domain.DeliveryResult{Success: true}
	if len(resp.Messages) > 0 {
		res.ExternalID = resp.Messages[0].ID
	}
	return res
}

// Healthy checks that the configured phone number is reachable with the
// access token.
func (w *WhatsApp) Healthy(ctx context.Context) error {
	var resp struct {
		ID string `json:"id"`
	}
	if err := w.call(ctx, http.MethodGet, "/"+w.cfg.PhoneNumberID+"?fields=id", nil, &resp); err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}
	return nil
}

func (w *WhatsApp) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.cfg.APIBase+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(remoteError(resp.StatusCode, data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// --- Webhook handlers ---

// Handler serves the subscription handshake (GET) and notifications (POST)
// for agentID.
func (w *WhatsApp) Handler(proc domain.Processor, agentID string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.handleVerification(rw, r)
		case http.MethodPost:
			w.handleIncoming(rw, r, proc, agentID)
		default:
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	if mode == "subscribe" && tokensEqual(w.cfg.VerifyToken, q.Get("hub.verify_token")) {
		w.logger.Info("whatsapp webhook verified")
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.Header().Set("X-Content-Type-Options", "nosniff")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, q.Get("hub.challenge"))
		return
	}
	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Unauthorized", http.StatusUnauthorized)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request, proc domain.Processor, agentID string) {
	body, err := readBody(r)
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	if w.cfg.AppSecret != "" && !verifyHMAC(body, w.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		writeJSON(rw, http.StatusUnauthorized, map[string]any{"success": false, "error": "Unauthorized"})
		return
	}
	serveUnit(rw, r, proc, domain.Unit{
		Adapter: w,
		AgentID: agentID,
		Token:   r.URL.Query().Get("token"),
		Payload: body,
	}, w.logger)
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string         `json:"from"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Text      *waText        `json:"text,omitempty"`
	Image     *waMedia       `json:"image,omitempty"`
	Audio     *waMedia       `json:"audio,omitempty"`
	Video     *waMedia       `json:"video,omitempty"`
	Document  *waMedia       `json:"document,omitempty"`
	Location  *waLocation    `json:"location,omitempty"`
	Contacts  []waSharedCard `json:"contacts,omitempty"`
}

func (m waMessage) media() *waMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "audio":
		return m.Audio
	case "video":
		return m.Video
	case "document":
		return m.Document
	}
	return nil
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

type waLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type waSharedCard struct {
	Name struct {
		FormattedName string `json:"formatted_name"`
	} `json:"name"`
	Phones []struct {
		Phone string `json:"phone"`
	} `json:"phones"`
	Emails []struct {
		Email string `json:"email"`
	} `json:"emails"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

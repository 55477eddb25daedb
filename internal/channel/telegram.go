package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agentrelay/internal/bus"
	"agentrelay/internal/config"
	"agentrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxPollBackoff = 30 * time.Second

	// cmdUnauthorized is raised for senders outside the allow list; users
	// cannot type it because only start and help are parsed as commands.
	cmdUnauthorized = "unauthorized"
)

var telegramCommands = map[string]string{
	"start": "👋 Hello! Just send me a message and I'll answer.\n\nCommands:\n/help - Show this message",
	"help":  "📖 Send me any message and the assistant will reply here.\n\nCommands:\n/start - Welcome message\n/help - Show this message",
}

// Telegram adapts the Telegram Bot API. It receives updates either by long
// polling (Start/Stop) or through a push webhook (Handler).
type Telegram struct {
	cfg       config.TelegramConfig
	allowFrom map[int64]bool
	secret    string
	proc      domain.Processor
	client    tgbotapi.HTTPClient
	events    *bus.EventBus
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
}

type TelegramChannelConfig struct {
	Config    config.TelegramConfig
	Processor domain.Processor
	Client    tgbotapi.HTTPClient // optional
	Events    *bus.EventBus       // optional
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramChannelConfig) *Telegram {
	allowed := make(map[int64]bool, len(cfg.Config.AllowFrom))
	for _, s := range cfg.Config.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	if cfg.Config.ParseMode == "" {
		cfg.Config.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Config.PollTimeout <= 0 {
		cfg.Config.PollTimeout = 30
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: time.Duration(cfg.Config.PollTimeout)*time.Second + outboundTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// Without a configured secret, polled updates carry a process-local one.
	secret := cfg.Config.SecretToken
	if secret == "" {
		secret = uuid.NewString()
	}
	return &Telegram{
		cfg:       cfg.Config,
		allowFrom: allowed,
		secret:    secret,
		proc:      cfg.Processor,
		client:    cfg.Client,
		events:    cfg.Events,
		sleep:     sleepContext,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Channel() domain.Channel { return domain.ChannelTelegram }

func (t *Telegram) VerifyInbound(token string) bool {
	return tokensEqual(t.secret, token)
}

// connect lazily creates the bot client; creating it calls getMe.
func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked()
}

func (t *Telegram) connectLocked() (*tgbotapi.BotAPI, error) {
	if t.bot != nil {
		return t.bot, nil
	}
	endpoint := t.cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	t.bot = bot
	return bot, nil
}

// Healthy checks the bot token against getMe.
func (t *Telegram) Healthy(ctx context.Context) error {
	bot, err := t.connect()
	if err != nil {
		return err
	}
	if _, err := bot.GetMe(); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return ctx.Err()
}

// --- Polling listener ---

// Start begins long polling in the background. Polling stops when ctx is
// done or Stop is called. Starting a running listener is a no-op.
func (t *Telegram) Start(ctx context.Context) error {
	if t.cfg.Mode == "webhook" {
		return errors.New("telegram: listener is disabled in webhook mode")
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	bot, err := t.connectLocked()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.mu.Unlock()

	t.logger.Info("telegram polling started", "timeout", t.cfg.PollTimeout)
	t.emitRunning(true)
	go t.poll(pollCtx, bot, done)
	return nil
}

// Stop ends polling. Stopping a stopped listener is a no-op. An in-flight
// long poll is abandoned rather than awaited.
func (t *Telegram) Stop() error {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return nil
	}
	t.cancel()
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	t.logger.Info("telegram polling stopped")
	t.emitRunning(false)
	return nil
}

func (t *Telegram) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Telegram) poll(ctx context.Context, bot *tgbotapi.BotAPI, done chan struct{}) {
	defer func() {
		close(done)
		t.mu.Lock()
		owned := t.done == done
		if owned {
			t.cancel, t.done = nil, nil
		}
		t.mu.Unlock()
		if owned {
			t.logger.Info("telegram polling ended", "err", ctx.Err())
			t.emitRunning(false)
		}
	}()

	offset := 0
	backoff := time.Second
	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(offset)
		u.Timeout = t.cfg.PollTimeout
		u.AllowedUpdates = []string{"message"}

		updates, err := bot.GetUpdates(u)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("telegram getUpdates failed", "err", err, "backoff", backoff)
			if t.sleep(ctx, backoff) != nil {
				return
			}
			backoff = min(backoff*2, telegramMaxPollBackoff)
			continue
		}
		backoff = time.Second

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if ctx.Err() != nil {
				return
			}
			t.handleUpdate(ctx, bot, update)
		}
	}
}

// handleUpdate routes one polled update. Updates are handled in arrival
// order so replies to one chat never overtake each other.
func (t *Telegram) handleUpdate(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) {
	if t.proc == nil {
		return
	}
	if m := update.Message; m != nil && m.Chat != nil && !m.IsCommand() {
		_, _ = bot.Request(tgbotapi.NewChatAction(m.Chat.ID, tgbotapi.ChatTyping))
	}
	payload, err := json.Marshal(update)
	if err != nil {
		t.logger.Error("telegram update encode failed", "update", update.UpdateID, "err", err)
		return
	}
	if _, err := t.proc.Process(ctx, domain.Unit{
		Adapter: t,
		AgentID: t.cfg.AgentID,
		Token:   t.secret,
		Payload: payload,
	}); err != nil {
		t.logger.Warn("telegram update not handled", "update", update.UpdateID, "err", err)
	}
}

// Handler accepts pushed updates. Telegram echoes the configured secret in
// X-Telegram-Bot-Api-Secret-Token.
func (t *Telegram) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if t.proc == nil {
			http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		body, err := readBody(r)
		if err != nil {
			http.Error(rw, "Bad Request", http.StatusBadRequest)
			return
		}
		serveUnit(rw, r, t.proc, domain.Unit{
			Adapter: t,
			AgentID: t.cfg.AgentID,
			Token:   r.Header.Get("X-Telegram-Bot-Api-Secret-Token"),
			Payload: body,
		}, t.logger)
	})
}

// --- Inbound ---

// NormalizeInbound decodes one Telegram update. The chat id identifies the
// conversation; in private chats it equals the user id.
func (t *Telegram) NormalizeInbound(raw []byte) ([]domain.Inbound, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("%w: telegram: %w", domain.ErrMalformedPayload, err)
	}
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return nil, nil
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	senderName := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if senderName == "" {
		senderName = m.From.UserName
	}

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		return []domain.Inbound{{Kind: domain.InboundCommand, Command: &domain.Command{
			Name: cmdUnauthorized, ChatID: chatID, SenderID: strconv.FormatInt(m.From.ID, 10), SenderName: senderName,
		}}}, nil
	}

	if m.IsCommand() {
		if _, ok := telegramCommands[m.Command()]; ok {
			return []domain.Inbound{{Kind: domain.InboundCommand, Command: &domain.Command{
				Name:       m.Command(),
				Args:       m.CommandArguments(),
				ChatID:     chatID,
				SenderID:   strconv.FormatInt(m.From.ID, 10),
				SenderName: senderName,
				ExternalID: fmt.Sprintf("%s:%d", chatID, m.MessageID),
			}}}, nil
		}
	}

	msg := &domain.Message{
		Channel:    domain.ChannelTelegram,
		Origin:     domain.OriginCounterpart,
		SenderID:   chatID,
		SenderName: senderName,
		ExternalID: fmt.Sprintf("%s:%d", chatID, m.MessageID),
		Timestamp:  time.Unix(int64(m.Date), 0).UTC(),
	}
	switch {
	case strings.TrimSpace(m.Text) != "":
		msg.Type = domain.MessageText
		msg.Text = strings.TrimSpace(m.Text)
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		msg.Type = domain.MessageMedia
		msg.Media = &domain.Media{Kind: domain.MediaImage, URL: "tg://file/" + largest.FileID, Caption: m.Caption}
	case m.Document != nil:
		msg.Type = domain.MessageMedia
		msg.Media = &domain.Media{Kind: domain.MediaDocument, URL: "tg://file/" + m.Document.FileID, MimeType: m.Document.MimeType, Caption: m.Caption}
	case m.Voice != nil:
		msg.Type = domain.MessageMedia
		msg.Media = &domain.Media{Kind: domain.MediaAudio, URL: "tg://file/" + m.Voice.FileID, MimeType: m.Voice.MimeType}
	case m.Video != nil:
		msg.Type = domain.MessageMedia
		msg.Media = &domain.Media{Kind: domain.MediaVideo, URL: "tg://file/" + m.Video.FileID, MimeType: m.Video.MimeType, Caption: m.Caption}
	case m.Location != nil:
		msg.Type = domain.MessageLocation
		msg.Location = &domain.Location{Latitude: m.Location.Latitude, Longitude: m.Location.Longitude}
	case m.Contact != nil:
		msg.Type = domain.MessageContact
		msg.Contact = &domain.Contact{
			Name:  strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName),
			Phone: m.Contact.PhoneNumber,
		}
	default:
		t.logger.Debug("telegram message without supported content", "chat_id", chatID, "message_id", m.MessageID)
		return nil, nil
	}
	return []domain.Inbound{{Kind: domain.InboundMessage, Message: msg}}, nil
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	return t.allowFrom[userID]
}

// --- Outbound ---

// HandleCommand answers the built-in slash-commands in the chat they came
// from.
func (t *Telegram) HandleCommand(ctx context.Context, cmd *domain.Command) domain.DeliveryResult {
	text, ok := telegramCommands[cmd.Name]
	if cmd.Name == cmdUnauthorized {
		text, ok = "⛔ Unauthorized. Your user ID is not in the allow list.", true
	}
	if !ok {
		return domain.DeliveryResult{Error: fmt.Sprintf("telegram: unknown command %q", cmd.Name)}
	}
	return t.deliver(ctx, cmd.ChatID, text)
}

// Dispatch sends msg as text to the chat in msg.RecipientID.
func (t *Telegram) Dispatch(ctx context.Context, msg *domain.Message) domain.DeliveryResult {
	return t.deliver(ctx, msg.RecipientID, msg.Content())
}

func (t *Telegram) deliver(ctx context.Context, chat, text string) domain.DeliveryResult {
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return domain.DeliveryResult{Error: fmt.Sprintf("telegram: invalid chat id %q", chat)}
	}
	if strings.TrimSpace(text) == "" {
		return domain.DeliveryResult{Error: "telegram: empty message"}
	}
	bot, err := t.connect()
	if err != nil {
		return domain.DeliveryResult{Error: err.Error()}
	}

	var last tgbotapi.Message
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if last, err = t.sendChunk(ctx, bot, chatID, chunk); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "err", err)
			return domain.DeliveryResult{Error: err.Error()}
		}
	}
	return domain.DeliveryResult{Success: true, ExternalID: fmt.Sprintf("%d:%d", chatID, last.MessageID)}
}

// sendChunk sends one chunk, trying the configured parse mode first and
// plain text after an entity parse error. Rate limits honour retry_after;
// other client errors are not retried.
func (t *Telegram) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, text string) (tgbotapi.Message, error) {
	plain := t.cfg.ParseMode == "" || strings.EqualFold(t.cfg.ParseMode, "none")
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if !plain {
			msg.ParseMode = t.cfg.ParseMode
		}
		sent, err := bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err

		wait := time.Duration(attempt+1) * time.Second
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == http.StatusTooManyRequests:
				wait = time.Duration(attempt+1) * 3 * time.Second
				if apiErr.RetryAfter > 0 {
					wait = time.Duration(apiErr.RetryAfter) * time.Second
				}
				t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
			case !plain && strings.Contains(apiErr.Message, "can't parse entities"):
				t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
				plain = true
				continue
			case apiErr.Code >= 400 && apiErr.Code < 500:
				return tgbotapi.Message{}, err
			}
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		if err := t.sleep(ctx, wait); err != nil {
			return tgbotapi.Message{}, errors.Join(err, lastErr)
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("gave up after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// line breaks, then spaces, and never splitting a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut < maxLen/2 {
			cut = strings.LastIndex(text[:maxLen], " ")
		}
		if cut < maxLen/2 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func (t *Telegram) emitRunning(running bool) {
	t.events.Emit(bus.Event{
		Type:    bus.EventListenerChanged,
		Source:  "telegram",
		Payload: map[string]any{"channel": domain.ChannelTelegram, "running": running},
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

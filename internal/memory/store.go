package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"agentrelay/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ConversationStore and domain.AgentRepository.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and a single
	// connection keeps appends in call order.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Snapshot writes a consistent copy of the database to path, which must
// not exist yet.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot %s: file exists", path)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	return nil
}

// --- Conversations ---

func (s *SQLiteStore) FindOrCreate(ctx context.Context, channel domain.Channel, participantID string) (*domain.Conversation, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("find conversation: unknown channel %q", channel)
	}
	if participantID == "" {
		return nil, fmt.Errorf("find conversation: participant id is required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, channel, participant_id, metadata, status, created_at, updated_at)
		 VALUES (?, ?, ?, '{}', ?, ?, ?)
		 ON CONFLICT(channel, participant_id) DO NOTHING`,
		uuid.NewString(), string(channel), participantID, string(domain.ConversationActive), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	conv, err := s.conversationBy(ctx, channel, participantID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("created new conversation", "conversation", conv.ID, "channel", channel, "participant", participantID)
	}
	return conv, nil
}

func (s *SQLiteStore) conversationBy(ctx context.Context, channel domain.Channel, participantID string) (*domain.Conversation, error) {
	var (
		conv     domain.Conversation
		ch, st   string
		metadata string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel, participant_id, metadata, status, created_at, updated_at
		 FROM conversations WHERE channel = ? AND participant_id = ?`,
		string(channel), participantID,
	).Scan(&conv.ID, &ch, &conv.ParticipantID, &metadata, &st, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s/%s: %w", channel, participantID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.Channel = domain.Channel(ch)
	conv.Status = domain.ConversationStatus(st)
	conv.Metadata = map[string]string{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}
	return &conv, nil
}

// MergeMetadata adds or overwrites metadata keys of a conversation.
func (s *SQLiteStore) MergeMetadata(ctx context.Context, conversationID string, meta map[string]string) error {
	if len(meta) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM conversations WHERE id = ?`, conversationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	current := map[string]string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &current)
	}
	changed := false
	for k, v := range meta {
		if current[k] != v {
			current[k] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), conversationID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Messages ---

// messagePayload is the JSON column holding the variant-specific part of a
// message.
type messagePayload struct {
	Media    *domain.Media         `json:"media,omitempty"`
	Location *domain.Location      `json:"location,omitempty"`
	Contact  *domain.Contact       `json:"contact,omitempty"`
	Order    *domain.OrderUpdate   `json:"order,omitempty"`
	Question *domain.BuyerQuestion `json:"question,omitempty"`
	Notice   *domain.SystemNotice  `json:"notice,omitempty"`
}

// Append stores msg at the end of the conversation. Missing ID, timestamp
// and status are filled in on msg.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = domain.StatusPending
	}
	msg.ConversationID = conversationID
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	payload := ""
	p := messagePayload{Media: msg.Media, Location: msg.Location, Contact: msg.Contact, Order: msg.Order, Question: msg.Question, Notice: msg.Notice}
	if p != (messagePayload{}) {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, channel, type, origin, sender_id, sender_name, recipient_id,
		                       agent_id, status, text, payload, external_id, delivery_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Channel), string(msg.Type), string(msg.Origin), msg.SenderID, msg.SenderName,
		msg.RecipientID, msg.AgentID, string(msg.Status), msg.Text, payload, msg.ExternalID, msg.Error, msg.Timestamp,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// RecentMessages returns the last limit messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, channel, type, origin, sender_id, sender_name, recipient_id, agent_id,
		        status, text, payload, external_id, delivery_error, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY seq DESC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// GetMessage loads one message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, channel, type, origin, sender_id, sender_name, recipient_id, agent_id,
		        status, text, payload, external_id, delivery_error, created_at
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (domain.Message, error) {
	var (
		m                         domain.Message
		ch, typ, origin, status   string
		payload, externalID, dErr sql.NullString
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &ch, &typ, &origin, &m.SenderID, &m.SenderName, &m.RecipientID,
		&m.AgentID, &status, &m.Text, &payload, &externalID, &dErr, &m.Timestamp); err != nil {
		return m, err
	}
	m.Channel = domain.Channel(ch)
	m.Type = domain.MessageType(typ)
	m.Origin = domain.Origin(origin)
	m.Status = domain.DeliveryStatus(status)
	m.ExternalID = externalID.String
	m.Error = dErr.String
	if payload.String != "" {
		var p messagePayload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return m, fmt.Errorf("decode payload of %s: %w", m.ID, err)
		}
		m.Media, m.Location, m.Contact = p.Media, p.Location, p.Contact
		m.Order, m.Question, m.Notice = p.Order, p.Question, p.Notice
	}
	return m, nil
}

// UpdateDeliveryStatus moves a message forward along its delivery lifecycle.
// It returns domain.ErrStatusRegression for a backwards or post-terminal move.
func (s *SQLiteStore) UpdateDeliveryStatus(ctx context.Context, messageID string, status domain.DeliveryStatus, externalID, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, messageID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := advance(ctx, tx, messageID, domain.DeliveryStatus(current), status, externalID, errMsg); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateDeliveryStatusByExternalID applies a platform delivery receipt.
func (s *SQLiteStore) UpdateDeliveryStatusByExternalID(ctx context.Context, channel domain.Channel, externalID string, status domain.DeliveryStatus, errMsg string) error {
	if externalID == "" {
		return fmt.Errorf("update delivery status: external id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id, current string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM messages WHERE channel = ? AND external_id = ? ORDER BY seq DESC LIMIT 1`,
		string(channel), externalID,
	).Scan(&id, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s/%s: %w", channel, externalID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := advance(ctx, tx, id, domain.DeliveryStatus(current), status, "", errMsg); err != nil {
		return err
	}
	return tx.Commit()
}

func advance(ctx context.Context, tx *sql.Tx, id string, from, to domain.DeliveryStatus, externalID, errMsg string) error {
	if !domain.CanAdvance(from, to) {
		return fmt.Errorf("message %s %s -> %s: %w", id, from, to, domain.ErrStatusRegression)
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE messages
		 SET status = ?,
		     external_id = CASE WHEN ? != '' THEN ? ELSE external_id END,
		     delivery_error = ?,
		     status_updated_at = ?
		 WHERE id = ?`,
		string(to), externalID, externalID, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	return nil
}

// Stats are row counts shown by the status command.
type Stats struct {
	Agents        int
	Conversations int
	Messages      int
	Failed        int
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE status = 'failed')`,
	).Scan(&st.Agents, &st.Conversations, &st.Messages, &st.Failed)
	return st, err
}

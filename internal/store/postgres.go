package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/replyflow/internal/conversation"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the conversation schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const conversationColumns = `id, workspace_id, client_id, status, is_ai_active, channel_conversation_id, last_message_at, created_at`

const messageColumns = `id, conversation_id, sender_type, content, timestamp, delivery_status, coalesce(provider_message_id,''), error_detail`

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	return scanConversation(row)
}

func (s *PostgresStore) LatestAIMessage(ctx context.Context, conversationID string) (*conversation.Message, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages WHERE conversation_id=$1 AND sender_type=$2
        ORDER BY timestamp DESC, id DESC LIMIT 1
    `, conversationID, string(conversation.SenderAI))
	return scanMessage(row)
}

func (s *PostgresStore) ClientMessagesAfter(ctx context.Context, conversationID string, after time.Time) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages WHERE conversation_id=$1 AND sender_type=$2 AND timestamp > $3
        ORDER BY timestamp ASC, id ASC
    `, conversationID, string(conversation.SenderClient), normalize(after))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, until time.Time, limit int) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT * FROM (
            SELECT `+messageColumns+`
            FROM messages WHERE conversation_id=$1 AND timestamp <= $2
            ORDER BY timestamp DESC, id DESC LIMIT $3
        ) recent ORDER BY timestamp ASC, id ASC
    `, conversationID, normalize(until), nullIfZero(limit))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (*conversation.Client, error) {
	var c conversation.Client
	err := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, display_name, phone FROM clients WHERE id=$1`, id).
		Scan(&c.ID, &c.WorkspaceID, &c.DisplayName, &c.Phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetWorkspaceSettings(ctx context.Context, workspaceID string) (*conversation.WorkspaceSettings, error) {
	var w conversation.WorkspaceSettings
	err := s.db.QueryRowContext(ctx, `
        SELECT id, name, system_prompt, ai_model, default_ai_active, access_token, sender_id
        FROM workspaces WHERE id=$1
    `, workspaceID).Scan(&w.WorkspaceID, &w.Name, &w.SystemPrompt, &w.AIModel, &w.DefaultAIActive, &w.AccessToken, &w.SenderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) ListFollowUpRules(ctx context.Context, workspaceID string) ([]*conversation.FollowUpRule, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, workspace_id, delay_seconds, message_content, position
        FROM follow_up_rules WHERE workspace_id=$1
        ORDER BY delay_seconds ASC, position ASC
    `, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*conversation.FollowUpRule, 0)
	for rows.Next() {
		var r conversation.FollowUpRule
		var delaySeconds int64
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &delaySeconds, &r.MessageContent, &r.Position); err != nil {
			return nil, err
		}
		r.Delay = time.Duration(delaySeconds) * time.Second
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *conversation.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = normalize(m.Timestamp)
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = conversation.DeliveryPending
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, sender_type, content, timestamp, delivery_status, provider_message_id, error_detail)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `, m.ID, m.ConversationID, string(m.SenderType), m.Content, m.Timestamp, string(m.DeliveryStatus), nullIfEmpty(m.ProviderMessageID), m.ErrorDetail)
	return err
}

func (s *PostgresStore) UpdateMessageDelivery(ctx context.Context, id string, status conversation.DeliveryStatus, providerMessageID, errorDetail string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE messages
        SET delivery_status=$2, provider_message_id=coalesce($3, provider_message_id), error_detail=$4
        WHERE id=$1
    `, id, string(status), nullIfEmpty(providerMessageID), errorDetail)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE conversations
        SET last_message_at = GREATEST(coalesce(last_message_at, $2), $2)
        WHERE id=$1
    `, id, normalize(at))
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ClaimDispatch relies on READ COMMITTED re-evaluating the WHERE clause once
// the row lock is granted, so concurrent claimers see each other's claim.
func (s *PostgresStore) ClaimDispatch(ctx context.Context, conversationID, messageID string, messageAt time.Time, lease time.Duration) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
        UPDATE conversations
        SET dispatched_message_id=$2, dispatched_message_at=$3, dispatched_at=now()
        WHERE id=$1 AND (
            dispatched_message_at IS NULL
            OR dispatched_message_at < $3
            OR (dispatched_message_id = $2 AND (
                dispatched_at IS NULL
                OR dispatched_at < now() - make_interval(secs => $4)
            ))
        )
        RETURNING id
    `, conversationID, messageID, normalize(messageAt), lease.Seconds()).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ReleaseDispatch(ctx context.Context, conversationID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE conversations SET dispatched_at=NULL
        WHERE id=$1 AND dispatched_message_id=$2
    `, conversationID, messageID)
	return err
}

func (s *PostgresStore) UpsertClient(ctx context.Context, c *conversation.Client) (*conversation.Client, error) {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	var out conversation.Client
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO clients (id, workspace_id, display_name, phone)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (workspace_id, phone) DO UPDATE
        SET display_name = CASE WHEN EXCLUDED.display_name = '' THEN clients.display_name ELSE EXCLUDED.display_name END
        RETURNING id, workspace_id, display_name, phone
    `, id, c.WorkspaceID, c.DisplayName, c.Phone).Scan(&out.ID, &out.WorkspaceID, &out.DisplayName, &out.Phone)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) OpenConversation(ctx context.Context, workspaceID, clientID, channelConversationID string, aiActive bool) (*conversation.Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        INSERT INTO conversations (id, workspace_id, client_id, status, is_ai_active, channel_conversation_id)
        VALUES ($1,$2,$3,'ACTIVE',$4,$5)
        ON CONFLICT (workspace_id, client_id) WHERE status = 'ACTIVE' DO NOTHING
        RETURNING `+conversationColumns,
		uuid.NewString(), workspaceID, clientID, aiActive, channelConversationID)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	row = s.db.QueryRowContext(ctx, `
        SELECT `+conversationColumns+` FROM conversations
        WHERE workspace_id=$1 AND client_id=$2 AND status='ACTIVE'
    `, workspaceID, clientID)
	conv, err = scanConversation(row)
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

func (s *PostgresStore) FindMessageByProviderID(ctx context.Context, providerMessageID string) (*conversation.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id=$1`, providerMessageID)
	return scanMessage(row)
}

func (s *PostgresStore) AdvanceDeliveryStatus(ctx context.Context, providerMessageID string, status conversation.DeliveryStatus, errorDetail string) (*conversation.Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        UPDATE messages SET delivery_status=$2, error_detail=$3
        WHERE provider_message_id=$1 AND delivery_status = ANY($4)
        RETURNING `+messageColumns,
		providerMessageID, string(status), errorDetail, pq.Array(predecessors(status)))
	m, err := scanMessage(row)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	m, err = s.FindMessageByProviderID(ctx, providerMessageID)
	if err != nil {
		return nil, false, err
	}
	return m, false, nil
}

func (s *PostgresStore) SetAIActive(ctx context.Context, conversationID string, active bool) (*conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
        UPDATE conversations SET is_ai_active=$2 WHERE id=$1
        RETURNING `+conversationColumns, conversationID, active)
	return scanConversation(row)
}

var allDeliveryStatuses = []conversation.DeliveryStatus{
	conversation.DeliveryPending,
	conversation.DeliverySent,
	conversation.DeliveryDelivered,
	conversation.DeliveryRead,
	conversation.DeliveryFailed,
	conversation.DeliveryReceived,
}

// predecessors lists the statuses next may be applied on top of.
func predecessors(next conversation.DeliveryStatus) []string {
	out := make([]string, 0, len(allDeliveryStatuses))
	for _, s := range allDeliveryStatuses {
		if s.Advances(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*conversation.Conversation, error) {
	var c conversation.Conversation
	var status string
	var last sql.NullTime
	if err := scanner.Scan(&c.ID, &c.WorkspaceID, &c.ClientID, &status, &c.IsAIActive, &c.ChannelConversationID, &last, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = conversation.Status(status)
	if last.Valid {
		c.LastMessageAt = last.Time.UTC()
	}
	return &c, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*conversation.Message, error) {
	var m conversation.Message
	var sender, status string
	if err := scanner.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.Timestamp, &status, &m.ProviderMessageID, &m.ErrorDetail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.SenderType = conversation.SenderType(sender)
	m.DeliveryStatus = conversation.DeliveryStatus(status)
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*conversation.Message, error) {
	defer rows.Close()
	out := make([]*conversation.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullIfZero turns a non-positive limit into LIMIT NULL, which Postgres treats as no limit.
func nullIfZero(v int) interface{} {
	if v <= 0 {
		return nil
	}
	return v
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"hallchat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the durable store behind the relay. The relay itself
// never blocks on it for delivery; it is the path offline receivers catch up
// through.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListHallMessages(ctx context.Context, limit int) ([]models.Message, error)
	ListConversationMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message, assigning id and timestamp when unset.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, scope, sender_id, receiver_id, conversation_key, text, image_base64, voice_base64, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.Scope, msg.SenderID, msg.ReceiverID, msg.ConversationKey,
		msg.Text, msg.ImageBase64, msg.VoiceBase64, msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	msg.DeliveryState = models.DeliveryConfirmed
	return msg, nil
}

// ListHallMessages returns hall messages in creation order.
func (r *MessageRepo) ListHallMessages(ctx context.Context, limit int) ([]models.Message, error) {
	return r.listByKey(ctx, models.HallKey, limit)
}

// ListConversationMessages returns one private conversation in creation order.
func (r *MessageRepo) ListConversationMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	return r.listByKey(ctx, conversationKey, limit)
}

func (r *MessageRepo) listByKey(ctx context.Context, key string, limit int) ([]models.Message, error) {
	query := `SELECT id, scope, sender_id, receiver_id, conversation_key, text, image_base64, voice_base64, created_at
        FROM messages
        WHERE conversation_key=$1
        ORDER BY created_at DESC
        LIMIT $2`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, key, limit); err != nil {
		return nil, err
	}
	// Newest-first page, oldest-first result.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg,
		`SELECT id, scope, sender_id, receiver_id, conversation_key, text, image_base64, voice_base64, created_at
         FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

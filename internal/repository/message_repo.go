package repository

import (
	"context"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/jackc/pgx/v5"
)

const messageColumns = `id, conversation_id, sender_id, sender_role, text, created_at, read_at, attachment_url, attachment_name`

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, input CreateMessageInput) (*models.Message, error) {
	var attachmentURL, attachmentName *string
	if input.Attachment != nil {
		attachmentURL = &input.Attachment.URL
		attachmentName = &input.Attachment.Filename
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, sender_role, text, attachment_url, attachment_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + messageColumns

	message, err := scanMessage(r.db.QueryRow(
		ctx,
		query,
		input.ID,
		input.ConversationID,
		input.SenderID,
		string(input.SenderRole),
		input.Text,
		attachmentURL,
		attachmentName,
	))
	if err != nil {
		return nil, err
	}

	return message, nil
}

func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}

	return collectMessages(rows)
}

func (r *MessageRepository) ListPage(
	ctx context.Context,
	conversationID string,
	limit int,
	offset int,
) ([]models.Message, int, error) {
	totalQuery := `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
	`

	var total int
	if err := r.db.QueryRow(ctx, totalQuery, conversationID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// MarkConversationRead stamps read_at on unread messages sent by any of senderRoles.
// Rows already read are never touched, so a repeated call reports zero.
func (r *MessageRepository) MarkConversationRead(
	ctx context.Context,
	conversationID string,
	senderRoles []models.Role,
) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET read_at = NOW()
		WHERE conversation_id = $1
		  AND sender_role = ANY($2)
		  AND read_at IS NULL
	`, conversationID, models.RoleStrings(senderRoles))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var message models.Message
	var senderRole string
	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&senderRole,
		&message.Text,
		&message.CreatedAt,
		&message.ReadAt,
		&message.AttachmentURL,
		&message.AttachmentName,
	); err != nil {
		return nil, err
	}
	message.SenderRole = models.Role(senderRole)
	return &message, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

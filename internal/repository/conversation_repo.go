package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/jackc/pgx/v5"
)

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) FindByPair(
	ctx context.Context,
	clientID string,
	counterpartID string,
) (*models.Conversation, error) {
	query := `
		SELECT id, client_id, counterpart_id, created_at
		FROM conversations
		WHERE client_id = $1 AND counterpart_id = $2
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, clientID, counterpartID).Scan(
		&conversation.ID,
		&conversation.ClientID,
		&conversation.CounterpartID,
		&conversation.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) Insert(
	ctx context.Context,
	id string,
	clientID string,
	counterpartID string,
) (*models.Conversation, bool, error) {
	query := `
		INSERT INTO conversations (id, client_id, counterpart_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, counterpart_id) DO NOTHING
		RETURNING id, client_id, counterpart_id, created_at
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, id, clientID, counterpartID).Scan(
		&conversation.ID,
		&conversation.ClientID,
		&conversation.CounterpartID,
		&conversation.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return &conversation, true, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID string) (*models.Conversation, error) {
	query := `
		SELECT id, client_id, counterpart_id, created_at
		FROM conversations
		WHERE id = $1
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&conversation.ID,
		&conversation.ClientID,
		&conversation.CounterpartID,
		&conversation.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

// ListForParticipant builds the directory view. The unread count is recomputed on
// every call from messages whose sender_role belongs to the other side.
func (r *ConversationRepository) ListForParticipant(
	ctx context.Context,
	participantID string,
	role models.Role,
) ([]models.ConversationSummary, error) {
	ownColumn := "c.counterpart_id"
	otherColumn := "c.client_id"
	if role == models.RoleClient {
		ownColumn = "c.client_id"
		otherColumn = "c.counterpart_id"
	}

	query := `
		SELECT
			c.id,
			c.client_id,
			c.counterpart_id,
			c.created_at,
			p.id,
			p.role,
			p.display_name,
			p.title,
			p.avatar_url,
			p.last_seen_at,
			lm.id,
			lm.sender_id,
			lm.sender_role,
			lm.text,
			lm.created_at,
			lm.read_at,
			lm.attachment_url,
			lm.attachment_name,
			COALESCE(uc.unread_count, 0)
		FROM conversations c
		LEFT JOIN participants p ON p.id = ` + otherColumn + `
		LEFT JOIN LATERAL (
			SELECT id, sender_id, sender_role, text, created_at, read_at, attachment_url, attachment_name
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, seq DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_role = ANY($2)
			  AND read_at IS NULL
		) uc ON TRUE
		WHERE ` + ownColumn + ` = $1
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID, models.RoleStrings(role.Opposite()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		var participantID sql.NullString
		var participantRole sql.NullString
		var participantName sql.NullString
		var participantTitle *string
		var participantAvatar *string
		var participantSeen *time.Time
		var messageID sql.NullString
		var messageSenderID sql.NullString
		var messageSenderRole sql.NullString
		var messageText sql.NullString
		var messageCreatedAt sql.NullTime
		var messageReadAt *time.Time
		var messageAttachmentURL *string
		var messageAttachmentName *string

		if err := rows.Scan(
			&summary.ID,
			&summary.ClientID,
			&summary.CounterpartID,
			&summary.CreatedAt,
			&participantID,
			&participantRole,
			&participantName,
			&participantTitle,
			&participantAvatar,
			&participantSeen,
			&messageID,
			&messageSenderID,
			&messageSenderRole,
			&messageText,
			&messageCreatedAt,
			&messageReadAt,
			&messageAttachmentURL,
			&messageAttachmentName,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}

		if participantID.Valid {
			summary.Counterpart = &models.Participant{
				ID:          participantID.String,
				Role:        models.Role(participantRole.String),
				DisplayName: participantName.String,
				Title:       participantTitle,
				AvatarURL:   participantAvatar,
				LastSeenAt:  participantSeen,
			}
		}

		if messageID.Valid {
			summary.LatestMessage = &models.Message{
				ID:             messageID.String,
				ConversationID: summary.ID,
				SenderID:       messageSenderID.String,
				SenderRole:     models.Role(messageSenderRole.String),
				Text:           messageText.String,
				CreatedAt:      messageCreatedAt.Time,
				ReadAt:         messageReadAt,
				AttachmentURL:  messageAttachmentURL,
				AttachmentName: messageAttachmentName,
			}
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

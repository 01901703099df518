package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type CreateMessageInput struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderRole     models.Role
	Text           string
	Attachment     *models.Attachment
}

type ConversationStore interface {
	FindByPair(ctx context.Context, clientID, counterpartID string) (*models.Conversation, error)
	// Insert returns created=false and a nil conversation when the pair already exists.
	Insert(ctx context.Context, id, clientID, counterpartID string) (*models.Conversation, bool, error)
	GetByID(ctx context.Context, conversationID string) (*models.Conversation, error)
	ListForParticipant(ctx context.Context, participantID string, role models.Role) ([]models.ConversationSummary, error)
}

type MessageStore interface {
	Create(ctx context.Context, input CreateMessageInput) (*models.Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error)
	ListPage(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, int, error)
	MarkConversationRead(ctx context.Context, conversationID string, senderRoles []models.Role) (int64, error)
}

type ParticipantStore interface {
	GetByID(ctx context.Context, participantID string) (*models.Participant, error)
	Upsert(ctx context.Context, participant models.Participant) error
	TouchLastSeen(ctx context.Context, participantID string) error
	ListByRole(ctx context.Context, role models.Role) ([]models.Participant, error)
	ListClientsWithoutConversation(ctx context.Context, counterpartID string) ([]models.Participant, error)
}

type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
}

type Transactor interface {
	InTx(ctx context.Context, fn func(Stores) error) error
}

type PgTransactor struct {
	pool *pgxpool.Pool
}

func NewPgTransactor(pool *pgxpool.Pool) *PgTransactor {
	return &PgTransactor{pool: pool}
}

func (t *PgTransactor) InTx(ctx context.Context, fn func(Stores) error) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(Stores{
		Conversations: NewConversationRepository(tx),
		Messages:      NewMessageRepository(tx),
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ErrUnavailable marks a store that cannot currently serve requests.
var ErrUnavailable = errors.New("store unavailable")

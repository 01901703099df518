package repository

import (
	"context"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/jackc/pgx/v5"
)

const participantColumns = `id, role, display_name, title, avatar_url, last_seen_at`

// ParticipantRepository reads the profile projection synced from the profile service.
type ParticipantRepository struct {
	db DBTX
}

func NewParticipantRepository(db DBTX) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

func (r *ParticipantRepository) GetByID(ctx context.Context, participantID string) (*models.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE id = $1
	`
	return scanParticipant(r.db.QueryRow(ctx, query, participantID))
}

func (r *ParticipantRepository) Upsert(ctx context.Context, participant models.Participant) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO participants (id, role, display_name, title, avatar_url, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET role = EXCLUDED.role,
			display_name = EXCLUDED.display_name,
			title = EXCLUDED.title,
			avatar_url = EXCLUDED.avatar_url,
			last_seen_at = COALESCE(EXCLUDED.last_seen_at, participants.last_seen_at)
	`,
		participant.ID,
		string(participant.Role),
		participant.DisplayName,
		participant.Title,
		participant.AvatarURL,
		participant.LastSeenAt,
	)
	return err
}

func (r *ParticipantRepository) TouchLastSeen(ctx context.Context, participantID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE participants
		SET last_seen_at = NOW()
		WHERE id = $1
	`, participantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ParticipantRepository) ListByRole(ctx context.Context, role models.Role) ([]models.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE role = $1
		ORDER BY display_name ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, string(role))
	if err != nil {
		return nil, err
	}
	return collectParticipants(rows)
}

func (r *ParticipantRepository) ListClientsWithoutConversation(
	ctx context.Context,
	counterpartID string,
) ([]models.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants p
		WHERE p.role = 'client'
		  AND NOT EXISTS (
			SELECT 1 FROM conversations c
			WHERE c.client_id = p.id AND c.counterpart_id = $1
		  )
		ORDER BY p.display_name ASC, p.id ASC
	`
	rows, err := r.db.Query(ctx, query, counterpartID)
	if err != nil {
		return nil, err
	}
	return collectParticipants(rows)
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var participant models.Participant
	var role string
	if err := row.Scan(
		&participant.ID,
		&role,
		&participant.DisplayName,
		&participant.Title,
		&participant.AvatarURL,
		&participant.LastSeenAt,
	); err != nil {
		return nil, err
	}
	participant.Role = models.Role(role)
	return &participant, nil
}

func collectParticipants(rows pgx.Rows) ([]models.Participant, error) {
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *participant)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return participants, nil
}

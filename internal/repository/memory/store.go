// Package memory keeps conversations, messages and participants in process memory.
// It satisfies the same contracts as the PostgreSQL repositories and is used for tests
// and for running the server without a database.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/repository"
	"github.com/jackc/pgx/v5"
)

type storedMessage struct {
	message models.Message
	seq     int64
}

type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	conversations map[string]models.Conversation
	pairs         map[string]string
	messages      map[string][]*storedMessage
	participants  map[string]models.Participant
	seq           int64
	failing       bool
}

func NewStore() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]models.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]*storedMessage),
		participants:  make(map[string]models.Participant),
	}
}

// WithClock replaces the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// SetUnavailable makes every call fail with repository.ErrUnavailable until reset.
func (s *Store) SetUnavailable(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *Store) Conversations() repository.ConversationStore { return conversationView{s} }

func (s *Store) Messages() repository.MessageStore { return messageView{s} }

func (s *Store) Participants() repository.ParticipantStore { return participantView{s} }

// InTx runs fn against the same store. Operations are individually atomic; the
// transaction boundary only matters for the SQL implementation.
func (s *Store) InTx(_ context.Context, fn func(repository.Stores) error) error {
	return fn(repository.Stores{
		Conversations: s.Conversations(),
		Messages:      s.Messages(),
	})
}

func (s *Store) check() error {
	if s.failing {
		return repository.ErrUnavailable
	}
	return nil
}

func pairKey(clientID, counterpartID string) string {
	return clientID + "\x00" + counterpartID
}

type conversationView struct{ s *Store }

func (v conversationView) FindByPair(_ context.Context, clientID, counterpartID string) (*models.Conversation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	id, ok := v.s.pairs[pairKey(clientID, counterpartID)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	conversation := v.s.conversations[id]
	return &conversation, nil
}

func (v conversationView) Insert(_ context.Context, id, clientID, counterpartID string) (*models.Conversation, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, false, err
	}

	key := pairKey(clientID, counterpartID)
	if _, exists := v.s.pairs[key]; exists {
		return nil, false, nil
	}

	conversation := models.Conversation{
		ID:            id,
		ClientID:      clientID,
		CounterpartID: counterpartID,
		CreatedAt:     v.s.now(),
	}
	v.s.conversations[id] = conversation
	v.s.pairs[key] = id
	return &conversation, true, nil
}

func (v conversationView) GetByID(_ context.Context, conversationID string) (*models.Conversation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	conversation, ok := v.s.conversations[conversationID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &conversation, nil
}

func (v conversationView) ListForParticipant(_ context.Context, participantID string, role models.Role) ([]models.ConversationSummary, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0)
	for _, conversation := range v.s.conversations {
		own := conversation.CounterpartID
		if role == models.RoleClient {
			own = conversation.ClientID
		}
		if own != participantID {
			continue
		}
		other := conversation.OtherParticipant(participantID)

		summary := models.ConversationSummary{Conversation: conversation}
		if participant, ok := v.s.participants[other]; ok {
			p := participant
			summary.Counterpart = &p
		}

		stored := v.s.messages[conversation.ID]
		if len(stored) > 0 {
			latest := copyMessage(stored[len(stored)-1].message)
			summary.LatestMessage = &latest
		}
		for _, entry := range stored {
			if entry.message.ReadAt == nil && entry.message.SenderRole.IsOppositeOf(role) {
				summary.UnreadCount++
			}
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ti, tj := summaries[i].SortTime(), summaries[j].SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return summaries[i].ID > summaries[j].ID
	})

	return summaries, nil
}

type messageView struct{ s *Store }

func (v messageView) Create(_ context.Context, input repository.CreateMessageInput) (*models.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	if _, ok := v.s.conversations[input.ConversationID]; !ok {
		return nil, pgx.ErrNoRows
	}
	if input.Text == "" && input.Attachment == nil {
		return nil, errors.New("message requires text or attachment")
	}

	message := models.Message{
		ID:             input.ID,
		ConversationID: input.ConversationID,
		SenderID:       input.SenderID,
		SenderRole:     input.SenderRole,
		Text:           input.Text,
		CreatedAt:      v.s.now(),
	}
	if input.Attachment != nil {
		url := input.Attachment.URL
		name := input.Attachment.Filename
		message.AttachmentURL = &url
		message.AttachmentName = &name
	}

	stored := v.s.messages[input.ConversationID]
	// created_at must never go backwards within a conversation
	if n := len(stored); n > 0 && message.CreatedAt.Before(stored[n-1].message.CreatedAt) {
		message.CreatedAt = stored[n-1].message.CreatedAt
	}

	v.s.seq++
	v.s.messages[input.ConversationID] = append(stored, &storedMessage{message: message, seq: v.s.seq})
	return &message, nil
}

func (v messageView) ListByConversation(_ context.Context, conversationID string) ([]models.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	stored := v.s.messages[conversationID]
	messages := make([]models.Message, 0, len(stored))
	for _, entry := range stored {
		messages = append(messages, copyMessage(entry.message))
	}
	return messages, nil
}

func (v messageView) ListPage(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, int, error) {
	all, err := v.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}

	total := len(all)
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("invalid page window: limit %d offset %d", limit, offset)
	}
	if offset >= total {
		return []models.Message{}, total, nil
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (v messageView) MarkConversationRead(_ context.Context, conversationID string, senderRoles []models.Role) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return 0, err
	}

	now := v.s.now()
	var updated int64
	for _, entry := range v.s.messages[conversationID] {
		if entry.message.ReadAt != nil || !containsRole(senderRoles, entry.message.SenderRole) {
			continue
		}
		readAt := now
		entry.message.ReadAt = &readAt
		updated++
	}
	return updated, nil
}

type participantView struct{ s *Store }

func (v participantView) GetByID(_ context.Context, participantID string) (*models.Participant, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	participant, ok := v.s.participants[participantID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &participant, nil
}

func (v participantView) Upsert(_ context.Context, participant models.Participant) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return err
	}

	if existing, ok := v.s.participants[participant.ID]; ok && participant.LastSeenAt == nil {
		participant.LastSeenAt = existing.LastSeenAt
	}
	v.s.participants[participant.ID] = participant
	return nil
}

func (v participantView) TouchLastSeen(_ context.Context, participantID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return err
	}

	participant, ok := v.s.participants[participantID]
	if !ok {
		return pgx.ErrNoRows
	}
	now := v.s.now()
	participant.LastSeenAt = &now
	v.s.participants[participantID] = participant
	return nil
}

func (v participantView) ListByRole(_ context.Context, role models.Role) ([]models.Participant, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	participants := make([]models.Participant, 0)
	for _, participant := range v.s.participants {
		if participant.Role == role {
			participants = append(participants, participant)
		}
	}
	sortParticipants(participants)
	return participants, nil
}

func (v participantView) ListClientsWithoutConversation(_ context.Context, counterpartID string) ([]models.Participant, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.check(); err != nil {
		return nil, err
	}

	participants := make([]models.Participant, 0)
	for _, participant := range v.s.participants {
		if participant.Role != models.RoleClient {
			continue
		}
		if _, exists := v.s.pairs[pairKey(participant.ID, counterpartID)]; exists {
			continue
		}
		participants = append(participants, participant)
	}
	sortParticipants(participants)
	return participants, nil
}

func sortParticipants(participants []models.Participant) {
	sort.Slice(participants, func(i, j int) bool {
		ni, nj := strings.ToLower(participants[i].DisplayName), strings.ToLower(participants[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return participants[i].ID < participants[j].ID
	})
}

func containsRole(roles []models.Role, role models.Role) bool {
	for _, candidate := range roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func copyMessage(message models.Message) models.Message {
	if message.ReadAt != nil {
		readAt := *message.ReadAt
		message.ReadAt = &readAt
	}
	return message
}

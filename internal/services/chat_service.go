package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fitversal/coachchat/internal/metrics"
	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/realtime"
	"github.com/fitversal/coachchat/internal/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxMessageLength  = 4000
	appendLockStripes = 64
	adminWelcomeText  = "Hello! How can I help you today?"
)

// Actor is the caller identity supplied by the identity provider.
type Actor struct {
	ID   string
	Role models.Role
}

func (a Actor) valid() bool {
	return strings.TrimSpace(a.ID) != "" && a.Role.Valid()
}

type AppendInput struct {
	ConversationID string
	SenderID       string
	SenderRole     models.Role
	Text           string
	Attachment     *models.Attachment
}

type SendMessageInput struct {
	ConversationID string
	Text           string
	Upload         *models.AttachmentUpload
}

type BootstrapResult struct {
	Conversation *models.Conversation `json:"conversation"`
	Created      bool                 `json:"created"`
}

type ChatService struct {
	tx            repository.Transactor
	conversations repository.ConversationStore
	messages      repository.MessageStore
	participants  repository.ParticipantStore
	attachments   *AttachmentService
	publisher     realtime.Publisher
	log           zerolog.Logger
	newID         func() string
	now           func() time.Time

	// appends to one conversation are serialized so publish order matches store order
	appendLocks [appendLockStripes]sync.Mutex
}

func NewChatService(
	tx repository.Transactor,
	conversations repository.ConversationStore,
	messages repository.MessageStore,
	participants repository.ParticipantStore,
	attachments *AttachmentService,
	publisher realtime.Publisher,
	log zerolog.Logger,
) *ChatService {
	return &ChatService{
		tx:            tx,
		conversations: conversations,
		messages:      messages,
		participants:  participants,
		attachments:   attachments,
		publisher:     publisher,
		log:           log,
		newID:         uuid.NewString,
		now:           time.Now,
	}
}

// Append persists a message and publishes exactly one realtime event for it.
func (s *ChatService) Append(ctx context.Context, input AppendInput) (*models.Message, error) {
	text := strings.TrimSpace(input.Text)
	if err := validateAppend(input, text); err != nil {
		return nil, err
	}

	lock := s.appendLock(input.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	message, err := s.messages.Create(ctx, repository.CreateMessageInput{
		ID:             s.newID(),
		ConversationID: input.ConversationID,
		SenderID:       input.SenderID,
		SenderRole:     input.SenderRole,
		Text:           text,
		Attachment:     input.Attachment,
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	metrics.MessagesAppended.WithLabelValues(string(message.SenderRole)).Inc()
	s.publish(ctx, *message)
	return message, nil
}

// ListByConversation returns the full history in ascending created_at order.
func (s *ChatService) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	messages, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return messages, nil
}

// MarkRead stamps every unread message sent by the other side of readerRole.
func (s *ChatService) MarkRead(ctx context.Context, conversationID string, readerRole models.Role) (int64, error) {
	if strings.TrimSpace(conversationID) == "" || !readerRole.Valid() {
		return 0, ErrValidation
	}

	updated, err := s.messages.MarkConversationRead(ctx, conversationID, readerRole.Opposite())
	if err != nil {
		return 0, translateStoreError(err)
	}
	metrics.ReadReceipts.Add(float64(updated))
	return updated, nil
}

// Bootstrap finds the conversation for the pair or creates it with a welcome message
// from the counterpart. Concurrent calls for one pair create at most one conversation.
func (s *ChatService) Bootstrap(
	ctx context.Context,
	clientID string,
	counterpartID string,
	counterpartRole models.Role,
) (*BootstrapResult, error) {
	clientID = strings.TrimSpace(clientID)
	counterpartID = strings.TrimSpace(counterpartID)
	if clientID == "" || counterpartID == "" || clientID == counterpartID || !counterpartRole.IsCounterpart() {
		return nil, ErrValidation
	}

	existing, err := s.conversations.FindByPair(ctx, clientID, counterpartID)
	if err == nil {
		return &BootstrapResult{Conversation: existing}, nil
	}
	if err = translateStoreError(err); !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	welcomeText := s.welcomeText(ctx, counterpartID, counterpartRole)

	var result BootstrapResult
	var welcome *models.Message
	err = s.tx.InTx(ctx, func(stores repository.Stores) error {
		conversation, created, err := stores.Conversations.Insert(ctx, s.newID(), clientID, counterpartID)
		if err != nil {
			return err
		}
		if !created {
			conversation, err = stores.Conversations.FindByPair(ctx, clientID, counterpartID)
			if err != nil {
				return err
			}
			result = BootstrapResult{Conversation: conversation}
			return nil
		}

		welcome, err = stores.Messages.Create(ctx, repository.CreateMessageInput{
			ID:             s.newID(),
			ConversationID: conversation.ID,
			SenderID:       counterpartID,
			SenderRole:     counterpartRole,
			Text:           welcomeText,
		})
		if err != nil {
			return err
		}
		result = BootstrapResult{Conversation: conversation, Created: true}
		return nil
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	if welcome != nil {
		metrics.MessagesAppended.WithLabelValues(string(welcome.SenderRole)).Inc()
		s.publish(ctx, *welcome)
		s.log.Info().
			Str("conversation_id", result.Conversation.ID).
			Str("client_id", clientID).
			Str("counterpart_id", counterpartID).
			Msg("conversation created")
	}

	return &result, nil
}

// BootstrapFor resolves the pair from the caller's side. Clients name the coach or
// admin they want to reach; coaches and admins name the client.
func (s *ChatService) BootstrapFor(
	ctx context.Context,
	actor Actor,
	otherID string,
	otherRole models.Role,
) (*BootstrapResult, error) {
	if !actor.valid() {
		return nil, ErrForbidden
	}

	if actor.Role == models.RoleClient {
		if otherRole == "" {
			otherRole = s.lookupRole(ctx, otherID, models.RoleCoach)
		}
		return s.Bootstrap(ctx, actor.ID, otherID, otherRole)
	}
	return s.Bootstrap(ctx, otherID, actor.ID, actor.Role)
}

// Conversation returns the conversation if actor is one of its two parties.
func (s *ChatService) Conversation(ctx context.Context, actor Actor, conversationID string) (*models.Conversation, error) {
	if !actor.valid() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrInvalidInput
	}

	conversation, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if !canAccessConversation(actor, conversation) {
		return nil, ErrForbidden
	}
	return conversation, nil
}

func (s *ChatService) ListMessages(ctx context.Context, actor Actor, conversationID string) ([]models.Message, error) {
	if _, err := s.Conversation(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	return s.ListByConversation(ctx, conversationID)
}

func (s *ChatService) ListMessagesPage(
	ctx context.Context,
	actor Actor,
	conversationID string,
	page int,
	limit int,
) ([]models.Message, int, error) {
	if page <= 0 || limit <= 0 {
		return nil, 0, ErrInvalidInput
	}
	// the offset must fit in an int
	if page-1 > math.MaxInt/limit {
		return nil, 0, fmt.Errorf("%w: page %d is out of range", ErrInvalidInput, page)
	}
	if _, err := s.Conversation(ctx, actor, conversationID); err != nil {
		return nil, 0, err
	}

	messages, total, err := s.messages.ListPage(ctx, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, translateStoreError(err)
	}
	return messages, total, nil
}

// SendMessage uploads the attachment, if any, and appends the message only after the
// upload succeeded. A failed upload aborts the send with nothing persisted.
func (s *ChatService) SendMessage(ctx context.Context, actor Actor, input SendMessageInput) (*models.Message, error) {
	if strings.TrimSpace(input.Text) == "" && input.Upload == nil {
		return nil, fmt.Errorf("%w: message text or attachment is required", ErrValidation)
	}
	if utf8.RuneCountInString(input.Text) > maxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrValidation, maxMessageLength)
	}

	conversation, err := s.Conversation(ctx, actor, input.ConversationID)
	if err != nil {
		return nil, err
	}

	var attachment *models.Attachment
	if input.Upload != nil {
		if s.attachments == nil {
			return nil, ErrStorageUnavailable
		}
		attachment, err = s.attachments.Upload(ctx, conversation.ID, *input.Upload)
		if err != nil {
			return nil, err
		}
	}

	message, err := s.Append(ctx, AppendInput{
		ConversationID: conversation.ID,
		SenderID:       actor.ID,
		SenderRole:     actor.Role,
		Text:           input.Text,
		Attachment:     attachment,
	})
	if err != nil {
		if attachment != nil {
			s.log.Warn().Err(err).
				Str("conversation_id", conversation.ID).
				Str("attachment_url", attachment.URL).
				Msg("message append failed after upload, attachment left orphaned")
		}
		return nil, err
	}
	return message, nil
}

func (s *ChatService) MarkConversationRead(ctx context.Context, actor Actor, conversationID string) (int64, error) {
	if _, err := s.Conversation(ctx, actor, conversationID); err != nil {
		return 0, err
	}
	return s.MarkRead(ctx, conversationID, actor.Role)
}

// ListConversations recomputes the directory, unread counts included, on every call.
func (s *ChatService) ListConversations(ctx context.Context, actor Actor) ([]models.ConversationSummary, error) {
	if !actor.valid() {
		return nil, ErrForbidden
	}

	summaries, err := s.conversations.ListForParticipant(ctx, actor.ID, actor.Role)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return summaries, nil
}

// ListAvailableCounterparts lists who the actor can start a conversation with.
func (s *ChatService) ListAvailableCounterparts(ctx context.Context, actor Actor) ([]models.Participant, error) {
	if !actor.valid() {
		return nil, ErrForbidden
	}

	var (
		participants []models.Participant
		err          error
	)
	if actor.Role == models.RoleClient {
		participants, err = s.participants.ListByRole(ctx, models.RoleCoach)
	} else {
		participants, err = s.participants.ListClientsWithoutConversation(ctx, actor.ID)
	}
	if err != nil {
		return nil, translateStoreError(err)
	}
	return participants, nil
}

func (s *ChatService) GetParticipant(ctx context.Context, participantID string) (*models.Participant, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, ErrInvalidInput
	}
	participant, err := s.participants.GetByID(ctx, participantID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return participant, nil
}

func (s *ChatService) TouchLastSeen(ctx context.Context, actor Actor) error {
	if !actor.valid() {
		return ErrForbidden
	}
	return translateStoreError(s.participants.TouchLastSeen(ctx, actor.ID))
}

// Now is the service clock, used for presence calculations.
func (s *ChatService) Now() time.Time {
	return s.now()
}

func (s *ChatService) publish(ctx context.Context, message models.Message) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, message); err != nil {
		s.log.Warn().Err(err).
			Str("conversation_id", message.ConversationID).
			Str("message_id", message.ID).
			Msg("realtime publish failed")
	}
}

func (s *ChatService) appendLock(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &s.appendLocks[h.Sum32()%appendLockStripes]
}

func (s *ChatService) welcomeText(ctx context.Context, counterpartID string, role models.Role) string {
	if role == models.RoleAdmin {
		return adminWelcomeText
	}

	participant, err := s.participants.GetByID(ctx, counterpartID)
	if err != nil || strings.TrimSpace(participant.DisplayName) == "" {
		return "Hi! I'm your personal fitness coach. How can I help you today?"
	}
	return fmt.Sprintf("Hi! I'm %s, your personal fitness coach. How can I help you today?", participant.DisplayName)
}

func (s *ChatService) lookupRole(ctx context.Context, participantID string, fallback models.Role) models.Role {
	participant, err := s.participants.GetByID(ctx, participantID)
	if err != nil || !participant.Role.IsCounterpart() {
		return fallback
	}
	return participant.Role
}

func validateAppend(input AppendInput, text string) error {
	if strings.TrimSpace(input.ConversationID) == "" || strings.TrimSpace(input.SenderID) == "" || !input.SenderRole.Valid() {
		return fmt.Errorf("%w: conversation, sender and sender role are required", ErrValidation)
	}
	if input.Attachment != nil && !input.Attachment.Valid() {
		return fmt.Errorf("%w: attachment url and name must both be present", ErrValidation)
	}
	if text == "" && input.Attachment == nil {
		return fmt.Errorf("%w: message text or attachment is required", ErrValidation)
	}
	return nil
}

func canAccessConversation(actor Actor, conversation *models.Conversation) bool {
	if !conversation.HasParticipant(actor.ID) {
		return false
	}
	if actor.Role == models.RoleClient {
		return conversation.ClientID == actor.ID
	}
	return conversation.CounterpartID == actor.ID
}

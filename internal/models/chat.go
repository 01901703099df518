package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleClient Role = "client"
	RoleCoach  Role = "coach"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleCoach, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsCounterpart reports whether r can sit on the non-client side of a conversation.
func (r Role) IsCounterpart() bool {
	return r == RoleCoach || r == RoleAdmin
}

// Opposite returns the sender roles whose messages a reader with role r receives.
func (r Role) Opposite() []Role {
	if r == RoleClient {
		return []Role{RoleCoach, RoleAdmin}
	}
	return []Role{RoleClient}
}

// IsOppositeOf reports whether a message sent with role r is inbound for reader.
func (r Role) IsOppositeOf(reader Role) bool {
	for _, role := range reader.Opposite() {
		if role == r {
			return true
		}
	}
	return false
}

func RoleStrings(roles []Role) []string {
	values := make([]string, 0, len(roles))
	for _, role := range roles {
		values = append(values, string(role))
	}
	return values
}

type Conversation struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	CounterpartID string    `json:"counterpart_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasParticipant reports whether participantID is either side of the conversation.
func (c *Conversation) HasParticipant(participantID string) bool {
	return c != nil && participantID != "" && (c.ClientID == participantID || c.CounterpartID == participantID)
}

// OtherParticipant returns the id on the opposite side of participantID.
func (c *Conversation) OtherParticipant(participantID string) string {
	if c.ClientID == participantID {
		return c.CounterpartID
	}
	return c.ClientID
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderRole     Role       `json:"sender_role"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at"`
	AttachmentURL  *string    `json:"attachment_url,omitempty"`
	AttachmentName *string    `json:"attachment_name,omitempty"`
}

func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

func (m *Message) HasAttachment() bool {
	return m.AttachmentURL != nil && m.AttachmentName != nil
}

type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Valid reports whether both halves of the reference are present.
func (a *Attachment) Valid() bool {
	return a != nil && strings.TrimSpace(a.URL) != "" && strings.TrimSpace(a.Filename) != ""
}

type ConversationSummary struct {
	Conversation
	Counterpart   *Participant `json:"counterpart,omitempty"`
	LatestMessage *Message     `json:"latest_message,omitempty"`
	UnreadCount   int          `json:"unread_count"`
}

// SortTime is the instant the directory orders summaries by.
func (s *ConversationSummary) SortTime() time.Time {
	if s.LatestMessage != nil {
		return s.LatestMessage.CreatedAt
	}
	return s.CreatedAt
}

type PaginationMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

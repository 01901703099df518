package models

import (
	"io"
	"time"
)

const onlineWindow = 5 * time.Minute

type Presence string

const (
	PresenceOnline   Presence = "online"
	PresenceRecently Presence = "recently"
	PresenceOffline  Presence = "offline"
)

type Participant struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	DisplayName string     `json:"display_name"`
	Title       *string    `json:"title,omitempty"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

type PresenceStatus struct {
	State            Presence `json:"state"`
	MinutesSinceSeen int      `json:"minutes_since_seen,omitempty"`
}

// Presence derives the online indicator from LastSeenAt.
func (p *Participant) Presence(now time.Time) PresenceStatus {
	if p == nil || p.LastSeenAt == nil {
		return PresenceStatus{State: PresenceOffline}
	}

	since := now.Sub(*p.LastSeenAt)
	if since < 0 {
		since = 0
	}
	switch {
	case since < onlineWindow:
		return PresenceStatus{State: PresenceOnline}
	case since < time.Hour:
		return PresenceStatus{State: PresenceRecently, MinutesSinceSeen: int(since / time.Minute)}
	default:
		return PresenceStatus{State: PresenceOffline}
	}
}

// AttachmentUpload is a binary payload waiting to be stored.
type AttachmentUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

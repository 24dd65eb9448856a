package database

import (
	"errors"
	"time"
)

// SessionState is the durable connectivity state of a tenant session.
type SessionState string

const (
	StatePending      SessionState = "PENDING"
	StateActive       SessionState = "ACTIVE"
	StateDisconnected SessionState = "DISCONNECTED"
	StateError        SessionState = "ERROR"
)

// Valid reports whether s is one of the known states.
func (s SessionState) Valid() bool {
	switch s {
	case StatePending, StateActive, StateDisconnected, StateError:
		return true
	}
	return false
}

// MessageStatus is the moderation status of a guest message.
type MessageStatus string

const (
	MessageApproved MessageStatus = "approved"
	MessagePending  MessageStatus = "pending"
	MessageHidden   MessageStatus = "hidden"
)

var (
	// ErrSessionNotFound is returned when a tenant has no session row.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoLinkedEvent means the tenant has no event accepting WhatsApp uploads.
	ErrNoLinkedEvent = errors.New("no linked event for tenant")

	// ErrAmbiguousLinkedEvent means more than one event is flagged for the
	// tenant, which the link toggle is supposed to prevent.
	ErrAmbiguousLinkedEvent = errors.New("more than one linked event for tenant")

	// ErrEventNotFound is returned when an event does not exist or belongs to
	// another tenant.
	ErrEventNotFound = errors.New("event not found")
)

// Session is one tenant's pairing and connectivity record.
type Session struct {
	TenantID       string       `json:"tenantId"`
	State          SessionState `json:"state"`
	PairingCode    string       `json:"pairingCode,omitempty"`
	PhoneIdentity  string       `json:"phoneIdentity,omitempty"`
	LinkedAt       time.Time    `json:"linkedAt,omitempty"`
	LastActivityAt time.Time    `json:"lastActivityAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Event is the subset of the gallery event the bridge needs.
type Event struct {
	ID              int64     `json:"id"`
	TenantID        string    `json:"tenantId"`
	Name            string    `json:"name"`
	WhatsAppEnabled bool      `json:"whatsappEnabled"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Image is a gallery photo accepted through WhatsApp.
type Image struct {
	ID            int64     `json:"id"`
	EventID       int64     `json:"eventId"`
	VirtualPath   string    `json:"path"`
	ThumbnailPath string    `json:"thumbnail,omitempty"`
	SenderAlias   string    `json:"senderAlias"`
	SizeBytes     int64     `json:"sizeBytes"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Message is a guest text message for the event wall.
type Message struct {
	ID        int64         `json:"id"`
	EventID   int64         `json:"eventId"`
	TenantID  string        `json:"tenantId"`
	SenderID  string        `json:"senderId"`
	Text      string        `json:"text"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// UploadRecord is one accepted media item, used for rate limiting.
type UploadRecord struct {
	ID         int64     `json:"id"`
	EventID    int64     `json:"eventId"`
	SenderID   string    `json:"senderId"`
	ImageID    int64     `json:"imageId,omitempty"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Package channels defines the transport-neutral types exchanged between a
// messaging connection and the bridge: lifecycle events, inbound messages
// and the connection handle used to reply.
package channels

import (
	"context"
	"errors"
	"time"
)

// ErrChannelDisconnected is returned when sending on a closed connection.
var ErrChannelDisconnected = errors.New("channel disconnected")

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	// MessageOther covers audio, video, documents, stickers and anything
	// else the bridge does not ingest.
	MessageOther MessageType = "other"
)

// ChatKind classifies where a message was sent.
type ChatKind string

const (
	ChatDirect     ChatKind = "direct"
	ChatGroup      ChatKind = "group"
	ChatBroadcast  ChatKind = "broadcast"
	ChatStatus     ChatKind = "status"
	ChatNewsletter ChatKind = "newsletter"
	ChatUnknown    ChatKind = "unknown"
)

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	// EventPairingCode carries a new code to be shown to the tenant.
	EventPairingCode EventKind = iota
	// EventOpen means the connection is authenticated and ready.
	EventOpen
	// EventClose means the connection ended; see CloseKind.
	EventClose
	// EventMessage carries an inbound message.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPairingCode:
		return "pairing_code"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// CloseKind classifies why a connection ended.
type CloseKind int

const (
	// CloseTransient covers network loss, stream errors, keepalive failures
	// and pairing-code expiry. Credentials stay valid and a reconnect is
	// expected to succeed.
	CloseTransient CloseKind = iota
	// CloseTerminal means the account signed the device out remotely.
	// Credentials are invalid.
	CloseTerminal
	// CloseFault covers conditions that will not fix themselves by
	// reconnecting: temporary bans, permanent connect failures, an
	// outdated client.
	CloseFault
)

func (k CloseKind) String() string {
	switch k {
	case CloseTransient:
		return "transient"
	case CloseTerminal:
		return "terminal"
	case CloseFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is emitted by a connection to its owner, in order.
type Event struct {
	Kind EventKind

	// Code is set for EventPairingCode.
	Code string

	// Phone is the linked account identity, set for EventOpen.
	Phone string

	// Close and Reason are set for EventClose.
	Close  CloseKind
	Reason string

	// Message is set for EventMessage.
	Message *IncomingMessage
}

// IncomingMessage represents a message received from the transport.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// From is the sender phone number (digits only) when it could be
	// resolved, otherwise the raw sender identifier.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the conversation to reply to.
	ChatID string

	// Chat classifies the conversation.
	Chat ChatKind

	// FromMe is true for messages sent by the linked account itself.
	FromMe bool

	// Type is the message content type.
	Type MessageType

	// Text is the message body or media caption.
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media contains attachment details for MessageImage.
	Media *MediaInfo
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	MimeType string

	// FileSize is the size announced by the sender, before download.
	FileSize uint64

	// Payload is the transport-specific handle passed back to Conn.Download.
	Payload any
}

// Sink receives connection events.
type Sink func(Event)

// Conn is a live connection for one tenant.
type Conn interface {
	// SendText sends a text message to chatID.
	SendText(ctx context.Context, chatID, text string) error

	// Download fetches the bytes of an inbound attachment.
	Download(ctx context.Context, media *MediaInfo) ([]byte, error)

	// Flush persists the connection's credentials.
	Flush(ctx context.Context) error

	// Logout signs the device out remotely and closes the connection.
	Logout(ctx context.Context) error

	// Close drops the connection without emitting a close event.
	Close() error
}

// Dialer opens tenant connections. Dial returns once the connection attempt
// has started; lifecycle events arrive through sink.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, sink Sink) (Conn, error)
}

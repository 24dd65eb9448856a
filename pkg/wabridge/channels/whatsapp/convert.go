package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels"
)

// classifyChat maps a chat JID to a ChatKind. Both phone-number and LID
// addressed chats are one-to-one.
func classifyChat(jid types.JID) channels.ChatKind {
	switch jid.Server {
	case types.DefaultUserServer, types.HiddenUserServer:
		return channels.ChatDirect
	case types.GroupServer:
		return channels.ChatGroup
	case types.BroadcastServer:
		if jid.User == types.StatusBroadcastJID.User {
			return channels.ChatStatus
		}
		return channels.ChatBroadcast
	case types.NewsletterServer:
		return channels.ChatNewsletter
	default:
		return channels.ChatUnknown
	}
}

// convertMessage builds an IncomingMessage from a whatsmeow message event.
// resolve maps LID senders to their phone JID; it may return an empty JID
// when no mapping is known.
func convertMessage(evt *events.Message, resolve func(types.JID) types.JID) *channels.IncomingMessage {
	sender := evt.Info.Sender
	if sender.Server == types.HiddenUserServer && resolve != nil {
		if alt := resolve(sender); !alt.IsEmpty() {
			sender = alt
		}
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		From:      sender.User,
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		Chat:      classifyChat(evt.Info.Chat),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		Type:      channels.MessageOther,
	}
	extractContent(evt.Message, msg)
	return msg
}

// extractContent fills in type, text and media from the message payload.
func extractContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		return
	}

	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Text = waMsg.GetConversation()
		return
	}

	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Text = ext.GetText()
		return
	}

	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Text = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			MimeType: img.GetMimetype(),
			FileSize: img.GetFileLength(),
			Payload:  img,
		}
	}
}

// parseJID converts a chat identifier to a JID. Bare phone numbers get the
// default user server.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 8 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

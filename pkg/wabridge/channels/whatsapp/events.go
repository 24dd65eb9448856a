package whatsapp

import (
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels"
)

// keepAliveFailures is how many consecutive keepalive errors end a
// connection that still looks open.
const keepAliveFailures = 3

// classifyClose reports whether a whatsmeow event ends the connection and,
// if so, how. Restart-required stream errors (515) are handled inside
// whatsmeow and never reach here as a close.
func classifyClose(rawEvt any) (kind channels.CloseKind, reason string, closed bool) {
	switch evt := rawEvt.(type) {
	case *events.LoggedOut:
		return channels.CloseTerminal, "logged_out: " + evt.Reason.String(), true

	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return channels.CloseTerminal, "connect_failure: " + evt.Reason.String(), true
		}
		switch evt.Reason {
		case events.ConnectFailureTempBanned, events.ConnectFailureClientOutdated, events.ConnectFailureBadUserAgent:
			return channels.CloseFault, "connect_failure: " + evt.Reason.String(), true
		}
		if desc := evt.PermanentDisconnectDescription(); desc != "" {
			return channels.CloseFault, "connect_failure: " + desc, true
		}
		return channels.CloseTransient, "connect_failure: " + evt.Reason.String(), true

	case *events.TemporaryBan:
		return channels.CloseFault, "temporary_ban: " + evt.String(), true

	case *events.ClientOutdated:
		return channels.CloseFault, "client_outdated", true

	case *events.StreamReplaced:
		return channels.CloseTransient, "stream_replaced", true

	case *events.StreamError:
		return channels.CloseTransient, "stream_error: " + evt.Code, true

	case *events.Disconnected:
		return channels.CloseTransient, "disconnected", true

	case *events.KeepAliveTimeout:
		if evt.ErrorCount >= keepAliveFailures {
			return channels.CloseTransient, "keepalive_timeout", true
		}
	}
	return 0, "", false
}

// classifyQR maps a QR channel item to a pairing-code event or a close.
func classifyQR(item whatsmeow.QRChannelItem) (channels.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return channels.Event{Kind: channels.EventPairingCode, Code: item.Code}, true
	case whatsmeow.QRChannelSuccess.Event:
		// Connected follows once the post-pairing reconnect completes.
		return channels.Event{}, false
	case whatsmeow.QRChannelTimeout.Event:
		return channels.Event{Kind: channels.EventClose, Close: channels.CloseTransient, Reason: "qr_timeout"}, true
	case whatsmeow.QRChannelClientOutdated.Event:
		return channels.Event{Kind: channels.EventClose, Close: channels.CloseFault, Reason: "client_outdated"}, true
	default:
		reason := "qr_" + item.Event
		if item.Error != nil {
			reason += ": " + item.Error.Error()
		}
		return channels.Event{Kind: channels.EventClose, Close: channels.CloseTransient, Reason: reason}, true
	}
}

// Package whatsapp connects tenants to WhatsApp Web through whatsmeow and
// translates its events into channels.Event values.
//
// whatsmeow's own auto-reconnect is disabled: every close is reported to
// the owner, which decides whether and when to dial again.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels"
)

// DeviceStore provides per-tenant device credentials.
type DeviceStore interface {
	Device(ctx context.Context, tenantID string) (*store.Device, error)
}

// Config holds WhatsApp transport configuration.
type Config struct {
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{DeviceName: "wabridge"}
}

var setOSInfo sync.Once

// Dialer opens whatsmeow clients for tenants.
type Dialer struct {
	cfg     Config
	devices DeviceStore
	logger  *slog.Logger
}

// NewDialer creates a dialer.
func NewDialer(cfg Config, devices DeviceStore, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultConfig().DeviceName
	}
	return &Dialer{
		cfg:     cfg,
		devices: devices,
		logger:  logger.With("component", "whatsapp"),
	}
}

// Dial loads the tenant's device and starts connecting. With no stored
// credentials the pairing flow starts and codes are emitted as
// EventPairingCode.
func (d *Dialer) Dial(ctx context.Context, tenantID string, sink channels.Sink) (channels.Conn, error) {
	setOSInfo.Do(func() {
		store.SetOSInfo(d.cfg.DeviceName, [3]uint32{1, 0, 0})
	})

	device, err := d.devices.Device(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}

	logger := d.logger.With("tenant", tenantID)
	client := whatsmeow.NewClient(device, NewLogger(logger, "client"))
	client.EnableAutoReconnect = false

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		tenantID: tenantID,
		client:   client,
		sink:     sink,
		logger:   logger,
		ctx:      connCtx,
		cancel:   cancel,
	}
	client.AddEventHandler(c.handleEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(connCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("getting QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			cancel()
			return nil, fmt.Errorf("connecting for pairing: %w", err)
		}
		go c.watchQR(qrChan)
		logger.Info("whatsapp: no stored credentials, pairing started")
		return c, nil
	}

	if err := client.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connecting: %w", err)
	}
	logger.Info("whatsapp: connecting with stored credentials", "jid", client.Store.ID.String())
	return c, nil
}

// Conn is one tenant's whatsmeow client.
type Conn struct {
	tenantID string
	client   *whatsmeow.Client
	sink     channels.Sink
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// closed is set once a close was reported or Close/Logout was called.
	closed atomic.Bool
}

// SendText sends a plain text message.
func (c *Conn) SendText(ctx context.Context, chatID, text string) error {
	if c.closed.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chatID, err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Download fetches and decrypts an inbound attachment.
func (c *Conn) Download(ctx context.Context, media *channels.MediaInfo) ([]byte, error) {
	if media == nil {
		return nil, fmt.Errorf("message has no media")
	}
	msg, ok := media.Payload.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("media payload %T is not downloadable", media.Payload)
	}
	data, err := c.client.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	return data, nil
}

// Logout signs the device out on the server and disconnects.
func (c *Conn) Logout(ctx context.Context) error {
	c.closed.Store(true)
	defer c.cancel()

	if c.client.Store.ID == nil {
		c.client.Disconnect()
		return nil
	}
	if err := c.client.Logout(ctx); err != nil {
		c.client.Disconnect()
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

// Close disconnects without reporting a close event.
func (c *Conn) Close() error {
	c.closed.Store(true)
	c.cancel()
	c.client.Disconnect()
	return nil
}

// Phone returns the linked phone number, empty before pairing.
func (c *Conn) Phone() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.User
}

// Flush persists the device state. Called before a tenant is marked active.
func (c *Conn) Flush(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Store.Save(ctx)
}

// handleEvent is the whatsmeow event dispatcher.
func (c *Conn) handleEvent(rawEvt any) {
	if c.closed.Load() {
		return
	}

	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.logger.Info("whatsapp: connected", "jid", c.client.Store.ID)
		c.emit(channels.Event{Kind: channels.EventOpen, Phone: c.Phone()})
		return

	case *events.PairSuccess:
		c.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)
		return

	case *events.Message:
		c.emit(channels.Event{Kind: channels.EventMessage, Message: convertMessage(evt, c.resolveLID)})
		return

	case *events.KeepAliveTimeout:
		c.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount)
	}

	if kind, reason, ok := classifyClose(rawEvt); ok {
		c.reportClose(kind, reason)
	}
}

// watchQR forwards pairing codes until the QR channel closes.
func (c *Conn) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		evt, ok := classifyQR(item)
		if !ok {
			continue
		}
		if evt.Kind == channels.EventClose {
			c.reportClose(evt.Close, evt.Reason)
			return
		}
		if !c.closed.Load() {
			c.emit(evt)
		}
	}
}

// reportClose emits the first close event only, then disconnects.
func (c *Conn) reportClose(kind channels.CloseKind, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.logger.Warn("whatsapp: connection closed", "kind", kind.String(), "reason", reason)
	c.emit(channels.Event{Kind: channels.EventClose, Close: kind, Reason: reason})
	c.cancel()
	go c.client.Disconnect()
}

func (c *Conn) emit(evt channels.Event) {
	if c.sink != nil {
		c.sink(evt)
	}
}

func (c *Conn) resolveLID(jid types.JID) types.JID {
	alt, err := c.client.Store.GetAltJID(c.ctx, jid)
	if err != nil {
		c.logger.Debug("whatsapp: could not resolve LID", "lid", jid.String(), "error", err)
		return types.JID{}
	}
	return alt
}

package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/wpphub/internal/logging"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialer builds one whatsmeow client per connection attempt. All users share
// one device container in the credential database.
type Dialer struct {
	container *sqlstore.Container
	libLevel  string
	logger    *zap.Logger
}

var osInfoOnce sync.Once

// NewDialer opens the library's device container on the same database as
// the credential store. deviceName is what phones list under linked devices.
func NewDialer(ctx context.Context, dialect, dsn, deviceName, libLevel string, logger *zap.Logger) (*Dialer, error) {
	osInfoOnce.Do(func() {
		wastore.SetOSInfo(deviceName, [3]uint32{0, 1, 0})
	})

	container, err := sqlstore.New(ctx, dialect, store.DriverDSN(dialect, dsn),
		logging.Library(logger, libLevel).Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}
	return &Dialer{container: container, libLevel: libLevel, logger: logger}, nil
}

// Close releases the device container's database handle.
func (d *Dialer) Close() error {
	return d.container.Close()
}

// Dial implements session.Dialer.
func (d *Dialer) Dial(ctx context.Context, p session.DialParams) (session.Socket, error) {
	device, err := d.device(ctx, p.Credentials)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, logging.Library(p.Logger, d.libLevel).Sub("client"))
	// Reconnection is the session's call, never the library's.
	client.EnableAutoReconnect = false
	client.DisableLoginAutoReconnect = true
	client.GetMessageForRetry = func(requester, to types.JID, id types.MessageID) *waE2E.Message {
		payload := p.Retry.Lookup(id)
		if payload.Placeholder {
			p.Logger.Debug("retry request for unknown message", zap.String("msg_id", id), zap.String("requester", requester.String()))
		}
		return decodeRetryPayload(payload.Data)
	}

	sock := &socket{
		client: client,
		emit:   p.Emit,
		logger: p.Logger,
	}
	sock.handlerID = client.AddEventHandler(sock.handle)
	return sock, nil
}

// device returns the stored device for registered credentials, or a new
// one that will be saved by the library once pairing succeeds.
func (d *Dialer) device(ctx context.Context, creds *store.Credentials) (*wastore.Device, error) {
	if creds == nil || !creds.Registered || creds.DeviceJID == "" {
		return d.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(creds.DeviceJID)
	if err != nil {
		return nil, fmt.Errorf("parse device jid: %w", err)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if device == nil {
		// The library already dropped the device; pairing starts over.
		d.logger.Warn("device missing from store, pairing again", zap.String("device_jid", creds.DeviceJID))
		return d.container.NewDevice(), nil
	}
	return device, nil
}

// Purge implements session.Dialer.
func (d *Dialer) Purge(ctx context.Context, userID string, creds *store.Credentials) error {
	if creds == nil || creds.DeviceJID == "" {
		return nil
	}
	jid, err := types.ParseJID(creds.DeviceJID)
	if err != nil {
		return fmt.Errorf("parse device jid: %w", err)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	if device == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// socket is one whatsmeow client for one attempt.
type socket struct {
	client    *whatsmeow.Client
	emit      func(session.Event)
	logger    *zap.Logger
	handlerID uint32
}

// Open implements session.Socket. An unpaired device gets a QR channel
// first; its codes arrive as PairingCode events.
func (s *socket) Open(ctx context.Context) error {
	if s.client.Store.ID == nil {
		qr, err := s.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		go s.pumpQR(qr)
	}
	return s.client.Connect()
}

// Close implements session.Socket.
func (s *socket) Close() {
	s.client.RemoveEventHandler(s.handlerID)
	s.client.Disconnect()
}

// Logout implements session.Socket.
func (s *socket) Logout(ctx context.Context) error {
	s.client.RemoveEventHandler(s.handlerID)
	if s.client.Store.ID == nil {
		s.client.Disconnect()
		return nil
	}
	err := s.client.Logout(ctx)
	if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		s.client.Disconnect()
		return nil
	}
	return err
}

// NewMessageID implements session.Socket.
func (s *socket) NewMessageID() string {
	return s.client.GenerateMessageID()
}

// SendText implements session.Socket.
func (s *socket) SendText(ctx context.Context, to, text, id string) ([]byte, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidAddress, err)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if _, err := s.client.SendMessage(ctx, jid, msg, whatsmeow.SendRequestExtra{ID: id}); err != nil {
		return nil, err
	}
	return payload, nil
}

// self returns the account's own addresses, empty before pairing.
func (s *socket) self() Self {
	var me Self
	if id := s.client.Store.ID; id != nil {
		me.PN = id.ToNonAD()
	}
	me.LID = s.client.Store.LID.ToNonAD()
	return me
}

// decodeRetryPayload never returns nil: an unknown message is answered with
// an empty one.
func decodeRetryPayload(data []byte) *waE2E.Message {
	msg := &waE2E.Message{}
	if len(data) == 0 {
		return msg
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return &waE2E.Message{}
	}
	return msg
}

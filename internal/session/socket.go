package session

import (
	"context"

	"github.com/matheus3301/wpphub/internal/msgcache"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
)

// Socket is one connection attempt against the messaging network. A Socket
// is never reused: every reconnect dials a new one.
type Socket interface {
	// Open starts connecting. It returns once the transport is up or has
	// failed; the outcome of pairing and login arrives as events.
	Open(ctx context.Context) error
	// Close drops the connection without touching the credentials.
	Close()
	// Logout unlinks the device from the account, then closes.
	Logout(ctx context.Context) error
	// NewMessageID allocates an id for an outgoing message.
	NewMessageID() string
	// SendText sends text to the address to under id and returns the encoded
	// payload for later retransmission requests.
	SendText(ctx context.Context, to, text, id string) ([]byte, error)
}

// DialParams is what a Dialer needs to build a Socket for one attempt.
type DialParams struct {
	UserID      string
	Credentials *store.Credentials
	// Retry answers retransmission requests for messages sent earlier by
	// this session entry.
	Retry *msgcache.Scope
	// Emit delivers socket events to the session. It blocks while the
	// session is busy and returns immediately once the attempt has ended.
	Emit   func(Event)
	Logger *zap.Logger
}

// Dialer creates sockets and owns the protocol library's side of the
// credentials.
type Dialer interface {
	Dial(ctx context.Context, p DialParams) (Socket, error)
	// Purge deletes protocol state the library keeps outside the
	// credential store.
	Purge(ctx context.Context, userID string, creds *store.Credentials) error
}

// CredentialStore is implemented by *store.CredentialStore.
type CredentialStore interface {
	Load(ctx context.Context, userID string) (*store.Credentials, error)
	Save(ctx context.Context, userID string, creds *store.Credentials) error
	Purge(ctx context.Context, userID string) error
}

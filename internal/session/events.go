package session

import (
	"time"

	"github.com/matheus3301/wpphub/internal/store"
)

// Event is something a Socket reports about its connection. Sockets deliver
// events through DialParams.Emit in the order they happened.
type Event interface {
	isEvent()
}

// CloseReason classifies why a connection attempt ended.
type CloseReason int

const (
	// CloseTransient covers network and protocol failures worth retrying.
	CloseTransient CloseReason = iota
	// CloseLoggedOut means the account unlinked this device.
	CloseLoggedOut
	// CloseReplaced means another connection took over the same device.
	CloseReplaced
	// ClosePairingTimeout means the pairing window expired without a scan.
	ClosePairingTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseLoggedOut:
		return "logged_out"
	case CloseReplaced:
		return "replaced"
	case ClosePairingTimeout:
		return "pairing_timeout"
	default:
		return "transient"
	}
}

// Terminal reports whether the reason invalidates the credentials.
func (r CloseReason) Terminal() bool {
	return r == CloseLoggedOut || r == CloseReplaced
}

// PairingCode carries a code to be rendered as a QR for the end user.
type PairingCode struct {
	Code string
}

// Opened reports a fully established connection for Address.
type Opened struct {
	Address string
}

// Closed reports the end of the connection attempt.
type Closed struct {
	Reason CloseReason
	Err    error
}

// CredsUpdate carries registration state that must be persisted before any
// later event of the same user is processed.
type CredsUpdate struct {
	Credentials *store.Credentials
}

// Inbound carries a received message.
type Inbound struct {
	Message *Message
}

func (PairingCode) isEvent() {}
func (Opened) isEvent()      {}
func (Closed) isEvent()      {}
func (CredsUpdate) isEvent() {}
func (Inbound) isEvent()     {}

// Message is a received message reduced to what handlers need.
type Message struct {
	ID       string `json:"id"`
	Chat     string `json:"chat"`
	Sender   string `json:"sender"`
	PushName string `json:"push_name,omitempty"`

	FromMe bool `json:"from_me"`
	// SelfChat is set when the chat is the account's own number.
	SelfChat  bool `json:"self_chat"`
	Group     bool `json:"-"`
	Broadcast bool `json:"-"`

	Text      string    `json:"text,omitempty"`
	Voice     *Voice    `json:"voice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Voice describes a push-to-talk audio note.
type Voice struct {
	Seconds  uint32 `json:"seconds"`
	Mimetype string `json:"mimetype,omitempty"`
}

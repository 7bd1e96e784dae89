package wa

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Self is the account's own addresses: phone number and LID, without
// device suffix.
type Self struct {
	PN  types.JID
	LID types.JID
}

// Owns reports whether jid is one of the account's addresses.
func (me Self) Owns(jid types.JID) bool {
	jid = jid.ToNonAD()
	if jid.IsEmpty() {
		return false
	}
	return (!me.PN.IsEmpty() && jid == me.PN) || (!me.LID.IsEmpty() && jid == me.LID)
}

// handle is the whatsmeow event handler. It runs on the library's event
// goroutine, so events reach the session in the order the library saw them.
func (s *socket) handle(raw any) {
	if ev := translate(raw, s.self()); ev != nil {
		s.emit(ev)
	}
}

// translate maps a whatsmeow event to a session event, or nil for events
// the session does not care about.
func translate(raw any, me Self) session.Event {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		return session.CredsUpdate{Credentials: &store.Credentials{
			Registered:   true,
			DeviceJID:    evt.ID.String(),
			LID:          evt.LID.String(),
			Platform:     evt.Platform,
			BusinessName: evt.BusinessName,
			PairedAt:     time.Now().UTC(),
		}}
	case *events.Connected:
		return session.Opened{Address: me.PN.String()}
	case *events.LoggedOut:
		return session.Closed{Reason: session.CloseLoggedOut, Err: fmt.Errorf("logged out: %v", evt.Reason)}
	case *events.StreamReplaced:
		return session.Closed{Reason: session.CloseReplaced}
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return session.Closed{Reason: session.CloseLoggedOut, Err: fmt.Errorf("connect failure: %v", evt.Reason)}
		}
		return session.Closed{Reason: session.CloseTransient, Err: fmt.Errorf("connect failure: %v %s", evt.Reason, evt.Message)}
	case *events.TemporaryBan:
		return session.Closed{Reason: session.CloseTransient, Err: fmt.Errorf("temporary ban: %v", evt)}
	case *events.ClientOutdated:
		return session.Closed{Reason: session.CloseTransient, Err: errors.New("client outdated")}
	case *events.PairError:
		return session.Closed{Reason: session.CloseTransient, Err: fmt.Errorf("pair error: %w", evt.Error)}
	case *events.ManualLoginReconnect:
		// The server restarts the stream after pairing; the saved
		// credentials are picked up by the next attempt.
		return session.Closed{Reason: session.CloseTransient, Err: errors.New("stream restart after pairing")}
	case *events.Disconnected:
		return session.Closed{Reason: session.CloseTransient, Err: errors.New("disconnected")}
	case *events.Message:
		return session.Inbound{Message: parseMessage(evt, me)}
	}
	return nil
}

package wa

import (
	"errors"
	"fmt"

	"github.com/matheus3301/wpphub/internal/session"
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// pumpQR forwards the pairing flow to the session until the channel closes.
func (s *socket) pumpQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		ev := translateQR(item)
		if ev == nil {
			continue
		}
		if _, ok := ev.(session.PairingCode); ok {
			s.logger.Info("pairing code issued", zap.Duration("valid_for", item.Timeout))
		}
		s.emit(ev)
	}
}

// translateQR maps a QR channel item to a session event. Success is
// reported by the PairSuccess event instead, so it maps to nil.
func translateQR(item whatsmeow.QRChannelItem) session.Event {
	switch item.Event {
	case "code":
		return session.PairingCode{Code: item.Code}
	case "success":
		return nil
	case "timeout":
		return session.Closed{Reason: session.ClosePairingTimeout}
	case "error":
		err := item.Error
		if err == nil {
			err = errors.New("pairing failed")
		}
		return session.Closed{Reason: session.CloseTransient, Err: fmt.Errorf("pairing: %w", err)}
	default:
		// err-unexpected-state, err-client-outdated, err-scanned-without-multidevice
		return session.Closed{Reason: session.CloseTransient, Err: fmt.Errorf("pairing: %s", item.Event)}
	}
}

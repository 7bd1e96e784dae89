// Package notify forwards session lifecycle events to the application
// backend so it can show pairing codes and connection state to end users.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/webhook"
	"go.uber.org/zap"
)

// Event types posted to the sink.
const (
	TypeQR           = "qr"
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
)

// Event is the JSON document posted for each lifecycle event.
type Event struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Type   string    `json:"type"`
	Data   string    `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

// Poster delivers one event. *webhook.Client implements it.
type Poster interface {
	Post(ctx context.Context, body, out any) error
}

// Sender queues events and posts them from a single goroutine. Delivery is
// best-effort: a full queue drops the event and failures are not retried.
type Sender struct {
	poster  Poster
	timeout time.Duration
	queue   chan Event
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a sender. A nil poster disables delivery.
func NewSender(poster Poster, timeout time.Duration, queueSize int, logger *zap.Logger) *Sender {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Sender{
		poster:  poster,
		timeout: timeout,
		queue:   make(chan Event, queueSize),
		logger:  logger,
	}
}

// NewHTTPSender posts to url, or discards everything when url is empty.
func NewHTTPSender(url string, timeout time.Duration, queueSize int, logger *zap.Logger) *Sender {
	if url == "" {
		return NewSender(nil, timeout, queueSize, logger)
	}
	return NewSender(webhook.New(url, timeout), timeout, queueSize, logger)
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the sender loop. Queued events are dropped.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// OnPairingCode implements session.Notifier.
func (s *Sender) OnPairingCode(userID, code string) {
	s.enqueue(userID, TypeQR, code)
}

// OnStatusChange implements session.Notifier. Only connected and
// disconnected are posted; pairing is announced by the qr event.
func (s *Sender) OnStatusChange(userID string, state status.State, address string) {
	switch state {
	case status.Connected:
		s.enqueue(userID, TypeConnected, address)
	case status.Disconnected:
		s.enqueue(userID, TypeDisconnected, "")
	}
}

func (s *Sender) enqueue(userID, typ, data string) {
	if s.poster == nil {
		return
	}
	ev := Event{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   typ,
		Data:   data,
		At:     time.Now().UTC(),
	}
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn("notification queue full, dropping event",
			zap.String("user_id", userID), zap.String("type", typ))
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.deliver(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) deliver(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.poster.Post(ctx, ev, nil); err != nil {
		s.logger.Warn("failed to deliver notification",
			zap.Error(err), zap.String("user_id", ev.UserID), zap.String("type", ev.Type), zap.String("event_id", ev.ID))
		return
	}
	s.logger.Debug("notification delivered", zap.String("user_id", ev.UserID), zap.String("type", ev.Type))
}

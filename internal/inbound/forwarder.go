// Package inbound hands admitted messages to the application backend and
// sends its reply back to the chat.
package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/webhook"
	"go.uber.org/zap"
)

// Request is posted to the backend for every admitted message.
type Request struct {
	UserID  string           `json:"user_id"`
	Address string           `json:"address"`
	Message *session.Message `json:"message"`
}

// Response is the backend's answer. An empty Reply sends nothing.
type Response struct {
	Reply string `json:"reply"`
}

// Forwarder builds per-user message handlers that call the backend.
type Forwarder struct {
	poster poster
	logger *zap.Logger
}

type poster interface {
	Post(ctx context.Context, body, out any) error
}

// New returns a forwarder posting to url.
func New(url string, timeout time.Duration, logger *zap.Logger) *Forwarder {
	return &Forwarder{poster: webhook.New(url, timeout), logger: logger}
}

// Handlers returns the session.HandlerFactory for url, or nil when url is
// empty so that messages are only logged.
func Handlers(url string, timeout time.Duration, logger *zap.Logger) session.HandlerFactory {
	if url == "" {
		return nil
	}
	return New(url, timeout, logger).Handler
}

// Replier is the part of *session.Conn a handler needs.
type Replier interface {
	Address() string
	SendText(ctx context.Context, to, text string) (string, error)
}

// Handler returns the handler for userID's session entry.
func (f *Forwarder) Handler(userID string) session.Handler {
	log := f.logger.With(zap.String("user_id", userID))
	return func(ctx context.Context, c *session.Conn, msg *session.Message) error {
		return f.handle(ctx, log, userID, c, msg)
	}
}

func (f *Forwarder) handle(ctx context.Context, log *zap.Logger, userID string, c Replier, msg *session.Message) error {
	var resp Response
	req := Request{UserID: userID, Address: c.Address(), Message: msg}
	if err := f.poster.Post(ctx, req, &resp); err != nil {
		return fmt.Errorf("forward message %s: %w", msg.ID, err)
	}
	if resp.Reply == "" {
		return nil
	}
	id, err := c.SendText(ctx, msg.Chat, resp.Reply)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	log.Debug("reply sent", zap.String("msg_id", id), zap.String("in_reply_to", msg.ID))
	return nil
}

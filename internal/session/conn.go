package session

import (
	"context"
	"fmt"
)

// Conn is a handle on one connected attempt. It stops working as soon as
// that attempt ends, even if the session has reconnected since.
type Conn struct {
	s   *session
	att *attempt
}

// UserID returns the user the connection belongs to.
func (c *Conn) UserID() string {
	return c.s.userID
}

// Address returns the account's own address.
func (c *Conn) Address() string {
	return c.att.address
}

// SendText sends text to the address to and returns the message id. The id
// is marked as ours before the send so its self-chat echo is recognized.
func (c *Conn) SendText(ctx context.Context, to, text string) (string, error) {
	if c.att.finished.Load() {
		return "", ErrNotConnected
	}
	id := c.att.sock.NewMessageID()
	c.s.cache.TrackSent(id)
	payload, err := c.att.sock.SendText(ctx, to, text, id)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	c.s.cache.Remember(id, payload)
	return id, nil
}

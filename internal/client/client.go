// Package client talks to a running wpphubd: the HTTP control API for
// session commands and the gRPC health socket for probes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/wpphub/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNoPairingCode is returned by PairingCode when the user is not waiting
// to be paired.
var ErrNoPairingCode = errors.New("no pending pairing code")

// APIError is a non-2xx answer from the control API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Code)
}

// Client calls the control API at a base URL such as http://127.0.0.1:8787.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for base.
func New(base string, timeout time.Duration) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

// StatusReply is the answer to connect and disconnect.
type StatusReply struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Connect asks the daemon to (re)connect userID.
func (c *Client) Connect(ctx context.Context, userID string) (*StatusReply, error) {
	var out StatusReply
	err := c.do(ctx, http.MethodPost, "/v1/sessions/connect", map[string]string{"user_id": userID}, &out)
	return &out, err
}

// Disconnect logs userID out and purges its credentials.
func (c *Client) Disconnect(ctx context.Context, userID string) (*StatusReply, error) {
	var out StatusReply
	err := c.do(ctx, http.MethodPost, "/v1/sessions/disconnect", map[string]string{"user_id": userID}, &out)
	return &out, err
}

// Status returns userID's snapshot.
func (c *Client) Status(ctx context.Context, userID string) (*session.Snapshot, error) {
	var out session.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(userID), nil, &out)
	return &out, err
}

// List returns every session the daemon holds.
func (c *Client) List(ctx context.Context) ([]session.Snapshot, error) {
	var out struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out)
	return out.Sessions, err
}

// PairingCode returns the raw code userID should scan.
func (c *Client) PairingCode(ctx context.Context, userID string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(userID)+"/qr?format=code", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return "", ErrNoPairingCode
	}
	return out.Code, err
}

// Send sends text from userID's account to the address to.
func (c *Client) Send(ctx context.Context, userID, to, text string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(userID)+"/messages",
		map[string]string{"to": to, "text": text}, &out)
	return out.ID, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Code: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Probe asks the health service on socketPath about service ("" for the
// daemon itself) and returns the serving status name.
func Probe(ctx context.Context, socketPath, service string) (string, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return "", fmt.Errorf("dial health socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

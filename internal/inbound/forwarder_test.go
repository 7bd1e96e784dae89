package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/wpphub/internal/session"
	"go.uber.org/zap"
)

type fakeReplier struct {
	sent []string
	err  error
}

func (f *fakeReplier) Address() string { return "5511999990000@s.whatsapp.net" }

func (f *fakeReplier) SendText(ctx context.Context, to, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to+": "+text)
	return "3EB0REPLY", nil
}

func backend(t *testing.T, reply string, status int) (*httptest.Server, <-chan Request) {
	t.Helper()
	got := make(chan Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- req
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(Response{Reply: reply})
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestHandleForwardsAndReplies(t *testing.T) {
	srv, got := backend(t, "Task created: buy milk", http.StatusOK)
	f := New(srv.URL, time.Second, zap.NewNop())
	r := &fakeReplier{}
	msg := &session.Message{ID: "M1", Chat: "5511888880000@s.whatsapp.net", Text: "buy milk tomorrow"}

	if err := f.handle(context.Background(), zap.NewNop(), "u1", r, msg); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	req := <-got
	if req.UserID != "u1" || req.Address != "5511999990000@s.whatsapp.net" || req.Message.Text != "buy milk tomorrow" {
		t.Errorf("request = %+v", req)
	}
	if len(r.sent) != 1 || r.sent[0] != "5511888880000@s.whatsapp.net: Task created: buy milk" {
		t.Errorf("sent = %v", r.sent)
	}
}

func TestHandleEmptyReplySendsNothing(t *testing.T) {
	srv, _ := backend(t, "", http.StatusOK)
	f := New(srv.URL, time.Second, zap.NewNop())
	r := &fakeReplier{}

	if err := f.handle(context.Background(), zap.NewNop(), "u1", r, &session.Message{ID: "M1", Text: "ok"}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if len(r.sent) != 0 {
		t.Errorf("sent = %v, want nothing", r.sent)
	}
}

func TestHandleBackendErrorIsReturned(t *testing.T) {
	srv, _ := backend(t, "", http.StatusInternalServerError)
	f := New(srv.URL, time.Second, zap.NewNop())
	r := &fakeReplier{}

	if err := f.handle(context.Background(), zap.NewNop(), "u1", r, &session.Message{ID: "M1", Text: "ok"}); err == nil {
		t.Fatal("handle() error = nil, want backend failure")
	}
	if len(r.sent) != 0 {
		t.Errorf("sent = %v after backend failure", r.sent)
	}
}

func TestHandleSendFailureIsReturned(t *testing.T) {
	srv, _ := backend(t, "hi", http.StatusOK)
	f := New(srv.URL, time.Second, zap.NewNop())
	r := &fakeReplier{err: session.ErrNotConnected}

	err := f.handle(context.Background(), zap.NewNop(), "u1", r, &session.Message{ID: "M1", Text: "ok"})
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("handle() error = %v, want ErrNotConnected", err)
	}
}

func TestHandlersWithoutURL(t *testing.T) {
	if Handlers("", time.Second, zap.NewNop()) != nil {
		t.Error("Handlers(\"\") != nil, want log-only sessions")
	}
	if Handlers("http://127.0.0.1:1/hook", time.Second, zap.NewNop()) == nil {
		t.Error("Handlers(url) = nil")
	}
}

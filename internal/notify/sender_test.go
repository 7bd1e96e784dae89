package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wpphub/internal/status"
	"go.uber.org/zap"
)

// mockPoster records calls and returns a configurable error.
type mockPoster struct {
	mu    sync.Mutex
	calls []Event
	err   error
	block chan struct{}
}

func (m *mockPoster) Post(ctx context.Context, body, out any) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, body.(Event))
	return m.err
}

func (m *mockPoster) events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSenderPostsLifecycleEvents(t *testing.T) {
	mock := &mockPoster{}
	s := NewSender(mock, time.Second, 8, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	s.OnPairingCode("u1", "2@abc")
	s.OnStatusChange("u1", status.AwaitingPairing, "")
	s.OnStatusChange("u1", status.Connecting, "")
	s.OnStatusChange("u1", status.Connected, "5511@s.whatsapp.net")
	s.OnStatusChange("u1", status.Disconnected, "")

	waitFor(t, func() bool { return len(mock.events()) == 3 })
	got := mock.events()
	want := []struct{ typ, data string }{
		{TypeQR, "2@abc"},
		{TypeConnected, "5511@s.whatsapp.net"},
		{TypeDisconnected, ""},
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].Data != w.data || got[i].UserID != "u1" {
			t.Errorf("event %d = %+v, want %s/%s", i, got[i], w.typ, w.data)
		}
		if got[i].ID == "" || got[i].At.IsZero() {
			t.Errorf("event %d missing id or timestamp: %+v", i, got[i])
		}
	}
}

func TestSenderFailuresAreNotRetried(t *testing.T) {
	mock := &mockPoster{err: errors.New("connection refused")}
	s := NewSender(mock, time.Second, 8, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	s.OnStatusChange("u1", status.Connected, "a")
	waitFor(t, func() bool { return len(mock.events()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(mock.events()); n != 1 {
		t.Errorf("posts = %d, want 1", n)
	}
}

func TestSenderNeverBlocksWhenQueueIsFull(t *testing.T) {
	mock := &mockPoster{block: make(chan struct{})}
	s := NewSender(mock, time.Second, 2, zap.NewNop())
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.OnPairingCode("u1", "code")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnPairingCode blocked on a stuck sink")
	}
	close(mock.block)
	s.Stop()

	// One in flight plus at most two queued.
	if n := len(mock.events()); n > 3 {
		t.Errorf("delivered %d events, want at most 3", n)
	}
}

func TestEmptyURLDisablesDelivery(t *testing.T) {
	s := NewHTTPSender("", time.Second, 8, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()
	s.OnPairingCode("u1", "code")
	if len(s.queue) != 0 {
		t.Error("event queued with delivery disabled")
	}
}

func TestHTTPSenderPayload(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, time.Second, 8, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()
	s.OnPairingCode("u1", "2@abc")

	select {
	case body := <-got:
		if body["user_id"] != "u1" || body["type"] != "qr" || body["data"] != "2@abc" {
			t.Errorf("payload = %v", body)
		}
		for _, k := range []string{"id", "at"} {
			if _, ok := body[k]; !ok {
				t.Errorf("payload missing %q: %v", k, body)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
	}
}

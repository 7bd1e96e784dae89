package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wpphub/internal/msgcache"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
)

var errNetwork = errors.New("connection reset by peer")

type fakeSocket struct {
	params  DialParams
	openErr error

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	sent      []string
	nextID    int
}

func (f *fakeSocket) Open(ctx context.Context) error { return f.openErr }

func (f *fakeSocket) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSocket) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	f.closed = true
	return nil
}

func (f *fakeSocket) NewMessageID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("3EB0%s%d", f.params.UserID, f.nextID)
}

func (f *fakeSocket) SendText(ctx context.Context, to, text, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+text)
	return []byte(text), nil
}

func (f *fakeSocket) emit(ev Event) { f.params.Emit(ev) }

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) isLoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

type fakeDialer struct {
	// openErr, when set, decides the Open result for each dial of a user.
	openErr func(userID string) error
	dialed  chan *fakeSocket

	mu     sync.Mutex
	users  []string
	purged []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSocket, 256)}
}

func (d *fakeDialer) Dial(ctx context.Context, p DialParams) (Socket, error) {
	sock := &fakeSocket{params: p}
	if d.openErr != nil {
		sock.openErr = d.openErr(p.UserID)
	}
	d.mu.Lock()
	d.users = append(d.users, p.UserID)
	d.mu.Unlock()
	d.dialed <- sock
	return sock, nil
}

func (d *fakeDialer) Purge(ctx context.Context, userID string, creds *store.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, userID)
	return nil
}

// next returns the next dialed socket.
func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// expectNoDial fails if a socket is dialed within d.
func (d *fakeDialer) expectNoDial(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-d.dialed:
		t.Fatal("unexpected dial")
	case <-time.After(wait):
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

func (d *fakeDialer) purgedUsers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.purged)
}

type memCreds struct {
	mu      sync.Mutex
	data    map[string]store.Credentials
	saveErr error
	purged  []string
}

func newMemCreds() *memCreds {
	return &memCreds{data: make(map[string]store.Credentials)}
}

func (m *memCreds) Load(ctx context.Context, userID string) (*store.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.data[userID]
	return &c, nil
}

func (m *memCreds) Save(ctx context.Context, userID string, creds *store.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data[userID] = *creds
	return nil
}

func (m *memCreds) Purge(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, userID)
	m.purged = append(m.purged, userID)
	return nil
}

func (m *memCreds) get(userID string) (store.Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[userID]
	return c, ok
}

func (m *memCreds) wasPurged(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.purged, userID)
}

type memDirectory struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newMemDirectory(users ...string) *memDirectory {
	d := &memDirectory{connected: make(map[string]bool)}
	for _, u := range users {
		d.connected[u] = true
	}
	return d
}

func (d *memDirectory) SetConnected(ctx context.Context, userID string, connected bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected[userID] = connected
	return nil
}

func (d *memDirectory) ConnectedUsers(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for u, ok := range d.connected {
		if ok {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (d *memDirectory) isConnected(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected[userID]
}

type recNotifier struct {
	mu       sync.Mutex
	codes    []string
	statuses []string
}

func (n *recNotifier) OnPairingCode(userID, code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, userID+" "+code)
}

func (n *recNotifier) OnStatusChange(userID string, state status.State, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, fmt.Sprintf("%s %s %s", userID, state, address))
}

func (n *recNotifier) lastStatus() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.statuses) == 0 {
		return ""
	}
	return n.statuses[len(n.statuses)-1]
}

func (n *recNotifier) codeList() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.codes)
}

type harness struct {
	reg      *Registry
	dialer   *fakeDialer
	creds    *memCreds
	dir      *memDirectory
	notifier *recNotifier
	inbound  chan *Message
}

// fastPolicy retries quickly enough for tests to walk the whole backoff.
var fastPolicy = Policy{BaseDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, MaxAttempts: 5}

// slowPolicy never retries within a test's lifetime.
var slowPolicy = Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5}

func newHarness(t *testing.T, policy Policy, handler Handler) *harness {
	t.Helper()
	h := &harness{
		dialer:   newFakeDialer(),
		creds:    newMemCreds(),
		dir:      newMemDirectory(),
		notifier: &recNotifier{},
		inbound:  make(chan *Message, 16),
	}
	if handler == nil {
		handler = func(ctx context.Context, c *Conn, msg *Message) error {
			h.inbound <- msg
			return nil
		}
	}
	h.reg = NewRegistry(Options{
		Dialer:      h.dialer,
		Credentials: h.creds,
		Directory:   h.dir,
		Notifier:    h.notifier,
		Handlers:    func(string) Handler { return handler },
		Cache:       msgcache.New(msgcache.Options{}),
		Policy:      policy,
		Logger:      zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.reg.Shutdown(ctx)
	})
	return h
}

// connected connects userID and drives the first socket to Connected.
func (h *harness) connected(t *testing.T, userID, address string) *fakeSocket {
	t.Helper()
	if err := h.reg.ConnectUser(context.Background(), userID); err != nil {
		t.Fatalf("ConnectUser(%s) error = %v", userID, err)
	}
	sock := h.dialer.next(t)
	sock.emit(Opened{Address: address})
	eventually(t, func() bool { return h.reg.Status(userID) == status.Connected }, "status connected")
	return sock
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

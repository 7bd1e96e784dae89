package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/msgcache"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one admitted inbound message. It may reply through c.
type Handler func(ctx context.Context, c *Conn, msg *Message) error

// HandlerFactory returns the handler for a user's session entry.
type HandlerFactory func(userID string) Handler

// Directory records which users should be connected when the process starts.
type Directory interface {
	SetConnected(ctx context.Context, userID string, connected bool) error
	ConnectedUsers(ctx context.Context) ([]string, error)
}

// Notifier receives lifecycle events for display to end users. Calls must
// not block.
type Notifier interface {
	OnPairingCode(userID, code string)
	OnStatusChange(userID string, state status.State, address string)
}

// Snapshot is a read-only copy of a session entry.
type Snapshot struct {
	UserID      string       `json:"user_id"`
	Status      status.State `json:"status"`
	Address     string       `json:"address,omitempty"`
	Attempts    int          `json:"reconnect_attempts"`
	PairingCode string       `json:"-"`
	Since       time.Time    `json:"since"`
}

// Options configures a Registry. Dialer, Credentials and Cache are required.
type Options struct {
	Dialer      Dialer
	Credentials CredentialStore
	Directory   Directory
	Notifier    Notifier
	Handlers    HandlerFactory
	Cache       *msgcache.Cache
	Bus         *bus.Bus
	Policy      Policy
	// Parallelism bounds concurrent connects in ReconnectAll.
	Parallelism    int
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

// Registry owns every user's session entry. Callers only ever see
// snapshots and Conns, never the entries.
type Registry struct {
	dialer         Dialer
	creds          CredentialStore
	directory      Directory
	notifier       Notifier
	handlers       HandlerFactory
	cache          *msgcache.Cache
	bus            *bus.Bus
	policy         Policy
	parallelism    int
	handlerTimeout time.Duration
	logger         *zap.Logger

	// userLocks serializes ConnectUser and DisconnectUser per user.
	userLocks sync.Map

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		dialer:         opts.Dialer,
		creds:          opts.Credentials,
		directory:      opts.Directory,
		notifier:       opts.Notifier,
		handlers:       opts.Handlers,
		cache:          opts.Cache,
		bus:            opts.Bus,
		policy:         opts.Policy,
		parallelism:    opts.Parallelism,
		handlerTimeout: opts.HandlerTimeout,
		logger:         opts.Logger,
		sessions:       make(map[string]*session),
	}
	if r.directory == nil {
		r.directory = nopDirectory{}
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.cache == nil {
		r.cache = msgcache.New(msgcache.Options{})
	}
	if r.policy == (Policy{}) {
		r.policy = DefaultPolicy()
	}
	if r.parallelism < 1 {
		r.parallelism = 8
	}
	if r.handlerTimeout <= 0 {
		r.handlerTimeout = 2 * time.Minute
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	v, _ := r.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ConnectUser replaces any entry for userID with a fresh one and runs its
// first attempt. A failed attempt is returned as *AttemptError and the entry
// keeps retrying under the reconnect policy. Any other error (ctx ending
// first, ErrSessionEnded) leaves the new entry in place to start on its own.
func (r *Registry) ConnectUser(ctx context.Context, userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}

	lock := r.userLock(userID)
	lock.Lock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		lock.Unlock()
		return ErrShutdown
	}
	s := newSession(r, userID)
	old := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()

	if old != nil {
		old.logger.Info("replacing session entry")
		old.stop(stopClose)
		// The new loop starts once the old one has exited, however long the
		// caller is willing to wait.
		go func() {
			<-old.done
			s.run()
		}()
	} else {
		go s.run()
	}
	lock.Unlock()

	return s.start(ctx)
}

// DisconnectUser logs the user's socket out, drops the entry and purges the
// credentials. It is a no-op when the user has no entry.
func (r *Registry) DisconnectUser(ctx context.Context, userID string) error {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	s := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if s == nil {
		return nil
	}

	s.stop(stopLogout)
	// The entry is already gone from the map, so the rest must run even if
	// the caller gives up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	if err := s.wait(ctx); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}

	var errs []error
	if err := r.purge(ctx, userID, s.creds); err != nil {
		errs = append(errs, err)
	}
	if err := r.directory.SetConnected(ctx, userID, false); err != nil {
		errs = append(errs, fmt.Errorf("mark user disconnected: %w", err))
	}
	r.notifier.OnStatusChange(userID, status.Disconnected, "")
	s.logger.Info("session disconnected")
	return errors.Join(errs...)
}

// Status returns the user's current state, Disconnected when there is no
// entry. It never blocks on I/O.
func (r *Registry) Status(userID string) status.State {
	if s := r.lookup(userID); s != nil {
		return s.machine.Current()
	}
	return status.Disconnected
}

// Snapshot returns a copy of the user's entry, or a Disconnected snapshot
// when there is none.
func (r *Registry) Snapshot(userID string) Snapshot {
	if s := r.lookup(userID); s != nil {
		return s.snapshot()
	}
	return Snapshot{UserID: userID, Status: status.Disconnected}
}

// Snapshots returns copies of all entries ordered by user id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Conn returns the user's connection only while the entry is Connected.
func (r *Registry) Conn(userID string) (*Conn, bool) {
	if s := r.lookup(userID); s != nil {
		return s.liveConn()
	}
	return nil, false
}

// SendText sends a text message from userID's account. It returns
// ErrNotConnected unless the entry is Connected.
func (r *Registry) SendText(ctx context.Context, userID, to, text string) (string, error) {
	c, ok := r.Conn(userID)
	if !ok {
		return "", ErrNotConnected
	}
	return c.SendText(ctx, to, text)
}

// ReconnectAll connects every user the directory marks as connected. One
// user's failure is logged and does not stop the others.
func (r *Registry) ReconnectAll(ctx context.Context) error {
	users, err := r.directory.ConnectedUsers(ctx)
	if err != nil {
		return fmt.Errorf("list connected users: %w", err)
	}
	r.logger.Info("reconnecting users", zap.Int("count", len(users)))

	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, userID := range users {
		g.Go(func() error {
			if err := r.ConnectUser(ctx, userID); err != nil {
				r.logger.Warn("reconnect user failed", zap.String("user_id", userID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown closes every socket without purging credentials or touching the
// directory, so the next process resumes the same users.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.stop(stopClose)
	}
	for _, s := range all {
		if err := s.wait(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	r.logger.Info("registry shut down", zap.Int("sessions", len(all)))
	return nil
}

func (r *Registry) lookup(userID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// remove drops s from the map unless it was already replaced.
func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.userID] == s {
		delete(r.sessions, s.userID)
	}
}

// purge deletes both the library's device state and our credential rows.
func (r *Registry) purge(ctx context.Context, userID string, creds *store.Credentials) error {
	if creds == nil {
		loaded, err := r.creds.Load(ctx, userID)
		if err != nil {
			return fmt.Errorf("load credentials for purge: %w", err)
		}
		creds = loaded
	}
	var errs []error
	if err := r.dialer.Purge(ctx, userID, creds); err != nil {
		errs = append(errs, fmt.Errorf("purge device: %w", err))
	}
	if err := r.creds.Purge(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type nopDirectory struct{}

func (nopDirectory) SetConnected(context.Context, string, bool) error { return nil }
func (nopDirectory) ConnectedUsers(context.Context) ([]string, error) { return nil, nil }

type nopNotifier struct{}

func (nopNotifier) OnPairingCode(string, string)                {}
func (nopNotifier) OnStatusChange(string, status.State, string) {}

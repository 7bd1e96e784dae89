package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wpphub/internal/msgcache"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
)

const (
	inboxSize = 64
	opTimeout = 30 * time.Second
)

type stopMode int32

const (
	stopClose stopMode = iota
	stopLogout
)

// startRequest asks the loop to run the first attempt and report its outcome.
type startRequest struct {
	reply chan error
}

// reconnectTick fires when the backoff after a failed attempt has elapsed.
type reconnectTick struct{}

type envelope struct {
	// att is the attempt the event belongs to; nil for requests.
	att *attempt
	ev  any
}

// attempt is one socket and the bookkeeping that must not outlive it.
type attempt struct {
	seq     int
	sock    Socket
	ctx     context.Context
	cancel  context.CancelFunc
	address string
	// finished is set before the socket is closed; events and sends for a
	// finished attempt are rejected.
	finished atomic.Bool
}

// session is one user's entry in the registry. Everything below the mu
// group is owned by the run goroutine.
type session struct {
	userID  string
	reg     *Registry
	machine *status.Machine
	cache   *msgcache.Scope
	handler Handler
	logger  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan envelope
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	mode     atomic.Int32

	mu          sync.Mutex
	attempts    int
	pairingCode string
	conn        *Conn

	current *attempt
	seq     int
	creds   *store.Credentials
	timer   *time.Timer
	ended   bool
}

func newSession(r *Registry, userID string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		userID:  userID,
		reg:     r,
		machine: status.NewMachine(userID, r.bus),
		cache:   r.cache.NewScope(),
		logger:  r.logger.With(zap.String("user_id", userID)),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan envelope, inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if r.handlers != nil {
		s.handler = r.handlers(userID)
	}
	return s
}

// run is the session's mailbox loop. It exits when the entry reaches
// Disconnected, either by itself or through stop.
func (s *session) run() {
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-s.quit:
			s.halt()
			return
		case env := <-s.inbox:
			s.handle(env)
			if s.ended {
				return
			}
		}
	}
}

// start runs the first attempt and returns its error. A failed first
// attempt is still retried by the loop.
func (s *session) start(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- envelope{ev: startRequest{reply: reply}}:
	case <-s.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop asks the loop to end the current attempt and exit. It does not wait,
// but it cancels whatever the loop is blocked on.
func (s *session) stop(mode stopMode) {
	s.stopOnce.Do(func() {
		s.mode.Store(int32(mode))
		close(s.quit)
		s.cancel()
	})
}

func (s *session) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// opCtx is for bookkeeping that must finish even while the entry is being
// stopped.
func (s *session) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), opTimeout)
}

// wait blocks until the loop has exited.
func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) post(env envelope) {
	select {
	case s.inbox <- env:
	case <-s.done:
	}
}

func (s *session) handle(env envelope) {
	switch ev := env.ev.(type) {
	case startRequest:
		if s.stopping() {
			ev.reply <- ErrSessionEnded
			return
		}
		if err := s.open(); err != nil {
			ev.reply <- &AttemptError{Err: err}
			return
		}
		ev.reply <- nil
		return
	case reconnectTick:
		if env.att != s.current {
			return
		}
		_ = s.open()
		return
	}

	if env.att != s.current || env.att.finished.Load() {
		s.logger.Debug("ignoring event from superseded attempt",
			zap.Int("attempt_seq", env.att.seq),
			zap.String("event", fmt.Sprintf("%T", env.ev)))
		return
	}

	switch ev := env.ev.(type) {
	case PairingCode:
		s.onPairingCode(ev)
	case Opened:
		s.onOpened(env.att, ev)
	case Closed:
		s.onClosed(env.att, ev)
	case CredsUpdate:
		s.onCredsUpdate(env.att, ev)
	case Inbound:
		s.onInbound(env.att, ev.Message)
	}
}

// open starts a new attempt. Any failure on the way is a transient close of
// that attempt.
func (s *session) open() error {
	s.seq++
	ctx, cancel := context.WithCancel(s.ctx)
	att := &attempt{seq: s.seq, ctx: ctx, cancel: cancel}
	s.current = att

	creds, err := s.reg.creds.Load(ctx, s.userID)
	if err != nil {
		err = fmt.Errorf("load credentials: %w", err)
		s.onClosed(att, Closed{Reason: CloseTransient, Err: err})
		return err
	}
	s.creds = creds

	sock, err := s.reg.dialer.Dial(ctx, DialParams{
		UserID:      s.userID,
		Credentials: creds,
		Retry:       s.cache,
		Emit:        s.emitter(att),
		Logger:      s.logger,
	})
	if err != nil {
		err = fmt.Errorf("dial: %w", err)
		s.onClosed(att, Closed{Reason: CloseTransient, Err: err})
		return err
	}
	att.sock = sock

	s.logger.Info("opening connection", zap.Int("attempt_seq", att.seq), zap.Bool("registered", creds.Registered))
	if err := sock.Open(ctx); err != nil {
		err = fmt.Errorf("open socket: %w", err)
		s.onClosed(att, Closed{Reason: CloseTransient, Err: err})
		return err
	}
	return nil
}

func (s *session) emitter(att *attempt) func(Event) {
	return func(ev Event) {
		select {
		case s.inbox <- envelope{att: att, ev: ev}:
		case <-att.ctx.Done():
		}
	}
}

// finish marks att as over and drops its socket. Events it produces from
// here on are discarded.
func (s *session) finish(att *attempt, logout bool) {
	if att == nil || att.finished.Swap(true) {
		return
	}
	att.cancel()
	if att.sock == nil {
		return
	}
	if logout {
		ctx, cancel := s.opCtx()
		defer cancel()
		if err := att.sock.Logout(ctx); err != nil {
			s.logger.Warn("logout failed, closing instead", zap.Error(err))
			att.sock.Close()
		}
		return
	}
	att.sock.Close()
}

// setState moves the machine and publishes or withdraws the Conn in one
// step, so Conn is visible exactly while the state is Connected.
func (s *session) setState(to status.State, address string, conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	if s.machine.Current() == to {
		return
	}
	if err := s.machine.Transition(to, address); err != nil {
		s.logger.Warn("state transition rejected", zap.Error(err))
	}
}

func (s *session) onPairingCode(ev PairingCode) {
	if s.machine.Current() == status.Connected {
		s.logger.Warn("pairing code while connected, ignoring")
		return
	}
	s.mu.Lock()
	s.pairingCode = ev.Code
	s.mu.Unlock()
	s.setState(status.AwaitingPairing, "", nil)
	s.reg.notifier.OnPairingCode(s.userID, ev.Code)
}

func (s *session) onOpened(att *attempt, ev Opened) {
	att.address = ev.Address
	s.mu.Lock()
	s.attempts = 0
	s.pairingCode = ""
	s.mu.Unlock()
	s.setState(status.Connected, ev.Address, &Conn{s: s, att: att})
	s.logger.Info("connected", zap.String("address", ev.Address), zap.Int("attempt_seq", att.seq))

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.reg.directory.SetConnected(ctx, s.userID, true); err != nil {
		s.logger.Warn("mark user connected", zap.Error(err))
	}
	s.reg.notifier.OnStatusChange(s.userID, status.Connected, ev.Address)
}

func (s *session) onCredsUpdate(att *attempt, ev CredsUpdate) {
	if ev.Credentials == nil {
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.reg.creds.Save(ctx, s.userID, ev.Credentials); err != nil {
		s.onClosed(att, Closed{Reason: CloseTransient, Err: fmt.Errorf("persist credentials: %w", err)})
		return
	}
	s.creds = ev.Credentials
}

func (s *session) onClosed(att *attempt, ev Closed) {
	s.finish(att, false)
	log := s.logger.With(zap.Stringer("reason", ev.Reason), zap.Int("attempt_seq", att.seq))
	if ev.Err != nil {
		log = log.With(zap.Error(ev.Err))
	}

	switch {
	case ev.Reason.Terminal():
		log.Warn("connection closed for good, purging credentials")
		s.terminate(true)
		return
	case ev.Reason == ClosePairingTimeout && att.address == "":
		log.Info("pairing window expired, requesting a new code")
		s.setState(status.Connecting, "", nil)
		_ = s.open()
		return
	}

	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.mu.Unlock()

	policy := s.reg.policy
	if n > policy.MaxAttempts {
		log.Warn("giving up after repeated failures", zap.Int("attempts", n-1))
		s.terminate(false)
		return
	}

	delay := policy.Delay(n)
	log.Info("connection lost, reconnecting", zap.Int("attempt", n), zap.Duration("delay", delay))
	s.setState(status.Connecting, "", nil)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		s.post(envelope{att: att, ev: reconnectTick{}})
	})
}

// terminate ends the entry from inside the loop. The notifier hears about it
// last, after the entry is gone from the registry.
func (s *session) terminate(purge bool) {
	s.ended = true
	if s.timer != nil {
		s.timer.Stop()
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if purge {
		if err := s.reg.purge(ctx, s.userID, s.creds); err != nil {
			s.logger.Error("purge credentials", zap.Error(err))
		}
	}
	s.setState(status.Disconnected, "", nil)
	s.reg.remove(s)
	if err := s.reg.directory.SetConnected(ctx, s.userID, false); err != nil {
		s.logger.Warn("mark user disconnected", zap.Error(err))
	}
	s.reg.notifier.OnStatusChange(s.userID, status.Disconnected, "")
}

// halt ends the entry on request from the registry. Whatever follows
// (purge, directory, notifier) is the caller's business.
func (s *session) halt() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.finish(s.current, stopMode(s.mode.Load()) == stopLogout)
	s.setState(status.Disconnected, "", nil)
}

func (s *session) onInbound(att *attempt, msg *Message) {
	if msg == nil {
		return
	}
	if ok, why := s.admit(msg); !ok {
		s.logger.Debug("dropping inbound message", zap.String("msg_id", msg.ID), zap.String("why", why))
		return
	}
	s.dispatch(att, msg)
}

// admit applies the inbound filters in order. The echo check runs before
// the direction check so that a tracked id is always consumed.
func (s *session) admit(msg *Message) (bool, string) {
	switch {
	case msg.Group || msg.Broadcast:
		return false, "not a one-to-one chat"
	case s.cache.WasSentByUs(msg.ID):
		return false, "echo of own message"
	case msg.FromMe && !msg.SelfChat:
		return false, "outgoing message"
	case msg.Text == "" && msg.Voice == nil:
		return false, "no text or voice"
	}
	return true, ""
}

func (s *session) dispatch(att *attempt, msg *Message) {
	if s.handler == nil {
		s.logger.Info("inbound message", zap.String("msg_id", msg.ID), zap.String("chat", msg.Chat))
		return
	}
	ctx, cancel := context.WithTimeout(att.ctx, s.reg.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", zap.String("msg_id", msg.ID), zap.Any("panic", r), zap.StackSkip("stack", 2))
		}
	}()
	if err := s.handler(ctx, &Conn{s: s, att: att}, msg); err != nil {
		lvl := zap.ErrorLevel
		if errors.Is(err, context.Canceled) {
			lvl = zap.InfoLevel
		}
		s.logger.Log(lvl, "message handler failed", zap.String("msg_id", msg.ID), zap.Error(err))
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		UserID:      s.userID,
		Status:      s.machine.Current(),
		Address:     s.machine.Address(),
		Attempts:    s.attempts,
		PairingCode: s.pairingCode,
		Since:       s.machine.Since(),
	}
}

func (s *session) liveConn() (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.machine.Current() != status.Connected {
		return nil, false
	}
	return s.conn, true
}

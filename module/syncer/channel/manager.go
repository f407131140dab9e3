package channel

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"PSync/logger"
	"PSync/module/syncer/wire"
	"PSync/tools/errs"
)

// ===== connection state machine =====
//
// idle -> connecting -> connected -> (disconnecting -> idle)
//                                  | (reconnecting -> connected | failed)
//
// failed is terminal only after the retry budget is exhausted (or the token is
// rejected mid-session); calling Open again recovers from it.

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ===== config =====

type Conf struct {
	URL              string
	HandshakeTimeout time.Duration // dial + auth ack (default 5s)
	BaseBackoff      time.Duration // first reconnect delay (default 200ms)
	MaxBackoff       time.Duration // backoff cap (default 10s)
	MaxRetries       int           // reconnect budget before StateFailed (default 8)
	PingEvery        time.Duration // heartbeat interval (default 30s)
	EventBuffer      int           // inbound frame buffer (default 1024)

	Dialer Dialer           // nil => gorilla websocket dialer
	Clock  func() time.Time // injectable clock for tests; nil => time.Now
}

func (c *Conf) norm() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.Dialer == nil {
		c.Dialer = &WsDialer{HandshakeTimeout: c.HandshakeTimeout}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ===== manager =====

// Manager owns one authoritative handle per user id. Opening a second handle
// for the same user supersedes (closes) the first before the new connection is
// established, so events are never delivered twice.
type Manager struct {
	mu     sync.Mutex
	conf   Conf
	byUser map[string]*Handle
}

func NewManager(conf Conf) *Manager {
	conf.norm()
	return &Manager{
		conf:   conf,
		byUser: make(map[string]*Handle),
	}
}

// Open establishes a connection and completes the token handshake.
// Auth rejection comes back as ErrAuth/ErrTokenExpired and is never retried;
// transport failures come back as ErrNetwork.
func (m *Manager) Open(ctx context.Context, userID, token string) (*Handle, error) {
	if userID == "" || token == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("open", "user", userID)
	}

	// supersede the previous handle first, never run two connections per user
	m.mu.Lock()
	prev := m.byUser[userID]
	delete(m.byUser, userID)
	m.mu.Unlock()
	if prev != nil {
		logger.Infof("[channel] superseding live handle user=%s", userID)
		prev.Close()
	}

	h := &Handle{
		userID: userID,
		token:  token,
		conf:   m.conf,
		mgr:    m,
		events: make(chan *wire.Frame, m.conf.EventBuffer),
		closed: make(chan struct{}),
	}
	h.setState(StateConnecting)

	conn, err := h.dialAndAuth(ctx)
	if err != nil {
		h.setState(StateFailed)
		return nil, err
	}

	h.attach(conn)
	h.setState(StateConnected)

	m.mu.Lock()
	m.byUser[userID] = h
	m.mu.Unlock()

	go h.readLoop(conn)
	go h.pingLoop()
	return h, nil
}

// Handle returns the live handle for the user, if any.
func (m *Manager) Handle(userID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byUser[userID]
	return h, ok
}

func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.byUser))
	for _, h := range m.byUser {
		handles = append(handles, h)
	}
	m.byUser = make(map[string]*Handle)
	m.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	if m.byUser[h.userID] == h {
		delete(m.byUser, h.userID)
	}
	m.mu.Unlock()
}

// ===== handle =====

type Handle struct {
	userID string
	token  string
	conf   Conf
	mgr    *Manager

	state     atomic.Int32
	stateMu   sync.Mutex
	stateSubs []func(State)

	mu   sync.Mutex
	conn Conn

	events chan *wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func (h *Handle) UserID() string { return h.userID }

// Events is the inbound frame stream. It is never closed; select against
// Done() to observe shutdown.
func (h *Handle) Events() <-chan *wire.Frame { return h.events }

func (h *Handle) Done() <-chan struct{} { return h.closed }

func (h *Handle) State() State { return State(h.state.Load()) }

// OnState registers a callback invoked on every state transition.
func (h *Handle) OnState(fn func(State)) {
	h.stateMu.Lock()
	h.stateSubs = append(h.stateSubs, fn)
	h.stateMu.Unlock()
}

func (h *Handle) setState(s State) {
	old := State(h.state.Swap(int32(s)))
	if old == s {
		return
	}
	h.stateMu.Lock()
	subs := make([]func(State), len(h.stateSubs))
	copy(subs, h.stateSubs)
	h.stateMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// Send writes a frame upstream (e.g. a read acknowledgment).
func (h *Handle) Send(f *wire.Frame) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil || h.State() != StateConnected {
		return errs.ErrChannelClosed.WrapMsg("send", "user", h.userID)
	}
	if err := conn.WriteFrame(f); err != nil {
		return errs.ErrNetwork.WrapMsg("send", "err", err)
	}
	return nil
}

// Close ends the connection gracefully. Always succeeds locally and is
// idempotent; it also stops any reconnect loop in flight.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.setState(StateDisconnecting)
		close(h.closed)
		h.mu.Lock()
		conn := h.conn
		h.conn = nil
		h.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		h.mgr.forget(h)
		h.setState(StateIdle)
	})
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *Handle) attach(conn Conn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
}

// dialAndAuth dials the gateway and runs the token handshake: send AUTH, then
// wait for the matching ACK. Any ACK with an auth code is fatal.
func (h *Handle) dialAndAuth(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, h.conf.HandshakeTimeout)
	defer cancel()

	conn, err := h.conf.Dialer.Dial(dctx, h.conf.URL)
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("dial", "url", h.conf.URL, "err", err)
	}

	if err := conn.WriteFrame(wire.BuildAuth(h.userID, h.token)); err != nil {
		_ = conn.Close()
		return nil, errs.ErrNetwork.WrapMsg("auth write", "err", err)
	}

	// Read until the ACK shows up; the gateway may interleave a CONN frame
	// (conn id assignment) or heartbeats before it.
	for i := 0; i < 8; i++ {
		f, rerr := conn.ReadFrame()
		if rerr != nil {
			_ = conn.Close()
			return nil, errs.ErrNetwork.WrapMsg("auth read", "err", rerr)
		}
		switch f.Type {
		case wire.TypeConn, wire.TypePing, wire.TypePong:
			continue
		case wire.TypeAck:
			if f.Code == 0 {
				return conn, nil
			}
			_ = conn.Close()
			if f.Code == errs.CodeTokenExpired {
				return nil, errs.ErrTokenExpired.WrapMsg("handshake", "msg", f.Msg)
			}
			return nil, errs.ErrAuth.WrapMsg("handshake", "code", f.Code, "msg", f.Msg)
		case wire.TypeErr:
			_ = conn.Close()
			if f.Code == errs.CodeAuth || f.Code == errs.CodeTokenExpired {
				return nil, errs.ErrAuth.WrapMsg("handshake", "msg", f.Msg)
			}
			return nil, errs.ErrNetwork.WrapMsg("handshake", "code", f.Code)
		default:
			// data before ack: gateway bug, treat as transport noise
			continue
		}
	}
	_ = conn.Close()
	return nil, errs.ErrNetwork.WrapMsg("handshake", "reason", "no ack")
}

func (h *Handle) readLoop(conn Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if h.isClosed() {
				return
			}
			logger.Infof("[channel] read err user=%s err=%v", h.userID, err)
			h.reconnect()
			return
		}
		switch f.Type {
		case wire.TypePing:
			_ = conn.WriteFrame(wire.BuildPong())
		case wire.TypePong:
			// heartbeat reply, nothing to do
		default:
			select {
			case h.events <- f:
			default:
				// Consumer is behind; drop and let pull reconciliation repair
				// the counter/presence state later.
				logger.Warnf("[channel] event buffer full, drop type=%s user=%s", f.Type, h.userID)
			}
		}
	}
}

// reconnect retries with exponential backoff + jitter until the budget is
// exhausted (-> StateFailed), the token is rejected (-> StateFailed, fatal),
// or Close is called.
func (h *Handle) reconnect() {
	h.setState(StateReconnecting)

	for attempt := 0; ; attempt++ {
		if h.isClosed() {
			return
		}
		if attempt >= h.conf.MaxRetries {
			logger.Warnf("[channel] retry budget exhausted user=%s attempts=%d", h.userID, attempt)
			h.setState(StateFailed)
			return
		}

		timer := time.NewTimer(backoffDelay(h.conf.BaseBackoff, h.conf.MaxBackoff, attempt))
		select {
		case <-h.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := h.dialAndAuth(context.Background())
		if err == nil {
			h.attach(conn)
			h.setState(StateConnected)
			go h.readLoop(conn)
			return
		}
		if errs.IsAuth(err) {
			// Token no longer valid: reconnecting cannot help, surface a
			// persistent failure and let the consumer re-authenticate.
			logger.Warnf("[channel] auth rejected during reconnect user=%s err=%v", h.userID, err)
			h.setState(StateFailed)
			return
		}
		logger.Infof("[channel] reconnect attempt=%d user=%s err=%v", attempt+1, h.userID, err)
	}
}

func (h *Handle) pingLoop() {
	t := time.NewTicker(h.conf.PingEvery)
	defer t.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-t.C:
			if h.State() != StateConnected {
				continue
			}
			if err := h.Send(wire.BuildPing()); err != nil {
				logger.Debug("[channel] ping failed: " + err.Error())
			}
		}
	}
}

// backoffDelay: base << attempt, capped, minus up to ~10% jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d/5) + 1))
	return d - jitter/2
}

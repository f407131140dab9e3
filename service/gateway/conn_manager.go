package gateway

import (
	"sync"
	"time"

	"PSync/logger"
	"PSync/module/syncer/wire"
	"PSync/tools/errs"

	"github.com/gorilla/websocket"
)

// ===== config =====

type ManagerConf struct {
	UnauthTTL  time.Duration    // how long an unauthenticated socket may linger
	AuthTTL    time.Duration    // idle budget for an authenticated socket
	SweepEvery time.Duration    // expiry sweep period
	Clock      func() time.Time // injectable clock; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// ===== registry =====

// Client is one websocket held by this gateway node. A user has at most one
// authoritative client; binding a newer socket supersedes and closes the old.
type Client struct {
	ConnID     string
	UserID     string
	Authorized bool

	Conn *websocket.Conn

	CreatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time
	TTL       time.Duration

	writeMu sync.Mutex
}

// WriteFrame serializes frame writes on the socket.
func (c *Client) WriteFrame(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*Client // conn id -> client
	byUser map[string]*Client // user id -> authoritative client

	conf     ManagerConf
	gwID     string
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConnManager(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byConn: make(map[string]*Client),
		byUser: make(map[string]*Client),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

// AddUnauth registers a fresh socket before the token handshake.
func (m *ConnManager) AddUnauth(connID string, ws *websocket.Conn) (*Client, error) {
	if connID == "" || ws == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("connID/ws empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConn[connID]; exists {
		return nil, errs.ErrRecordExists.WrapMsg("conn", "id", connID)
	}
	c := &Client{
		ConnID:    connID,
		Conn:      ws,
		CreatedAt: now,
		Heartbeat: now,
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
	}
	m.byConn[connID] = c
	return c, nil
}

// Bind attaches the socket to a user after a verified handshake. Any previous
// socket of the same user is superseded: removed from the index and closed so
// its read loop exits.
func (m *ConnManager) Bind(connID, userID string) (*Client, error) {
	if connID == "" || userID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("connID/userID empty")
	}
	now := m.conf.Clock()

	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return nil, errs.ErrRecordNotFound.WrapMsg("conn", "id", connID)
	}
	prev := m.byUser[userID]
	if prev == c {
		prev = nil
	}
	if prev != nil {
		delete(m.byConn, prev.ConnID)
	}
	c.UserID = userID
	c.Authorized = true
	c.TTL = m.conf.AuthTTL
	c.Heartbeat = now
	c.ExpireAt = now.Add(m.conf.AuthTTL)
	m.byUser[userID] = c
	m.mu.Unlock()

	if prev != nil {
		logger.Infof("[gateway] supersede user=%s old_conn=%s new_conn=%s", userID, prev.ConnID, connID)
		closeQuiet(prev.Conn)
	}
	return c, nil
}

// Heartbeat renews the idle budget for one socket.
func (m *ConnManager) Heartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byConn[connID]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("conn", "id", connID)
	}
	c.Heartbeat = now
	c.ExpireAt = now.Add(c.TTL)
	return nil
}

// Remove drops the socket from both indexes. It reports the bound user and
// whether this socket was still the user's authoritative one; a superseded
// socket closing late must not flip the user offline.
func (m *ConnManager) Remove(connID string) (userID string, authoritative bool) {
	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	delete(m.byConn, connID)
	if c.Authorized && m.byUser[c.UserID] == c {
		delete(m.byUser, c.UserID)
		authoritative = true
	}
	m.mu.Unlock()

	closeQuiet(c.Conn)
	return c.UserID, authoritative
}

// Get returns the authoritative client for a user.
func (m *ConnManager) Get(userID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byUser[userID]
	return c, ok
}

// GetByConn returns the client for a conn id.
func (m *ConnManager) GetByConn(connID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byConn[connID]
	return c, ok
}

// SendUser writes one frame to the user's authoritative socket if it is local.
func (m *ConnManager) SendUser(userID string, f *wire.Frame) error {
	c, ok := m.Get(userID)
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("user not local", "user", userID)
	}
	return c.WriteFrame(f)
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byConn {
		closeQuiet(c.Conn)
	}
	m.byConn = map[string]*Client{}
	m.byUser = map[string]*Client{}
}

// ===== sweeper =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.conf.Clock())
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var expired []*Client
	m.mu.Lock()
	for id, c := range m.byConn {
		if now.After(c.ExpireAt) {
			delete(m.byConn, id)
			if c.Authorized && m.byUser[c.UserID] == c {
				delete(m.byUser, c.UserID)
			}
			expired = append(expired, c)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		logger.Warnf("[gateway] expire conn=%s user=%s", c.ConnID, c.UserID)
		closeQuiet(c.Conn)
	}
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}

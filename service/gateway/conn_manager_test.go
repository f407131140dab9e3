package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PSync/module/syncer/wire"
	"PSync/tools/errs"

	"github.com/gorilla/websocket"
)

// wsPair returns the server side of a live websocket plus its client end.
func wsPair(t *testing.T) (server, client *websocket.Conn, cleanup func()) {
	t.Helper()
	upg := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- c
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	cl, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	sv := <-accepted
	return sv, cl, func() {
		_ = cl.Close()
		_ = sv.Close()
		srv.Close()
	}
}

type manualClock struct{ now time.Time }

func (m *manualClock) Now() time.Time { return m.now }

func newTestManager(clk *manualClock) *ConnManager {
	return NewConnManager(ManagerConf{
		UnauthTTL:  10 * time.Second,
		AuthTTL:    time.Minute,
		SweepEvery: time.Hour, // tests call sweepOnce directly
		Clock:      clk.Now,
	}, "gw-test")
}

func TestBindSupersedesPreviousSocket(t *testing.T) {
	clk := &manualClock{now: time.Unix(1000, 0)}
	m := newTestManager(clk)
	defer m.Close()

	sv1, cl1, cleanup1 := wsPair(t)
	defer cleanup1()
	sv2, _, cleanup2 := wsPair(t)
	defer cleanup2()

	if _, err := m.AddUnauth("c1", sv1); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if _, err := m.Bind("c1", "alice"); err != nil {
		t.Fatalf("bind c1: %v", err)
	}
	if _, err := m.AddUnauth("c2", sv2); err != nil {
		t.Fatalf("add c2: %v", err)
	}
	if _, err := m.Bind("c2", "alice"); err != nil {
		t.Fatalf("bind c2: %v", err)
	}

	// the new socket is authoritative, the old one is gone from the index
	if c, ok := m.Get("alice"); !ok || c.ConnID != "c2" {
		t.Fatalf("authoritative conn = %+v, want c2", c)
	}
	if _, ok := m.GetByConn("c1"); ok {
		t.Fatal("superseded conn still indexed")
	}

	// the superseded socket was closed server-side; its client read fails
	_ = cl1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := cl1.ReadMessage(); err == nil {
		t.Fatal("superseded socket still readable")
	}

	// a late close of the superseded socket must not claim authority
	if user, authoritative := m.Remove("c1"); user != "" || authoritative {
		t.Fatalf("remove c1 = (%q,%v), want no-op", user, authoritative)
	}
	if _, ok := m.Get("alice"); !ok {
		t.Fatal("authoritative socket dropped by a stale remove")
	}
}

func TestRemoveReportsAuthority(t *testing.T) {
	clk := &manualClock{now: time.Unix(1000, 0)}
	m := newTestManager(clk)
	defer m.Close()

	sv, _, cleanup := wsPair(t)
	defer cleanup()

	if _, err := m.AddUnauth("c1", sv); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.Bind("c1", "alice"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	user, authoritative := m.Remove("c1")
	if user != "alice" || !authoritative {
		t.Fatalf("remove = (%q,%v), want (alice,true)", user, authoritative)
	}
	if _, ok := m.Get("alice"); ok {
		t.Fatal("user still indexed after authoritative remove")
	}
}

func TestSweepExpiresIdleSockets(t *testing.T) {
	clk := &manualClock{now: time.Unix(1000, 0)}
	m := newTestManager(clk)
	defer m.Close()

	sv, _, cleanup := wsPair(t)
	defer cleanup()

	if _, err := m.AddUnauth("c1", sv); err != nil {
		t.Fatalf("add: %v", err)
	}

	// heartbeat keeps it alive past the original deadline
	clk.now = clk.now.Add(8 * time.Second)
	if err := m.Heartbeat("c1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clk.now = clk.now.Add(8 * time.Second)
	m.sweepOnce(clk.now)
	if _, ok := m.GetByConn("c1"); !ok {
		t.Fatal("renewed socket swept")
	}

	clk.now = clk.now.Add(11 * time.Second)
	m.sweepOnce(clk.now)
	if _, ok := m.GetByConn("c1"); ok {
		t.Fatal("expired socket survived the sweep")
	}
}

func TestSendUserReachesTheWire(t *testing.T) {
	clk := &manualClock{now: time.Unix(1000, 0)}
	m := newTestManager(clk)
	defer m.Close()

	sv, cl, cleanup := wsPair(t)
	defer cleanup()

	if _, err := m.AddUnauth("c1", sv); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.Bind("c1", "alice"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := m.SendUser("alice", wire.BuildPresence("bob", true, 123)); err != nil {
		t.Fatalf("send: %v", err)
	}

	_ = cl.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := cl.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	f, err := wire.ParseFrame(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Type != wire.TypePresence {
		t.Fatalf("frame type = %s, want PRESENCE", f.Type)
	}

	if err := m.SendUser("nobody", wire.BuildPong()); !errs.Is(err, errs.ErrRecordNotFound) {
		t.Fatalf("send to unknown user err = %v, want not found", err)
	}
}

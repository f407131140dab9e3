package channel

import (
	"context"
	"time"

	"PSync/module/syncer/wire"

	"github.com/gorilla/websocket"
)

// Conn is the narrow transport surface the handle needs; tests swap in a
// scripted implementation.
type Conn interface {
	ReadFrame() (*wire.Frame, error)
	WriteFrame(f *wire.Frame) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ===== gorilla websocket transport =====

type WsDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // per-read deadline (default 60s)
	WriteTimeout     time.Duration // per-write deadline (default 5s)
}

func (d *WsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	c, _, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 20) // 1MB
	rt := d.ReadTimeout
	if rt <= 0 {
		rt = 60 * time.Second
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(rt))
	})
	return &wsConn{c: c, readTimeout: rt, writeTimeout: wt}, nil
}

type wsConn struct {
	c            *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (w *wsConn) ReadFrame() (*wire.Frame, error) {
	for {
		if err := w.c.SetReadDeadline(time.Now().Add(w.readTimeout)); err != nil {
			return nil, err
		}
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return wire.ParseFrame(data)
	}
}

func (w *wsConn) WriteFrame(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if err := w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	return w.c.Close()
}

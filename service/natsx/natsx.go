package natsx

import (
	"strings"
	"sync"
	"time"

	"PSync/logger"
	"PSync/module/syncer/wire"

	"github.com/nats-io/nats.go"
	pkgerr "github.com/pkg/errors"
)

// Fan-out bus between gateway nodes. A frame published here reaches every
// node; each node delivers to whichever of the addressed users are connected
// locally.

type Config struct {
	Servers       []string      `yaml:"servers"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

func (c *Config) norm() {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
}

type Manager struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewManager(cfg Config) (*Manager, error) {
	cfg.norm()
	if len(cfg.Servers) == 0 {
		return nil, pkgerr.New("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, pkgerr.Wrap(err, "nats connect")
	}
	return &Manager{nc: nc}, nil
}

// PublishFrame sends one wire frame on a subject; Meta carries addressing
// (e.g. target user ids) for the receiving node.
func (m *Manager) PublishFrame(subject string, f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return pkgerr.Wrap(err, "encode frame")
	}
	return pkgerr.Wrap(m.nc.Publish(subject, data), "nats publish")
}

// SubscribeFrames registers a frame handler. An empty queue broadcasts to all
// nodes; a queue group shares the subject within the group.
func (m *Manager) SubscribeFrames(subject, queue string, h func(f *wire.Frame)) error {
	cb := func(msg *nats.Msg) {
		f, err := wire.ParseFrame(msg.Data)
		if err != nil {
			logger.Warnf("[natsx] bad frame on %s: %v", subject, err)
			return
		}
		h(f)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = m.nc.Subscribe(subject, cb)
	} else {
		sub, err = m.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return pkgerr.Wrap(err, "nats subscribe")
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

// Close drains subscriptions and the connection.
func (m *Manager) Close() error {
	if m == nil || m.nc == nil {
		return nil
	}
	m.mu.Lock()
	for _, s := range m.subs {
		_ = s.Drain()
	}
	m.subs = nil
	m.mu.Unlock()
	return m.nc.Drain()
}

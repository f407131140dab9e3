package mgo

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"PSync/logger"

	pkgerr "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type Config struct {
	Uri         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize uint64 `yaml:"max_pool_size"`
}

type Manager struct {
	mu        sync.RWMutex
	db        *mongo.Database
	readyCh   chan struct{} // closed once on first successful connect
	readyOnce sync.Once
}

var globalMgr = &Manager{readyCh: make(chan struct{})}

// StartAsync connects in the background with backoff + jitter and keeps
// retrying until ctx is done; the first success closes the ready channel.
func StartAsync(ctx context.Context, cfg *Config) {
	go func() {
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
		)
		attempt := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			db, err := connect(ctx, cfg)
			if err == nil {
				globalMgr.mu.Lock()
				globalMgr.db = db
				globalMgr.mu.Unlock()
				globalMgr.readyOnce.Do(func() { close(globalMgr.readyCh) })
				return
			}
			logger.Warnf("[mgo] connect attempt=%d err=%v", attempt+1, err)

			backoff := baseBackoff << uint(attempt)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
			timer := time.NewTimer(backoff - jitter/2)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if attempt < 6 {
				attempt++
			}
		}
	}()
}

func connect(ctx context.Context, cfg *Config) (*mongo.Database, error) {
	opts := options.Client().ApplyURI(cfg.Uri)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, pkgerr.Wrap(err, "mongo connect")
	}
	if err := cli.Ping(cctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, pkgerr.Wrap(err, "mongo ping")
	}
	return cli.Database(cfg.Database), nil
}

// WaitReady blocks until the first successful connect or ctx expiry.
func WaitReady(ctx context.Context) error {
	select {
	case <-globalMgr.readyCh:
		return nil
	case <-ctx.Done():
		return pkgerr.Wrap(ctx.Err(), "mongo wait ready")
	}
}

// GetDB returns the shared database handle.
func GetDB() *mongo.Database {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.db == nil {
		panic("mongo not ready, call StartAsync + WaitReady first")
	}
	return globalMgr.db
}

// Close disconnects the shared client.
func Close(ctx context.Context) error {
	globalMgr.mu.Lock()
	defer globalMgr.mu.Unlock()
	if globalMgr.db == nil {
		return nil
	}
	err := globalMgr.db.Client().Disconnect(ctx)
	globalMgr.db = nil
	return err
}

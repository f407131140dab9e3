package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PSync/global"
	"PSync/logger"
	"PSync/module/syncer/conversation"
	"PSync/service/gateway"
	"PSync/service/mgo"
	rds "PSync/service/storage/redis"
	sec "PSync/tools/security"
)

func main() {
	confDir := flag.String("conf", "", "config directory with per-concern yaml files (empty = defaults)")
	flag.Parse()

	cfg, err := global.Load(*confDir)
	if err != nil {
		logger.Errorf("[main] config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := global.ConfigAll(ctx, cfg)
	if err != nil {
		logger.Errorf("[main] wiring: %v", err)
		os.Exit(1)
	}

	// conversation identity needs mongo before we serve
	wctx, wcancel := context.WithTimeout(ctx, 30*time.Second)
	defer wcancel()
	if err := mgo.WaitReady(wctx); err != nil {
		logger.Errorf("[main] mongo: %v", err)
		os.Exit(1)
	}
	coll := mgo.GetDB().Collection("conversations")
	if err := conversation.EnsureIndexes(wctx, coll); err != nil {
		logger.Errorf("[main] indexes: %v", err)
		os.Exit(1)
	}
	resolver := conversation.NewResolver(conversation.NewMongoStore(coll))

	srv := gateway.NewServer(gateway.Conf{
		Addr:        cfg.Gateway.Addr,
		GatewayID:   cfg.Gateway.ID,
		JWT:         sec.DefaultOptions(global.GetJwtSecret(cfg)),
		PresenceTTL: cfg.Gateway.PresenceTTL,
	}, bus, resolver)

	go func() {
		if err := srv.Run(); err != nil {
			logger.Errorf("[main] serve: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Infof("[main] signal %v, shutting down", s)
	case <-ctx.Done():
	}

	srv.Close()
	if bus != nil {
		_ = bus.Close()
	}
	_ = mgo.Close(context.Background())
	_ = rds.CloseRedis()
}

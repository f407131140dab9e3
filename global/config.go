package global

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"PSync/logger"
	"PSync/service/mgo"
	"PSync/service/natsx"
	rds "PSync/service/storage/redis"
	"PSync/tools/ids"

	pkgerr "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ===== app config =====

// Per-concern sections. Each names its own yaml file so a deployment can
// override one concern without repeating the rest.

type GatewayConfig struct {
	Addr        string        `yaml:"addr"`
	ID          string        `yaml:"id"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

func (GatewayConfig) GetConfigFileName() string { return "gateway.yaml" }

type RedisConfig rds.Config

func (RedisConfig) GetConfigFileName() string { return "redis.yaml" }

type MongoConfig mgo.Config

func (MongoConfig) GetConfigFileName() string { return "mongo.yaml" }

type NatsConfig natsx.Config

func (NatsConfig) GetConfigFileName() string { return "nats.yaml" }

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	IDNode    int64  `yaml:"id_node"`
}

func (AuthConfig) GetConfigFileName() string { return "auth.yaml" }

type AppConfig struct {
	Gateway GatewayConfig
	Redis   RedisConfig
	Mongo   MongoConfig
	Nats    NatsConfig
	Auth    AuthConfig
}

func Default() AppConfig {
	return AppConfig{
		Gateway: GatewayConfig{
			Addr:        ":8080",
			ID:          "gw-1",
			PresenceTTL: 45 * time.Second,
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379", DB: 0},
		Mongo: MongoConfig{
			Uri:         "mongodb://localhost:27017",
			Database:    "psync",
			MaxPoolSize: 20,
		},
		Nats: NatsConfig{Name: "psync-gateway"},
		Auth: AuthConfig{
			JWTSecret: "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=",
			IDNode:    100,
		},
	}
}

type fileConfig interface {
	GetConfigFileName() string
}

// Load overlays per-concern yaml files from dir onto the defaults. Sections
// register their file through GetConfigFileName; absent files keep defaults.
func Load(dir string) (AppConfig, error) {
	cfg := Default()
	if dir == "" {
		return cfg, nil
	}

	val := reflect.ValueOf(&cfg).Elem()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i).Addr().Interface()
		fc, ok := field.(fileConfig)
		if !ok {
			continue
		}
		name := filepath.Join(dir, fc.GetConfigFileName())
		raw, err := os.ReadFile(name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, pkgerr.Wrapf(err, "read %s", name)
		}
		if err := yaml.Unmarshal(raw, field); err != nil {
			return cfg, pkgerr.Wrapf(err, "parse %s", name)
		}
		logger.Infof("[global] loaded %s", name)
	}
	return cfg, nil
}

func GetJwtSecret(cfg AppConfig) []byte { return []byte(cfg.Auth.JWTSecret) }

// ===== wiring =====

func ConfigIds(cfg AppConfig) {
	ids.SetNodeID(cfg.Auth.IDNode)
}

func ConfigRedis(cfg AppConfig) error {
	return rds.InitRedis(rds.Config(cfg.Redis))
}

func ConfigMgo(ctx context.Context, cfg AppConfig) {
	mc := mgo.Config(cfg.Mongo)
	mgo.StartAsync(ctx, &mc)
}

// ConfigNats returns nil when no servers are configured (single-node mode).
func ConfigNats(cfg AppConfig) (*natsx.Manager, error) {
	if len(cfg.Nats.Servers) == 0 {
		logger.Infof("[global] nats disabled, single-node delivery only")
		return nil, nil
	}
	return natsx.NewManager(natsx.Config(cfg.Nats))
}

// ConfigAll wires the shared infrastructure in dependency order. Mongo comes
// up in the background; callers that need it wait via mgo.WaitReady.
func ConfigAll(ctx context.Context, cfg AppConfig) (*natsx.Manager, error) {
	ConfigIds(cfg)
	if err := ConfigRedis(cfg); err != nil {
		return nil, pkgerr.Wrap(err, "redis init")
	}
	ConfigMgo(ctx, cfg)
	return ConfigNats(cfg)
}

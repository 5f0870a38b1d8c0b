package cache

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	"tilecast/api-coordinator/internal/config"
)

func NewRedisClient(cfg config.RedisConfig, logger log.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password, // opcional
		DB:       cfg.DB,
	})

	level.Info(logger).Log("msg", "[REDIS] Conectando", "addr", cfg.Addr, "db", cfg.DB)
	return client
}

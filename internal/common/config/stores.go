package config

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client of the job queues. A single address connects to a standalone
// server, several to a cluster, and a MasterName switches to sentinel failover.
type RedisConfig struct {
	Addrs      []string `validate:"required,min=1"`
	DB         int      `validate:"gte=0,lte=16"`
	Username   string
	Password   string
	MasterName string
	// Connections kept open per node.
	PoolSize        int `validate:"gt=0"`
	MinIdleConns    int `validate:"gte=0"`
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRetries      int
}

func (c RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           c.Addrs,
		DB:              c.DB,
		Username:        c.Username,
		Password:        c.Password,
		MasterName:      c.MasterName,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		MaxRetries:      c.MaxRetries,
	}
}

// PostgresConfig configures the pool backing the build repository. Connection holds libpq keywords,
// e.g. host, port, user, dbname and sslmode.
type PostgresConfig struct {
	MaxConns        int32 `validate:"gte=0"`
	MinConns        int32 `validate:"gte=0"`
	ConnMaxLifetime time.Duration
	Connection      map[string]string `validate:"required"`
}

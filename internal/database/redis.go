package database

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// InitRedis builds the client for the wallet's side channels: the
// wallet_notifications queue and the payment_alerts queue. The ledger itself
// never depends on Redis, so an unreachable server degrades to a nil client
// (queue writers log and drop) instead of aborting startup.
func InitRedis() *redis.Client {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout", 5*time.Second)

	rdb := redis.NewClient(&redis.Options{
		Addr:        viper.GetString("redis.host") + ":" + viper.GetString("redis.port"),
		Password:    viper.GetString("redis.password"),
		DB:          viper.GetInt("redis.db"),
		DialTimeout: viper.GetDuration("redis.dial_timeout"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[REDIS] Connection failed, queues disabled: %v", err)
		return nil
	}

	log.Println("[REDIS] Connection established")
	return rdb
}

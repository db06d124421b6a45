package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Options configures a client for one Redis endpoint.
type Options struct {
	Address  string
	Username string
	Password string
}

// Connect opens a client and waits until the server answers PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	const maxRetries = 10
	const retryInterval = 2 * time.Second

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           0,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     50,
	})

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			log.Info().Str("addr", opts.Address).Msg("connected to redis")
			return rdb, nil
		}
		log.Error().Err(err).
			Int("attempt", attempt).
			Str("addr", opts.Address).
			Msgf("failed to reach redis, retrying in %s", retryInterval)

		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("could not reach redis at %s after %d attempts: %w", opts.Address, maxRetries, err)
}

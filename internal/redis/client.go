package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps the go-redis client shared by the rate limiter and the idempotency cache
type Client struct {
	*redis.Client
}

// NewClient parses redisURL and pings the server within ctx
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// IssuanceKey is where an issued outcome is cached for one idempotency key hash
func IssuanceKey(keyHash string) string {
	return fmt.Sprintf("idempotency:issue:%s", keyHash)
}

// SubmitLimitKey scopes the quiz submission rate limit to one client IP
func SubmitLimitKey(ip string) string {
	return fmt.Sprintf("ip:submit:%s", ip)
}

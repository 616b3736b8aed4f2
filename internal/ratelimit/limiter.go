package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/storyloom/storyloom/internal/config"
)

const (
	keyAuthorizeAccount = "authorize:account:%s"
	keyWebhookProvider  = "webhook:provider:%s"
)

// RequestLimiter throttles the two write-heavy entry points: authorization
// per account and webhook ingestion per provider. A nil limiter (no Redis
// configured) allows everything, so single-node deployments work without
// Redis.
type RequestLimiter struct {
	enabled bool

	bucket *TokenBucket

	authorizeRate  float64
	authorizeBurst int
	webhookRate    float64
	webhookBurst   int
}

func NewRequestLimiter(cfg config.Config) (*RequestLimiter, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	return &RequestLimiter{
		enabled:        true,
		bucket:         NewTokenBucket(client),
		authorizeRate:  cfg.AuthorizeRateLimit,
		authorizeBurst: cfg.AuthorizeRateBurst,
		webhookRate:    cfg.WebhookRateLimit,
		webhookBurst:   cfg.WebhookRateBurst,
	}, nil
}

func (l *RequestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *RequestLimiter) AllowAuthorize(ctx context.Context, accountID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyAuthorizeAccount, strings.TrimSpace(accountID))
	return l.bucket.Allow(ctx, key, l.authorizeRate, l.authorizeBurst)
}

func (l *RequestLimiter) AllowWebhook(ctx context.Context, provider string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.webhookRate, l.webhookBurst)
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamAdder is the subset of redis.Cmdable the publisher uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends events to a Redis stream, capped at maxLen entries
// (approximate trimming; 0 means unbounded).
type RedisPublisher struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisPublisher connects to addr and publishes to stream.
func NewRedisPublisher(addr, stream string, maxLen int64, logger *zap.Logger) *RedisPublisher {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	p := newRedisPublisher(rdb, stream, maxLen, logger)
	p.closer = rdb.Close
	return p
}

func newRedisPublisher(c streamAdder, stream string, maxLen int64, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: c, stream: stream, maxLen: maxLen, logger: logger}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	values := map[string]any{
		"type":        string(e.Type),
		"chain_id":    e.ChainID,
		"sequence":    strconv.FormatInt(e.Sequence, 10),
		"hash":        e.Hash,
		"occurred_at": e.OccurredAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	}
	if len(e.Attributes) > 0 {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		values["attributes"] = string(attrs)
	}

	args := &redis.XAddArgs{Stream: p.stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	p.logger.Debug("event published",
		zap.String("backend", "redis"),
		zap.String("type", string(e.Type)),
		zap.String("chain_id", e.ChainID),
		zap.String("id", id),
	)
	return nil
}

// Close closes the underlying client when the publisher owns it.
func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

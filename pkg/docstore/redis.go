package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "docs:"
	publishTTL    = 5 * time.Second
)

// redisPayload is the message published for each changed path.
type redisPayload struct {
	Path string `json:"path"`
	At   int64  `json:"at"`
}

// RedisBus fans change notifications out through Redis pub/sub so every
// process observing a path sees writes made by any other.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, logger: logger}
}

// Publish announces that path changed.
func (r *RedisBus) Publish(ctx context.Context, path string) error {
	body, err := json.Marshal(redisPayload{Path: path, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+path, body).Err()
}

// Subscribe calls handler for every notification on path until cancel is called.
func (r *RedisBus) Subscribe(path string, handler func()) (cancel func(), err error) {
	channel := channelPrefix + path
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("dropping malformed docstore notification", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler()
			}
		}
	}()
	return cancelCtx, nil
}

package bus

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus is a Bus on redis pub/sub, linking server instances that share a
// redis deployment. The caller owns the client's lifecycle.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	if log == nil {
		log = zap.L()
	}
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	// Confirm the subscription before handing it out; transient failures
	// back off and retry until ctx is done.
	confirm := func() error {
		_, err := ps.Receive(ctx)
		return err
	}
	if err := backoff.Retry(confirm, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSub{ps: ps, ch: make(chan []byte, subBuffer)}
	go sub.pump(b.log, topic)
	return sub, nil
}

func (b *RedisBus) Close() error { return nil }

type redisSub struct {
	ps *redis.PubSub
	ch chan []byte
}

func (s *redisSub) pump(log *zap.Logger, topic string) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- []byte(msg.Payload):
		default:
			log.Warn("dropping bus message, subscriber backlog full",
				zap.String("topic", topic))
		}
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.ch }

func (s *redisSub) Close() error { return s.ps.Close() }

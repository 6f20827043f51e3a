// Package bus is the fan-out seam between server instances. Deltas published
// on a topic reach every subscriber on every instance; the in-process
// implementation keeps single-node deployments and tests broker-free.
package bus

import "context"

// Bus publishes and subscribes to opaque payloads by topic.
type Bus interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe opens a subscription on topic. The subscription is live
	// until Close.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Close releases the bus and all its subscriptions.
	Close() error
}

// Subscription is one topic stream. Messages delivers payloads in arrival
// order; the channel closes when the subscription does.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

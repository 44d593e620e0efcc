package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Broker fans encoded frames out to every hub instance, this one included.
type Broker interface {
	Publish(ctx context.Context, msg []byte) error
	// Subscribe returns once deliveries are flowing. deliver keeps being called until ctx ends.
	Subscribe(ctx context.Context, deliver func([]byte)) error
	Close() error
}

// LocalBroker delivers in-process. It is the default for a single hub.
type LocalBroker struct {
	mu   sync.RWMutex
	subs map[int]func([]byte)
	next int
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: map[int]func([]byte){}}
}

func (b *LocalBroker) Publish(_ context.Context, msg []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, deliver := range b.subs {
		deliver(msg)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, deliver func([]byte)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = deliver
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *LocalBroker) Close() error { return nil }

// RedisBroker relays frames through a redis pub/sub channel so several hubs
// behind a load balancer reach every connected client.
type RedisBroker struct {
	Client  *redis.Client
	Channel string
	Logger  log.FieldLogger
}

// NewRedisBroker connects using a redis:// URL.
func NewRedisBroker(url, channel string, logger log.FieldLogger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		return nil, errors.New("broker channel required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisBroker{Client: redis.NewClient(opts), Channel: channel, Logger: logger}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, msg []byte) error {
	return b.Client.Publish(ctx, b.Channel, msg).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, deliver func([]byte)) error {
	sub := b.Client.Subscribe(ctx, b.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}
	go b.consume(ctx, sub, deliver)
	return nil
}

func (b *RedisBroker) consume(ctx context.Context, sub *redis.PubSub, deliver func([]byte)) {
	for {
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				deliver([]byte(msg.Payload))
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger().WithField("channel", b.Channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		sub = b.Client.Subscribe(ctx, b.Channel)
	}
}

func (b *RedisBroker) Close() error { return b.Client.Close() }

func (b *RedisBroker) logger() log.FieldLogger {
	if b.Logger != nil {
		return b.Logger
	}
	return log.StandardLogger()
}

package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wardsim/pkg/types"
)

// RedisBus publishes on a Redis pub/sub channel. Every instance, the
// publisher included, receives messages through its subscription, so local
// subscribers see exactly one copy.
type RedisBus struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	logger  *zap.Logger
	subs    subscribers

	closeOnce sync.Once
	done      chan struct{}
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus subscribes to channel and starts the receive loop. It returns
// once Redis has confirmed the subscription.
func NewRedisBus(ctx context.Context, client *redis.Client, channel string, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b := &RedisBus{
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		logger:  logger.Named("fanout"),
		done:    make(chan struct{}),
	}
	go b.receiveLoop()
	return b, nil
}

func (b *RedisBus) receiveLoop() {
	defer close(b.done)
	for m := range b.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.logger.Warn("dropping undecodable fanout message", zap.Error(err))
			continue
		}
		if err := msg.Validate(); err != nil {
			b.logger.Warn("dropping invalid fanout message", zap.String("kind", string(msg.Kind)))
			continue
		}
		b.subs.dispatch(msg)
	}
}

func (b *RedisBus) Subscribe(h Handler) func() {
	return b.subs.add(h)
}

func (b *RedisBus) publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode fanout message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) SessionStarted(ctx context.Context, session *types.WardSession) error {
	return b.publish(ctx, Message{Kind: KindSessionStarted, Session: session})
}

func (b *RedisBus) SessionEnded(ctx context.Context, session *types.WardSession) error {
	return b.publish(ctx, Message{Kind: KindSessionEnded, Session: session})
}

func (b *RedisBus) PatientUpdated(ctx context.Context, signal *types.UpdateSignal) error {
	return b.publish(ctx, Message{Kind: KindPatientUpdated, Signal: signal})
}

// Close unsubscribes and waits for the receive loop. The client is not closed.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		<-b.done
	})
	return err
}

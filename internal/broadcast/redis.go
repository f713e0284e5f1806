package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans messages out across API instances with Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

func NewRedisBus(redisURL string, logger *log.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBusWithClient(redis.NewClient(opts), logger), nil
}

func NewRedisBusWithClient(client *redis.Client, logger *log.Logger) *RedisBus {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	return &RedisBus{client: client, prefix: "sync:", logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published after it returns are not lost.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.prefix+channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Message, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.loop(b.logger)
	return sub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *redisSub) loop(logger *log.Logger) {
	defer s.wg.Done()
	defer close(s.ch)

	incoming := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-incoming:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				logger.Printf("Failed to decode message on %s: %v", raw.Channel, err)
				continue
			}
			select {
			case s.ch <- msg:
			case <-s.done:
				return
			default:
				logger.Printf("Warning: subscriber buffer full on %s, dropping %s", raw.Channel, msg.Type)
			}
		}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}

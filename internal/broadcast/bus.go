package broadcast

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
)

var ErrClosed = errors.New("broadcast: closed")

// Subscription delivers messages published on one channel.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus is a publish/subscribe transport keyed by channel name. Publishers
// receive their own messages back; filtering by tab id is up to the caller.
type Bus interface {
	Publish(ctx context.Context, channel string, msg Message) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

const subscriptionBuffer = 64

// LocalBus delivers messages in process. A subscriber whose buffer is full
// misses the message; the next save echo or broadcast brings it back in line.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	logger *log.Logger
}

func NewLocalBus(logger *log.Logger) *LocalBus {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	return &LocalBus{subs: make(map[string]map[*localSub]struct{}), logger: logger}
}

func (b *LocalBus) Publish(ctx context.Context, channel string, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[channel] {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Printf("Warning: subscriber buffer full on %s, dropping %s", channel, msg.Type)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &localSub{bus: b, channel: channel, ch: make(chan Message, subscriptionBuffer)}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*localSub]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Subscribers reports how many subscriptions a channel has.
func (b *LocalBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

type localSub struct {
	bus     *LocalBus
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *localSub) C() <-chan Message { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.channel], s)
		if len(s.bus.subs[s.channel]) == 0 {
			delete(s.bus.subs, s.channel)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

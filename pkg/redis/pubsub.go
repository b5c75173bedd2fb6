package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Pattern string
	Payload string
}

// Publish sends payload to every subscriber of channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if c.cmds == nil {
		return errNotInitialized
	}
	return c.cmds.Publish(ctx, channel, payload).Err()
}

// PSubscribe subscribes to the glob patterns and returns once the server has
// confirmed, so no message published afterwards is missed.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	if c.raw == nil {
		return nil, errNotInitialized
	}
	if len(patterns) == 0 {
		return nil, errors.New("at least one pattern is required")
	}
	ps := c.raw.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", strings.Join(patterns, ","), err)
	}
	return newSubscription(ps.Channel(), ps.Close), nil
}

// Subscription relays deliveries until Close is called or the connection
// drops. Messages is closed in both cases.
type Subscription struct {
	out       chan Message
	done      chan struct{}
	closeFn   func() error
	closeOnce sync.Once
}

func newSubscription(in <-chan *redis.Message, closeFn func() error) *Subscription {
	s := &Subscription{
		out:     make(chan Message, 256),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
	go s.relay(in)
	return s
}

func (s *Subscription) relay(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Channel: msg.Channel, Pattern: msg.Pattern, Payload: msg.Payload}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) Messages() <-chan Message {
	return s.out
}

func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.closeFn()
	})
	return err
}

package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgredis "github.com/angelmondragon/mediasearch-backend/pkg/redis"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

const (
	uploadChannelPrefix = "upload:"
	userChannelPrefix   = "user:"
	stopTimeout         = 2 * time.Second
	resubscribeDelay    = time.Second
)

// Subscription is a live pattern subscription on the bus.
type Subscription interface {
	Messages() <-chan pkgredis.Message
	Close() error
}

// Bus is the pub/sub transport shared by every process.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)
}

type redisBus struct {
	client *pkgredis.Client
}

// NewRedisBus adapts the shared redis client to Bus.
func NewRedisBus(client *pkgredis.Client) Bus {
	return redisBus{client: client}
}

func (b redisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload)
}

func (b redisBus) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	sub, err := b.client.PSubscribe(ctx, patterns...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Publisher sends progress events to the bus and, once started, forwards bus
// traffic to the connections held by the local Manager.
type Publisher struct {
	bus     Bus
	manager *Manager
	logg    *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewPublisher(bus Bus, manager *Manager, logg *logger.Logger) *Publisher {
	return &Publisher{bus: bus, manager: manager, logg: logg}
}

func uploadChannel(uploadID uuid.UUID) string { return uploadChannelPrefix + uploadID.String() }
func userChannel(userID uuid.UUID) string     { return userChannelPrefix + userID.String() }

// PublishProgress publishes msg for subscribers of uploadID. Failures are logged.
func (p *Publisher) PublishProgress(ctx context.Context, uploadID uuid.UUID, msg Message) {
	p.publish(ctx, uploadChannel(uploadID), msg)
}

// PublishToUser publishes msg to every connection of userID. Failures are logged.
func (p *Publisher) PublishToUser(ctx context.Context, userID uuid.UUID, msg Message) {
	p.publish(ctx, userChannel(userID), msg)
}

func (p *Publisher) publish(ctx context.Context, channel string, msg Message) {
	if p == nil || p.bus == nil {
		return
	}
	payload, err := Encode(msg)
	if err != nil {
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{"channel": channel, "error": err.Error()}), "realtime.publish.encode_failed")
		return
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{"channel": channel, "error": err.Error()}), "realtime.publish.failed")
	}
}

// Start launches the bus listener. Calling Start twice is a no-op.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.manager == nil {
		return
	}
	listenCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.listen(listenCtx, p.stopped)
	p.logg.Info(ctx, "realtime.listener.started")
}

// Stop cancels the listener and waits up to two seconds for it to exit.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
		return nil
	case <-time.After(stopTimeout):
		return errors.New("realtime listener did not stop in time")
	}
}

func (p *Publisher) listen(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	for {
		sub, err := p.bus.PSubscribe(ctx, uploadChannelPrefix+"*", userChannelPrefix+"*")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "realtime.listener.subscribe_failed")
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		p.drain(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		p.logg.Warn(ctx, "realtime.listener.disconnected")
		if !sleepCtx(ctx, resubscribeDelay) {
			return
		}
	}
}

func (p *Publisher) drain(ctx context.Context, sub Subscription) {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			p.route(ctx, msg)
		}
	}
}

// route forwards one bus message to the local connections it concerns.
func (p *Publisher) route(ctx context.Context, msg pkgredis.Message) {
	payload := []byte(msg.Payload)
	switch {
	case strings.HasPrefix(msg.Channel, uploadChannelPrefix):
		uploadID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, uploadChannelPrefix))
		if err != nil {
			return
		}
		p.manager.DeliverToUploadSubscribers(ctx, uploadID, payload)
	case strings.HasPrefix(msg.Channel, userChannelPrefix):
		userID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, userChannelPrefix))
		if err != nil {
			return
		}
		p.manager.Deliver(ctx, userID, payload)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

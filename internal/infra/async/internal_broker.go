package async

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

type BrokerTopicName string

// BrokerMessage is one event on the internal bus. Value carries the
// event-specific payload.
type BrokerMessage struct {
	Event string
	Value any
}

// InternalBroker is the in-process event bus connecting the links, the
// transfer channels, the scheduler and the light worker.
type InternalBroker interface {
	Subscribe(topic BrokerTopicName) (Subscription, error)
	Unsubscribe(topic BrokerTopicName, subscription Subscription) error
	Publish(ctx context.Context, topic BrokerTopicName, msg BrokerMessage) error
	Stop()
}

var (
	ErrTopicNotFound      = errors.New("topic not found")
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

var _ InternalBroker = (*LocalBroker)(nil)

// subscriberBuffer bounds each receiver so one stalled worker does not wedge
// publishers of unrelated events.
const subscriberBuffer = 16

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{
		subscribers: make(map[BrokerTopicName][]*subscriber),
	}
}

type LocalBroker struct {
	mu          sync.RWMutex
	subscribers map[BrokerTopicName][]*subscriber
	stopped     bool
}

// subscriber serializes delivery and close on its own mutex so a publish in
// flight can never hit a channel that safeClose just closed.
type subscriber struct {
	mu           sync.Mutex
	active       bool
	subscription Subscription
}

func (s *subscriber) send(ctx context.Context, msg BrokerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	select {
	case s.subscription.Receiver <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) safeClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.subscription.Receiver)
}

type Subscription struct {
	ID       string
	Receiver chan BrokerMessage
}

func (b *LocalBroker) Subscribe(topic BrokerTopicName) (Subscription, error) {
	subscription := Subscription{
		ID:       uuid.NewString(),
		Receiver: make(chan BrokerMessage, subscriberBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return Subscription{}, errors.New("broker stopped")
	}
	b.subscribers[topic] = append(b.subscribers[topic], &subscriber{subscription: subscription, active: true})
	return subscription, nil
}

func (b *LocalBroker) Unsubscribe(topic BrokerTopicName, subscription Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscribers, ok := b.subscribers[topic]
	if !ok {
		return ErrTopicNotFound
	}
	for _, s := range subscribers {
		if s.subscription.ID == subscription.ID {
			s.safeClose()
			return nil
		}
	}
	return ErrSubscriberNotFound
}

func (b *LocalBroker) Publish(ctx context.Context, topic BrokerTopicName, msg BrokerMessage) error {
	b.mu.RLock()
	subscribers, ok := b.subscribers[topic]
	b.mu.RUnlock()
	if !ok {
		return ErrTopicNotFound
	}

	for _, s := range subscribers {
		if err := s.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *LocalBroker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for _, subscribers := range b.subscribers {
		for _, s := range subscribers {
			s.safeClose()
		}
	}
}


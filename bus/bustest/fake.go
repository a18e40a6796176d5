// Package bustest provides a scripted in-memory bus for gateway tests.
package bustest

import (
	"context"
	"sync"

	"github.com/panyam/eventgw/bus"
)

// FakeConnector hands out FakeSubscriptions and remembers them so tests can
// inspect or drive the subscription a handler created.
type FakeConnector struct {
	mu           sync.Mutex
	subs         []*FakeSubscription
	SubscribeErr error

	// Script is applied to every subscription handed out, before it is
	// returned. Optional.
	Script func(*FakeSubscription)
}

var _ bus.Connector = (*FakeConnector)(nil)

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{}
}

func (c *FakeConnector) Subscribe(ctx context.Context) (bus.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	sub := NewFakeSubscription()
	if c.Script != nil {
		c.Script(sub)
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Last returns the most recently created subscription, or nil.
func (c *FakeConnector) Last() *FakeSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[len(c.subs)-1]
}

// FakeSubscription records lifecycle calls and lets tests inject deliveries
// and asynchronous errors.
type FakeSubscription struct {
	mu sync.Mutex

	ConnectErr error
	ResumeErr  error
	// BindErr, when set, is consulted per binding; return nil to accept.
	BindErr func(bus.Binding) error

	connected bool
	resumed   bool
	bound     []bus.Binding
	closes    int

	messages chan bus.Delivery
	errors   chan error
}

var _ bus.Subscription = (*FakeSubscription)(nil)

func NewFakeSubscription() *FakeSubscription {
	return &FakeSubscription{
		messages: make(chan bus.Delivery, 16),
		errors:   make(chan error, 4),
	}
}

func (s *FakeSubscription) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.connected = true
	return nil
}

func (s *FakeSubscription) Bind(ctx context.Context, b bus.Binding) error {
	s.mu.Lock()
	reject := s.BindErr
	s.mu.Unlock()
	// Run the script outside the lock; tests use blocking scripts to model
	// slow brokers.
	if reject != nil {
		if err := reject(b); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.bound = append(s.bound, b)
	s.mu.Unlock()
	return nil
}

func (s *FakeSubscription) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResumeErr != nil {
		return s.ResumeErr
	}
	s.resumed = true
	return nil
}

func (s *FakeSubscription) Messages() <-chan bus.Delivery { return s.messages }
func (s *FakeSubscription) Errors() <-chan error          { return s.errors }

func (s *FakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Deliver injects a message as if it arrived from the bus.
func (s *FakeSubscription) Deliver(d bus.Delivery) {
	s.messages <- d
}

// Fail injects an asynchronous subscription error.
func (s *FakeSubscription) Fail(err error) {
	s.errors <- err
}

func (s *FakeSubscription) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *FakeSubscription) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

func (s *FakeSubscription) Bound() []bus.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.Binding, len(s.bound))
	copy(out, s.bound)
	return out
}

// CloseCount reports how many times Close was invoked.
func (s *FakeSubscription) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Package bus defines the narrow capability interface the gateway consumes
// from the backend message bus, plus the AMQP implementation of it.
//
// A Connector hands out one Subscription per client session. The
// Subscription's lifetime is strictly contained within the session's: the
// session connects it, binds it, resumes it, drains its channels, and closes
// it exactly once.
package bus

import (
	"context"
	"encoding/json"
)

// Binding subscribes one session to one exchange/routing-key-pattern pair.
type Binding struct {
	Exchange          string `json:"exchange"`
	RoutingKeyPattern string `json:"routingKeyPattern"`
}

// Delivery is one message received from the bus. Payload is the raw message
// body as published; the remaining fields are routing metadata.
type Delivery struct {
	Exchange    string          `json:"exchange"`
	RoutingKey  string          `json:"routingKey"`
	Redelivered bool            `json:"redelivered"`
	Routes      []string        `json:"routes,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Subscription is a per-session handle on the bus. All methods may fail and
// failures must be handled by the owner, not swallowed.
//
// The lifecycle is Connect, zero or more Bind calls, Resume (which begins
// delivery on Messages), then Close. Bind may also be called after Resume.
// Messages and Errors stay valid until Close; asynchronous channel/connection
// failures surface on Errors.
type Subscription interface {
	Connect(ctx context.Context) error
	Bind(ctx context.Context, b Binding) error
	Resume(ctx context.Context) error
	Messages() <-chan Delivery
	Errors() <-chan error
	Close() error
}

// Connector creates Subscriptions, typically multiplexed over one shared
// backend connection.
type Connector interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

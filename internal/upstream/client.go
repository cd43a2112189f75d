package upstream

import (
	"context"
	"time"
)

// NodeHandle identifies a node in the upstream address space. Handles are
// only obtained from Browse results or configuration and are never built
// from display names.
type NodeHandle string

// Reference is one child returned by a browse call.
type Reference struct {
	Name   string
	Handle NodeHandle
}

// SubscriptionParams configures the upstream subscription.
type SubscriptionParams struct {
	PublishingInterval         time.Duration
	LifetimeCount              uint32
	KeepAliveCount             uint32
	MaxNotificationsPerPublish uint32
	Priority                   uint8
}

// MonitorParams configures each monitored item in a subscription.
type MonitorParams struct {
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
}

// DataChange is a single value change for a monitored item, keyed by the
// client handle supplied to Subscription.Monitor.
type DataChange struct {
	ClientHandle uint32
	Value        float64
}

// Notification is what a Client delivers on a subscription's channel. A
// notification with Terminated set means the upstream dropped the
// subscription; no further notifications follow it.
type Notification struct {
	Changes    []DataChange
	Terminated bool
	Err        error
}

// Client is the protocol collaborator. Implementations wrap a real protocol
// stack (see internal/uaclient) or an in-memory server (see internal/mock).
//
// Connect establishes both the transport and the protocol session.
// Implementations must be safe for concurrent use: an output write may race
// with Close during teardown and must then fail rather than corrupt state.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Browse(ctx context.Context, h NodeHandle) ([]Reference, error)
	Read(ctx context.Context, h NodeHandle) (float64, error)
	Write(ctx context.Context, h NodeHandle, v float64) error
	CreateSubscription(ctx context.Context, p SubscriptionParams, out chan<- Notification) (Subscription, error)
}

// Subscription is a live upstream subscription.
type Subscription interface {
	Monitor(ctx context.Context, h NodeHandle, clientHandle uint32, p MonitorParams) error
	Cancel(ctx context.Context) error
}

package eventbus

import (
	"context"
	"errors"
	"iter"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
)

var ErrClosed = errors.New("subscription closed")

// Publisher appends events to the log. The returned event carries the
// sequence number and timestamp the log assigned.
// [ISP] Services that only emit depend on this, not on the feed side.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// Subscription is a restartable, ordered view of the log.
type Subscription interface {
	ID() string
	// Next blocks until the next event is available, ctx is done, or the
	// subscription is closed.
	Next(ctx context.Context) (event.Event, error)
	// All yields events until ctx is done or the subscription is closed.
	All(ctx context.Context) iter.Seq[event.Event]
	// Dropped counts events discarded because this subscriber fell behind.
	Dropped() uint64
	Close()
}

// Feed hands out subscriptions that replay from a sequence number and then follow.
type Feed interface {
	Subscribe(ctx context.Context, fromSeq uint64) (Subscription, error)
	LastSequence() uint64
}

type EventBus interface {
	Publisher
	Feed
}

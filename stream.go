package docmap

import (
	"context"
	"time"

	"github.com/autom8ter/machine/v4"
)

// Action is the kind of change applied to a document
type Action string

const (
	// ActionCreate indicates a new document was inserted
	ActionCreate Action = "create"
	// ActionUpdate indicates an update expression was applied to a document
	ActionUpdate Action = "update"
)

// ChangeEvent describes a persisted change, broadcast per collection after a
// successful save
type ChangeEvent struct {
	// Collection is the collection the change was applied to
	Collection string `json:"collection"`
	// Action is the kind of change
	Action Action `json:"action"`
	// DocID is the changed document's primary key
	DocID string `json:"docId"`
	// Delta is the update expression that was applied - nil on create
	Delta *Delta `json:"delta,omitempty"`
	// Timestamp is when the change was persisted
	Timestamp time.Time `json:"timestamp"`
}

// Stream is a channel based pubsub interface
type Stream[T any] interface {
	// Broadcast broadcasts the message to the channel
	Broadcast(ctx context.Context, channel string, msg T)
	// Pull pulls messages from the channel until the function returns false
	// or an error
	Pull(ctx context.Context, channel string, fn func(T) (bool, error)) error
}

type defaultStream[T any] struct {
	machine machine.Machine
}

func newStream[T any](m machine.Machine) Stream[T] {
	return defaultStream[T]{machine: m}
}

func (d defaultStream[T]) Broadcast(ctx context.Context, channel string, msg T) {
	d.machine.Publish(ctx, machine.Message{
		Channel: channel,
		Body:    msg,
	})
}

func (d defaultStream[T]) Pull(ctx context.Context, channel string, fn func(T) (bool, error)) error {
	d.machine.Go(ctx, func(ctx context.Context) error {
		return d.machine.Subscribe(ctx, channel, func(ctx context.Context, msg machine.Message) (bool, error) {
			return fn(msg.Body.(T))
		})
	})
	return nil
}

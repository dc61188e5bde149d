package event_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vknguyen/typerank/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber should only receive the events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("result.created"),
						eventWithName("leaderboard.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "projector",
							subscribeTo: []string{"result.created"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("result.created")}, out.received["projector"])
			},
		},

		"every published occurrence should be delivered": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("result.created"),
						eventWithName("result.created"),
						eventWithName("result.created"),
					},
					subscribers: []subscriber{
						{
							name:        "projector",
							subscribeTo: []string{"result.created"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["projector"], 3)
			},
		},

		"an event should be dispatched to all subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("result.created"),
					},
					subscribers: []subscriber{
						{
							name:        "projector",
							subscribeTo: []string{"result.created"},
						},
						{
							name:        "notifier",
							subscribeTo: []string{"result.created"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("result.created")}, out.received["projector"])
				assert.ElementsMatch(t, []event.Event{eventWithName("result.created")}, out.received["notifier"])
			},
		},

		"multiple events should be routed to the correct subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("result.created"),
						eventWithName("leaderboard.updated"),
						eventWithName("result.created"),
					},
					subscribers: []subscriber{
						{
							name:        "projector",
							subscribeTo: []string{"result.created"},
						},
						{
							name:        "notifier",
							subscribeTo: []string{"result.created", "leaderboard.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["projector"], 2)
				assert.Len(t, out.received["notifier"], 3)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

// A handler failure or panic must stay inside the bus: later events still
// reach their handlers and the publisher is never affected.
func TestBus_HandlerFailureIsIsolated(t *testing.T) {
	t.Parallel()

	b := event.NewBus()

	var (
		mu       sync.Mutex
		received int
	)

	b.Subscribe("result.created", func(ctx context.Context, e event.Event) error {
		return fmt.Errorf("projection failed")
	})
	b.Subscribe("result.created", func(ctx context.Context, e event.Event) error {
		panic("projection panicked")
	})
	b.Subscribe("result.created", func(ctx context.Context, e event.Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), eventWithName("result.created"))
	b.Publish(context.Background(), eventWithName("result.created"))
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, received)
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}

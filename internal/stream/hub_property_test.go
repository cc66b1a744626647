package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: For any number of fast subscribers and messages, every
// subscriber on a channel receives every message published to that
// channel.
func TestProperty_AllFastSubscribersReceiveAllMessages(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("All fast subscribers receive all messages within timeout", prop.ForAll(
		func(numSubscribers, numMessages int) bool {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			hub := NewHub()
			hub.Start(ctx)
			defer hub.Stop()

			var received int64
			var wg sync.WaitGroup

			for i := 0; i < numSubscribers; i++ {
				ch := hub.Subscribe(ChannelAlerts)
				wg.Add(1)
				go func(ch <-chan Message) {
					defer wg.Done()
					count := 0
					timeout := time.After(5 * time.Second)
					for count < numMessages {
						select {
						case _, ok := <-ch:
							if !ok {
								return
							}
							count++
							atomic.AddInt64(&received, 1)
						case <-timeout:
							return
						}
					}
				}(ch)
			}

			for i := 0; i < numMessages; i++ {
				hub.Publish(Message{
					Channel:    ChannelAlerts,
					Content:    fmt.Sprintf("alert %d", i),
					ReceivedAt: time.Now(),
				})
			}

			wg.Wait()

			expected := int64(numSubscribers * numMessages)
			if atomic.LoadInt64(&received) != expected {
				t.Logf("received %d deliveries, want %d (subscribers=%d, messages=%d)",
					atomic.LoadInt64(&received), expected, numSubscribers, numMessages)
				return false
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// Property: Messages are delivered only to consumers registered for
// their channel; consumers with no channel filter see everything.
func TestProperty_ConsumerChannelRouting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Channel filters route messages to the right consumers", prop.ForAll(
		func(numAlerts, numAgent int) bool {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			hub := NewHub()

			var alertsSeen, agentSeen, allSeen int64
			var wg sync.WaitGroup
			total := numAlerts + numAgent
			wg.Add(2 * total)

			hub.RegisterConsumer(NewConsumerFunc([]Channel{ChannelAlerts}, func(ctx context.Context, msg Message) {
				defer wg.Done()
				atomic.AddInt64(&alertsSeen, 1)
			}))
			hub.RegisterConsumer(NewConsumerFunc([]Channel{ChannelAgent}, func(ctx context.Context, msg Message) {
				defer wg.Done()
				atomic.AddInt64(&agentSeen, 1)
			}))
			hub.RegisterConsumer(NewConsumerFunc(nil, func(ctx context.Context, msg Message) {
				defer wg.Done()
				atomic.AddInt64(&allSeen, 1)
			}))

			hub.Start(ctx)
			defer hub.Stop()

			for i := 0; i < numAlerts; i++ {
				hub.Publish(Message{Channel: ChannelAlerts, Content: "alert"})
			}
			for i := 0; i < numAgent; i++ {
				hub.Publish(Message{Channel: ChannelAgent, Content: "confirmation"})
			}

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Logf("timed out: alerts=%d agent=%d all=%d", alertsSeen, agentSeen, allSeen)
				return false
			}

			if atomic.LoadInt64(&alertsSeen) != int64(numAlerts) {
				t.Logf("alerts consumer saw %d, want %d", alertsSeen, numAlerts)
				return false
			}
			if atomic.LoadInt64(&agentSeen) != int64(numAgent) {
				t.Logf("agent consumer saw %d, want %d", agentSeen, numAgent)
				return false
			}
			if atomic.LoadInt64(&allSeen) != int64(total) {
				t.Logf("unfiltered consumer saw %d, want %d", allSeen, total)
				return false
			}
			return true
		},
		gen.IntRange(1, 25),
		gen.IntRange(1, 25),
	))

	properties.TestingRun(t)
}

func TestHubMetricsCountDrops(t *testing.T) {
	// A one-slot buffer with no running broadcast loop drops everything
	// past the first publish.
	hub := NewHubWithConfig(HubConfig{BufferSize: 1, SubscriberBufferSize: 1})

	hub.Publish(Message{Channel: ChannelAlerts, Content: "kept"})
	hub.Publish(Message{Channel: ChannelAlerts, Content: "dropped"})
	hub.Publish(Message{Channel: ChannelAlerts, Content: "dropped"})

	metrics := hub.Metrics()
	if metrics.MessagesDropped != 2 {
		t.Errorf("dropped = %d, want 2", metrics.MessagesDropped)
	}
}

// Package stream distributes inbound feed messages to consumers. The
// hub decouples the message source (a chat bridge, a file tail, stdin)
// from the pipeline stages that react to messages.
package stream

import (
	"context"
	"sync"
	"time"
)

// Channel identifies the logical source of a message.
type Channel string

const (
	// ChannelAlerts carries split-announcement alerts.
	ChannelAlerts Channel = "alerts"
	// ChannelAgent carries execution-agent output, order confirmations
	// and holdings reports.
	ChannelAgent Channel = "agent"
)

// Message is one raw inbound feed message.
type Message struct {
	Channel    Channel
	Author     string
	Content    string
	ReceivedAt time.Time
}

// HubConfig holds configuration for the message hub.
type HubConfig struct {
	// BufferSize is the size of the internal message channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Consumer processes messages delivered by the hub.
type Consumer interface {
	// OnMessage is called for each delivered message.
	OnMessage(ctx context.Context, msg Message)
	// Channels returns the channels this consumer wants. Empty means
	// all channels.
	Channels() []Channel
}

// Hub fans inbound messages out to subscribers and consumers. Publish
// is non-blocking; a full buffer drops the message rather than
// stalling the source.
type Hub struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers map[Channel][]*Subscriber
	msgChan     chan Message
	done        chan struct{}
	started     bool
	consumers   []Consumer
	consumersMu sync.RWMutex

	metricsMu         sync.RWMutex
	messagesReceived  uint64
	messagesBroadcast uint64
	messagesDropped   uint64
}

// Subscriber is a channel-based subscription with drop accounting.
type Subscriber struct {
	ID           string
	Channel      chan Message
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	return &Hub{
		config:      config,
		subscribers: make(map[Channel][]*Subscriber),
		msgChan:     make(chan Message, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case msg := <-h.msgChan:
			h.metricsMu.Lock()
			h.messagesReceived++
			h.metricsMu.Unlock()

			h.broadcast(msg)
			h.notifyConsumers(ctx, msg)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	close(h.done)
	h.started = false

	for channel, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, channel)
	}
}

// Subscribe returns a channel receiving every message on a feed channel.
func (h *Hub) Subscribe(channel Channel) <-chan Message {
	ch := make(chan Message, h.config.SubscriberBufferSize)
	sub := &Subscriber{Channel: ch, CreatedAt: time.Now()}

	h.mu.Lock()
	h.subscribers[channel] = append(h.subscribers[channel], sub)
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(channel Channel, ch <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[channel]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[channel]) == 0 {
		delete(h.subscribers, channel)
	}
}

// Publish hands a message to the hub. Non-blocking; drops on a full
// buffer so a stalled pipeline cannot back-pressure the feed source.
func (h *Hub) Publish(msg Message) {
	select {
	case h.msgChan <- msg:
	default:
		h.metricsMu.Lock()
		h.messagesDropped++
		h.metricsMu.Unlock()
	}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	subs := h.subscribers[msg.Channel]
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Channel <- msg:
			h.metricsMu.Lock()
			h.messagesBroadcast++
			h.metricsMu.Unlock()
		default:
			sub.DroppedCount++
			h.metricsMu.Lock()
			h.messagesDropped++
			h.metricsMu.Unlock()
		}
	}
}

// RegisterConsumer adds a consumer. Each delivery runs in its own
// goroutine so one slow consumer cannot block another.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

// UnregisterConsumer removes a consumer.
func (h *Hub) UnregisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	defer h.consumersMu.Unlock()

	for i, c := range h.consumers {
		if c == consumer {
			h.consumers = append(h.consumers[:i], h.consumers[i+1:]...)
			break
		}
	}
}

func (h *Hub) notifyConsumers(ctx context.Context, msg Message) {
	h.consumersMu.RLock()
	consumers := make([]Consumer, len(h.consumers))
	copy(consumers, h.consumers)
	h.consumersMu.RUnlock()

	for _, consumer := range consumers {
		channels := consumer.Channels()
		if len(channels) == 0 || containsChannel(channels, msg.Channel) {
			go consumer.OnMessage(ctx, msg)
		}
	}
}

func containsChannel(channels []Channel, channel Channel) bool {
	for _, c := range channels {
		if c == channel {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of subscribers on a feed channel.
func (h *Hub) SubscriberCount(channel Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// IsStarted reports whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Metrics returns hub counters.
func (h *Hub) Metrics() HubMetrics {
	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()

	return HubMetrics{
		MessagesReceived:  h.messagesReceived,
		MessagesBroadcast: h.messagesBroadcast,
		MessagesDropped:   h.messagesDropped,
	}
}

// HubMetrics contains hub delivery counters.
type HubMetrics struct {
	MessagesReceived  uint64
	MessagesBroadcast uint64
	MessagesDropped   uint64
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc struct {
	channels    []Channel
	onMessageFn func(context.Context, Message)
}

// NewConsumerFunc creates a ConsumerFunc.
func NewConsumerFunc(channels []Channel, onMessage func(context.Context, Message)) *ConsumerFunc {
	return &ConsumerFunc{channels: channels, onMessageFn: onMessage}
}

// OnMessage implements Consumer.
func (c *ConsumerFunc) OnMessage(ctx context.Context, msg Message) {
	if c.onMessageFn != nil {
		c.onMessageFn(ctx, msg)
	}
}

// Channels implements Consumer.
func (c *ConsumerFunc) Channels() []Channel {
	return c.channels
}

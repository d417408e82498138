package bus

import "sync"

// InboundMessage is a message received from a transport channel.
type InboundMessage struct {
	Channel    string `json:"channel"`
	SenderID   string `json:"sender_id"`
	ChatID     string `json:"chat_id"`
	Content    string `json:"content"`
	SessionKey string `json:"session_key"`
	UserID     string `json:"user_id,omitempty"`
}

// OutboundMessage is a message to deliver to a transport channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// Event is a server-side event broadcast to connected clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageBus fans inbound messages in to one consumer and outbound
// messages out to per-channel senders.
type MessageBus struct {
	mu        sync.RWMutex
	inbound   chan InboundMessage
	outbound  map[string]func(OutboundMessage)
	listeners []func(Event)
}

// New creates a message bus with a bounded inbound queue.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 256),
		outbound: make(map[string]func(OutboundMessage)),
	}
}

// PublishInbound enqueues a message from a channel.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// Inbound returns the consumer channel.
func (b *MessageBus) Inbound() <-chan InboundMessage {
	return b.inbound
}

// RegisterOutbound installs the sender for one channel name.
func (b *MessageBus) RegisterOutbound(channel string, send func(OutboundMessage)) {
	b.mu.Lock()
	b.outbound[channel] = send
	b.mu.Unlock()
}

// PublishOutbound delivers a message to its channel's sender, if any.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	send := b.outbound[msg.Channel]
	b.mu.RUnlock()
	if send != nil {
		send(msg)
	}
}

// Subscribe registers an event listener.
func (b *MessageBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Broadcast sends an event to every listener.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	listeners := make([]func(Event), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
}

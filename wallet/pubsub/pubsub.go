// Package pubsub is a small in-process topic broker. The ledger uses it
// to notify balance changes to any number of listeners.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

// messages are dropped for subscribers that fall this far behind
const subscriberBuffer = 16

type Message struct {
	topic   string
	payload []byte
}

func NewMessage(msg []byte, topic string) *Message {
	return &Message{
		topic:   topic,
		payload: msg,
	}
}

func (m *Message) Topic() string {
	return m.topic
}

func (m *Message) Payload() []byte {
	return m.payload
}

type Subscribers map[string]*Subscriber

type PubSub struct {
	topics map[string]Subscribers
	mu     sync.RWMutex
}

func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]Subscribers),
	}
}

func (b *PubSub) Subscribe(topic string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(Subscribers)
	}
	s := NewSubscriber()
	b.topics[topic][s.id] = s

	return s
}

// Unsubscribe removes the subscriber from the topic and closes it.
func (b *PubSub) Unsubscribe(s *Subscriber, topic string) {
	b.mu.Lock()
	delete(b.topics[topic], s.id)
	b.mu.Unlock()

	s.Close()
}

// Publish never blocks: a subscriber whose buffer is full misses the message.
func (b *PubSub) Publish(topic string, msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.topics[topic] {
		s.signal(NewMessage(msg, topic))
	}
}

// Close closes every subscriber of every topic.
func (b *PubSub) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subscribers := range b.topics {
		for _, s := range subscribers {
			s.Close()
		}
		delete(b.topics, topic)
	}
}

type Subscriber struct {
	id       string
	messages chan *Message
	active   bool
	mu       sync.Mutex
}

func NewSubscriber() *Subscriber {
	return &Subscriber{
		id:       uuid.NewString(),
		messages: make(chan *Message, subscriberBuffer),
		active:   true,
	}
}

func (s *Subscriber) Id() string {
	return s.id
}

func (s *Subscriber) signal(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *Subscriber) GetMessages() <-chan *Message {
	return s.messages
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		s.active = false
		close(s.messages)
	}
}

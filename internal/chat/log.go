// Package chat keeps the per-room chat and system message history.
package chat

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultCapacity = 1000
	updateBuffer    = 256
)

var ErrEmptyTopic = errors.New("empty topic")

type Message struct {
	System    bool
	Username  string
	Text      string
	Timestamp time.Time
}

type Update struct {
	Topic   string
	Message Message
}

// ring holds at most cap(buf) messages; start points at the oldest.
type ring struct {
	buf   []Message
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Message, capacity)}
}

func (r *ring) push(m Message) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = m
		r.size++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) slice() []Message {
	out := make([]Message, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Log is an append-only history per room, capped per room with the oldest
// entries evicted first.
type Log struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[string]*ring
	updates  chan Update
	now      func() time.Time
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		rooms:    make(map[string]*ring),
		updates:  make(chan Update, updateBuffer),
		now:      time.Now,
	}
}

func (l *Log) AddUser(topic, username, text string, ts time.Time) error {
	if ts.IsZero() {
		ts = l.now()
	}
	return l.add(topic, Message{Username: username, Text: text, Timestamp: ts})
}

func (l *Log) AddSystem(topic, text string) error {
	return l.add(topic, Message{System: true, Text: text, Timestamp: l.now()})
}

func (l *Log) add(topic string, m Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	l.mu.Lock()
	r, ok := l.rooms[topic]
	if !ok {
		r = newRing(l.capacity)
		l.rooms[topic] = r
	}
	r.push(m)
	l.mu.Unlock()

	l.publish(Update{Topic: topic, Message: m})
	return nil
}

// Messages returns a copy of the room history, oldest first.
func (l *Log) Messages(topic string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.rooms[topic]
	if !ok {
		return nil
	}
	return r.slice()
}

// Clear drops the room history and leaves a single notice in its place.
func (l *Log) Clear(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	l.mu.Lock()
	l.rooms[topic] = newRing(l.capacity)
	l.mu.Unlock()

	return l.AddSystem(topic, "Chat history cleared")
}

func (l *Log) Remove(topic string) {
	l.mu.Lock()
	delete(l.rooms, topic)
	l.mu.Unlock()
}

// Updates delivers every appended message. Slow readers miss updates rather
// than stall writers.
func (l *Log) Updates() <-chan Update {
	return l.updates
}

func (l *Log) publish(u Update) {
	select {
	case l.updates <- u:
	default:
	}
}

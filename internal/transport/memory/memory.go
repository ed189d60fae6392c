// Package memory is an in-process swarm. Every pair of members joined to the
// same topic on one Network gets a connected pair of conns.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

const connBuffer = 256

var ErrConnClosed = errors.New("connection closed")

type Network struct {
	mu     sync.Mutex
	topics map[string]map[*membership]struct{}
}

func NewNetwork() *Network {
	return &Network{topics: make(map[string]map[*membership]struct{})}
}

// Swarm returns a member of the network identified by key.
func (n *Network) Swarm(key []byte) *Swarm {
	return &Swarm{network: n, key: append([]byte(nil), key...)}
}

type Swarm struct {
	network *Network
	key     []byte

	mu      sync.Mutex
	members []*membership
	closed  bool
}

var _ transport.Swarm = (*Swarm)(nil)

func (s *Swarm) Join(ctx context.Context, topic string) (transport.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport.ErrClosed
	}
	m := &membership{
		swarm: s,
		topic: topic,
		conns: make(chan transport.Conn, connBuffer),
	}
	s.members = append(s.members, m)
	s.mu.Unlock()

	n := s.network
	n.mu.Lock()
	defer n.mu.Unlock()

	existing := n.topics[topic]
	if existing == nil {
		existing = make(map[*membership]struct{})
		n.topics[topic] = existing
	}
	for other := range existing {
		a, b := newPipe(s.key, other.swarm.key)
		m.deliver(a)
		other.deliver(b)
	}
	existing[m] = struct{}{}
	return m, nil
}

func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	members := s.members
	s.members = nil
	s.mu.Unlock()

	for _, m := range members {
		_ = m.Leave(context.Background())
	}
	return nil
}

type membership struct {
	swarm *Swarm
	topic string
	conns chan transport.Conn

	mu     sync.Mutex
	open   []*Conn
	closed bool
}

// deliver is called with the network lock held.
func (m *membership) deliver(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = c.Close()
		return
	}
	m.open = append(m.open, c)
	select {
	case m.conns <- c:
	default:
		_ = c.Close()
	}
}

func (m *membership) Conns() <-chan transport.Conn {
	return m.conns
}

func (m *membership) Leave(ctx context.Context) error {
	n := m.swarm.network
	n.mu.Lock()
	if members := n.topics[m.topic]; members != nil {
		delete(members, m)
		if len(members) == 0 {
			delete(n.topics, m.topic)
		}
	}
	n.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := m.open
	m.open = nil
	close(m.conns)
	m.mu.Unlock()

	for _, c := range open {
		_ = c.Close()
	}
	return ctx.Err()
}

// Conn is one end of an in-memory pipe.
type Conn struct {
	remoteKey []byte
	peer      *Conn
	link      *link

	mu         sync.RWMutex
	recv       chan []byte
	recvClosed bool
}

// link is shared by both ends; closing either end closes both.
type link struct {
	once sync.Once
	done chan struct{}
	ends [2]*Conn

	mu  sync.Mutex
	err error
}

var _ transport.Conn = (*Conn)(nil)

func newPipe(keyA, keyB []byte) (*Conn, *Conn) {
	l := &link{done: make(chan struct{})}
	a := &Conn{remoteKey: keyB, recv: make(chan []byte, connBuffer), link: l}
	b := &Conn{remoteKey: keyA, recv: make(chan []byte, connBuffer), link: l}
	a.peer = b
	b.peer = a
	l.ends = [2]*Conn{a, b}
	return a, b
}

func (c *Conn) RemoteKey() []byte {
	return c.remoteKey
}

// Send blocks until the peer's queue has room or the link closes.
func (c *Conn) Send(data []byte) error {
	buf := append([]byte(nil), data...)

	dst := c.peer
	dst.mu.RLock()
	defer dst.mu.RUnlock()

	if dst.recvClosed {
		return ErrConnClosed
	}
	select {
	case <-c.link.done:
		return ErrConnClosed
	default:
	}

	select {
	case dst.recv <- buf:
		return nil
	case <-c.link.done:
		return ErrConnClosed
	}
}

func (c *Conn) Recv() <-chan []byte {
	return c.recv
}

func (c *Conn) Err() error {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	return c.link.err
}

func (c *Conn) Close() error {
	c.link.close()
	return nil
}

// CloseWithError closes the link and makes both ends report err.
func (c *Conn) CloseWithError(err error) {
	c.link.mu.Lock()
	if c.link.err == nil {
		c.link.err = err
	}
	c.link.mu.Unlock()
	c.link.close()
}

// close wakes blocked senders before taking each end's write lock, so no
// Send is left holding a read lock when recv is closed.
func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		for _, end := range l.ends {
			end.mu.Lock()
			end.recvClosed = true
			close(end.recv)
			end.mu.Unlock()
		}
	})
}

package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"

	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

const dialTimeout = 30 * time.Second

// membership tracks one joined topic. Of each pair of members, the one with
// the smaller peer ID opens the room stream; the other knocks.
type membership struct {
	swarm  *Swarm
	topic  string
	conns  chan transport.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	live    map[peer.ID]*streamConn
	dialing map[peer.ID]bool
	wg      sync.WaitGroup
}

var _ transport.Membership = (*membership)(nil)

func newMembership(s *Swarm, topic string) *membership {
	ctx, cancel := context.WithCancel(s.ctx)
	return &membership{
		swarm:   s,
		topic:   topic,
		conns:   make(chan transport.Conn, 16),
		ctx:     ctx,
		cancel:  cancel,
		live:    make(map[peer.ID]*streamConn),
		dialing: make(map[peer.ID]bool),
	}
}

func (m *membership) Conns() <-chan transport.Conn {
	return m.conns
}

// Leave stops advertising. Delivered connections are closed by their owner.
func (m *membership) Leave(ctx context.Context) error {
	m.swarm.removeMember(m)
	m.cancel()

	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.conns)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *membership) consider(id peer.ID) {
	self := m.swarm.host.ID()
	if id == self {
		return
	}

	m.mu.Lock()
	busy := m.closed || m.live[id] != nil || m.dialing[id]
	m.mu.Unlock()
	if busy {
		return
	}

	if self < id {
		m.dial(id)
	} else {
		m.knock(id)
	}
}

func (m *membership) dial(id peer.ID) {
	m.mu.Lock()
	if m.closed || m.live[id] != nil || m.dialing[id] {
		m.mu.Unlock()
		return
	}
	m.dialing[id] = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dialing, id)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
		defer cancel()

		stream, err := m.swarm.host.NewStream(ctx, id, RoomProtocol)
		if err != nil {
			m.swarm.logger.Debug("Room stream failed", "peer", id.String(), "error", err)
			return
		}
		if err := transport.WriteFrame(stream, []byte(m.topic)); err != nil {
			_ = stream.Reset()
			return
		}
		m.accept(stream)
	}()
}

func (m *membership) knock(id peer.ID) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
		defer cancel()

		stream, err := m.swarm.host.NewStream(ctx, id, KnockProtocol)
		if err != nil {
			m.swarm.logger.Debug("Knock failed", "peer", id.String(), "error", err)
			return
		}
		if err := transport.WriteFrame(stream, []byte(m.topic)); err != nil {
			_ = stream.Reset()
			return
		}
		_ = stream.Close()
	}()
}

// accept hands a negotiated stream to the room, keeping one per peer.
func (m *membership) accept(stream network.Stream) {
	id := stream.Conn().RemotePeer()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.live[id] != nil {
		_ = stream.Reset()
		return
	}

	var conn *streamConn
	conn, err := newStreamConn(stream, func() {
		m.mu.Lock()
		if m.live[id] == conn {
			delete(m.live, id)
		}
		m.mu.Unlock()
	})
	if err != nil {
		_ = stream.Reset()
		return
	}
	m.live[id] = conn

	select {
	case m.conns <- conn:
	case <-m.ctx.Done():
		delete(m.live, id)
		_ = stream.Reset()
	}
}

func (m *membership) findLoop(ns string) {
	ticker := time.NewTicker(m.swarm.config.FindPeriod)
	defer ticker.Stop()

	for {
		m.find(ns)
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *membership) find(ns string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.swarm.config.FindPeriod)
	defer cancel()

	found, err := m.swarm.discovery.FindPeers(ctx, ns)
	if err != nil {
		m.swarm.logger.Debug("FindPeers failed", "error", err)
		return
	}
	for info := range found {
		if info.ID == m.swarm.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		m.swarm.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		m.consider(info.ID)
	}
}

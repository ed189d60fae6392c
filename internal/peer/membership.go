package peer

import (
	"context"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport/webrtc"
)

const dialTimeout = 30 * time.Second

// membership is one announced topic. It owns the data channels opened for
// that topic until they are handed to the room.
type membership struct {
	client *Client
	topic  string
	conns  chan transport.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ transport.Membership = (*membership)(nil)

func newMembership(c *Client, topic string) *membership {
	ctx, cancel := context.WithCancel(c.ctx)
	return &membership{
		client: c,
		topic:  topic,
		conns:  make(chan transport.Conn, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *membership) Conns() <-chan transport.Conn {
	return m.conns
}

// Leave withdraws the topic. Connections already delivered belong to the
// room and are closed by it.
func (m *membership) Leave(ctx context.Context) error {
	m.client.removeMember(m)
	err := m.client.tracker.Send(ctx, &protocol.Withdraw{Topic: m.topic})
	m.wg.Wait()
	return err
}

func (m *membership) dial(key protocol.PeerKey) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
		defer cancel()

		conn, err := m.client.rtc.Connect(ctx, peerID(m.topic, key))
		if err != nil {
			if m.ctx.Err() == nil {
				m.client.logger.Warn("Failed to connect to peer", "peer", key.String()[:8], "error", err)
			}
			return
		}
		m.deliver(conn, key)
	}()
}

func (m *membership) deliver(conn *webrtc.Conn, key protocol.PeerKey) {
	c := &peerConn{Conn: conn, key: key, rtc: m.client.rtc}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = c.Close()
		return
	}
	select {
	case m.conns <- c:
	case <-m.ctx.Done():
		_ = c.Close()
	}
}

func (m *membership) shutdown() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.conns)
	}
}

// peerConn attaches the tracker-authenticated key to a data channel.
type peerConn struct {
	*webrtc.Conn
	key protocol.PeerKey
	rtc *webrtc.Transport
}

var _ transport.Conn = (*peerConn)(nil)

func (p *peerConn) RemoteKey() []byte {
	return p.key[:]
}

func (p *peerConn) Close() error {
	return p.rtc.Release(p.Conn)
}

// Package peer is the tracker-mode swarm: a QUIC control link to the tracker
// finds room members and relays WebRTC signaling; room traffic then flows
// over direct data channels.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport/webrtc"
)

var (
	ErrNotConnected  = errors.New("not connected to tracker")
	ErrAlreadyJoined = errors.New("topic already joined")
)

type Client struct {
	config    Config
	logger    *slog.Logger
	endpoint  *transport.Endpoint
	tracker   *transport.Peer
	sessionID string
	self      protocol.PeerKey
	rtc       *webrtc.Transport
	signaler  *signaler

	// joinMu serializes announces so each reply has one waiter.
	joinMu  sync.Mutex
	mu      sync.Mutex
	members map[string]*membership
	pending chan protocol.Message
	pongs   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ transport.Swarm = (*Client)(nil)

// NewClient connects to the tracker and waits for its welcome.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "0.0.0.0:0"
	}

	endpoint, err := transport.NewEndpoint(addr, cfg.Key)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to tracker", "tracker", cfg.TrackerAddr)
	tracker, err := endpoint.Dial(ctx, cfg.TrackerAddr)
	if err != nil {
		_ = endpoint.Close()
		return nil, fmt.Errorf("dialing tracker %s: %w", cfg.TrackerAddr, err)
	}

	msg, err := tracker.Receive(ctx)
	if err != nil {
		_ = tracker.Close()
		_ = endpoint.Close()
		return nil, fmt.Errorf("waiting for welcome: %w", err)
	}
	welcome, ok := msg.(*protocol.Welcome)
	if !ok {
		_ = tracker.Close()
		_ = endpoint.Close()
		return nil, fmt.Errorf("expected WELCOME, got %s", msg.Type())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:    cfg,
		logger:    logger,
		endpoint:  endpoint,
		tracker:   tracker,
		sessionID: welcome.SessionID,
		self:      welcome.Key,
		members:   make(map[string]*membership),
		pongs:     make(chan struct{}, 1),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.signaler = newSignaler(c)
	c.rtc = webrtc.New(c.signaler, webrtc.Config{
		STUNServers:     cfg.STUNServers,
		IncludeLoopback: cfg.IncludeLoopback,
		Logger:          logger,
	})
	logger.Info("Connected to tracker", "tracker", cfg.TrackerAddr, "session", welcome.SessionID)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.acceptLoop()
	}()
	return c, nil
}

func (c *Client) SessionID() string {
	return c.sessionID
}

// Key is this client's public key as the tracker saw it.
func (c *Client) Key() protocol.PeerKey {
	return c.self
}

func (c *Client) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.logger.Debug("Sending Ping to tracker")
	if err := c.tracker.Send(ctx, &protocol.Ping{}); err != nil {
		return err
	}

	select {
	case <-c.pongs:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join announces topic, then offers a data channel to every member the
// tracker already knows. Members joining later dial us.
func (c *Client) Join(ctx context.Context, topic string) (transport.Membership, error) {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	m, err := c.addMember(topic)
	if err != nil {
		return nil, err
	}

	reply, err := c.request(ctx, &protocol.Announce{Topic: topic})
	if err != nil {
		c.removeMember(m)
		return nil, err
	}

	switch r := reply.(type) {
	case *protocol.PeerListRes:
		c.logger.Debug("Announced", "topic", topic[:min(8, len(topic))], "peers", len(r.Peers))
		for _, key := range r.Peers {
			m.dial(key)
		}
		return m, nil
	case *protocol.Error:
		c.removeMember(m)
		return nil, r
	default:
		c.removeMember(m)
		return nil, fmt.Errorf("unexpected %s reply to announce", reply.Type())
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		members := make([]*membership, 0, len(c.members))
		for _, m := range c.members {
			members = append(members, m)
		}
		c.mu.Unlock()

		for _, m := range members {
			_ = m.Leave(context.Background())
		}

		c.cancel()
		_ = c.rtc.Close()
		_ = c.tracker.Close()
		_ = c.endpoint.Close()
		c.wg.Wait()
		_ = c.signaler.Close()
	})
	return nil
}

// request sends msg and waits for the tracker's next PeerListRes or Error.
func (c *Client) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	reply := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.tracker.Send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-c.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		msg, err := c.tracker.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("Lost tracker connection", "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *protocol.Error:
			// Relay failures concern a signal, not the pending announce.
			if m.Code == protocol.ErrPeerNotFound || m.Code == protocol.ErrNotAnnounced {
				c.logger.Debug("Signal rejected by tracker", "error", m)
				continue
			}
			if !c.reply(m) {
				c.logger.Warn("Tracker error", "error", m)
			}
		case *protocol.PeerListRes:
			if !c.reply(m) {
				c.logger.Debug("Unsolicited peer list", "topic", m.Topic)
			}
		case *protocol.Signal:
			c.signaler.deliver(transport.Signal{
				PeerID:  peerID(m.Topic, m.Peer),
				Payload: m.Payload,
			})
		case *protocol.Pong:
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		default:
			c.logger.Warn("Unhandled message type", "type", msg.Type().String())
		}
	}
}

func (c *Client) reply(msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return false
	}
	select {
	case c.pending <- msg:
	default:
	}
	return true
}

// acceptLoop routes answered connections to the membership of their topic.
func (c *Client) acceptLoop() {
	for conn := range c.rtc.Accept() {
		topic, key, err := parsePeerID(conn.PeerID())
		if err != nil {
			_ = conn.Close()
			continue
		}

		c.mu.Lock()
		m := c.members[topic]
		c.mu.Unlock()
		if m == nil {
			c.logger.Debug("Connection for unknown topic", "peer", conn.PeerID())
			_ = c.rtc.Release(conn)
			continue
		}
		m.deliver(conn, key)
	}
}

func (c *Client) addMember(topic string) (*membership, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, ErrNotConnected
	default:
	}
	if _, ok := c.members[topic]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, topic)
	}
	m := newMembership(c, topic)
	c.members[topic] = m
	return m, nil
}

func (c *Client) removeMember(m *membership) {
	c.mu.Lock()
	if c.members[m.topic] == m {
		delete(c.members, m.topic)
	}
	c.mu.Unlock()
	m.shutdown()
}

func peerID(topic string, key protocol.PeerKey) string {
	return topic + "/" + key.String()
}

func parsePeerID(id string) (string, protocol.PeerKey, error) {
	topic, hexKey, ok := strings.Cut(id, "/")
	if !ok {
		return "", protocol.PeerKey{}, fmt.Errorf("malformed peer id %q", id)
	}
	key, err := protocol.ParsePeerKey(hexKey)
	return topic, key, err
}

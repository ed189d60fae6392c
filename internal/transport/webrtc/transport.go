// Package webrtc carries room traffic over WebRTC data channels. Session
// descriptions travel through a transport.Signaler with every ICE candidate
// gathered up front, so signaling is one offer and one answer.
package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

type Config struct {
	STUNServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates, for peers on one host.
	IncludeLoopback bool
	Logger          *slog.Logger
}

// Transport keeps one Conn per signaling peer id.
type Transport struct {
	api         *webrtc.API
	config      webrtc.Configuration
	signaler    transport.Signaler
	logger      *slog.Logger
	connections map[string]*Conn
	incoming    chan *Conn
	closed      bool
	mu          sync.Mutex
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// New creates a transport and starts consuming the signaler's inbound
// signals.
func New(signaler transport.Signaler, cfg Config) *Transport {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, server := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler:    signaler,
		logger:      logger,
		connections: make(map[string]*Conn),
		incoming:    make(chan *Conn, 16),
		cancel:      cancel,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.signalLoop(ctx)
	}()
	return t
}

// Connect offers a connection to peerID and waits for its data channel to
// open.
func (t *Transport) Connect(ctx context.Context, peerID string) (*Conn, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConn(peerID, pc, t.signaler, true)
	if err := t.track(conn); err != nil {
		_ = pc.Close()
		return nil, err
	}

	fail := func(err error) (*Conn, error) {
		t.untrack(conn)
		_ = conn.Close()
		return nil, err
	}

	if err := conn.createDataChannel(); err != nil {
		return fail(err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create offer: %w", err))
	}
	payload, err := setLocalAndGather(ctx, pc, offer)
	if err != nil {
		return fail(err)
	}
	if err := t.signaler.SendSignal(ctx, peerID, payload); err != nil {
		return fail(fmt.Errorf("failed to send offer: %w", err))
	}

	select {
	case <-conn.Opened():
		return conn, nil
	case <-conn.done:
		return fail(ErrConnectionFailed)
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// Accept delivers connections offered by remote peers once they open.
func (t *Transport) Accept() <-chan *Conn {
	return t.incoming
}

func (t *Transport) HandleSignal(ctx context.Context, signal transport.Signal) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	conn, exists := t.connections[signal.PeerID]
	t.mu.Unlock()

	if exists {
		select {
		case <-conn.done:
			exists = false
		default:
		}
	}

	if !exists {
		pc, err := t.api.NewPeerConnection(t.config)
		if err != nil {
			return fmt.Errorf("failed to create peer connection: %w", err)
		}

		conn = newConn(signal.PeerID, pc, t.signaler, false)
		conn.onOpen = t.deliver
		if err := t.track(conn); err != nil {
			_ = pc.Close()
			return err
		}
	}

	if err := conn.handleSignal(ctx, signal.Payload); err != nil {
		if !exists {
			t.untrack(conn)
			_ = conn.Close()
		}
		return err
	}
	return nil
}

// Release closes conn and forgets it, so a later offer from the same peer
// starts a fresh connection.
func (t *Transport) Release(conn *Conn) error {
	t.untrack(conn)
	return conn.Close()
}

func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.connections
	t.connections = make(map[string]*Conn)
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	close(t.incoming)
	t.mu.Unlock()
	return nil
}

func (t *Transport) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-t.signaler.RecvSignal():
			if !ok {
				return
			}
			if err := t.HandleSignal(ctx, sig); err != nil {
				t.logger.Warn("Failed to handle signal", "peer", sig.PeerID, "error", err)
			}
		}
	}
}

// deliver runs from the data channel's open callback.
func (t *Transport) deliver(conn *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.incoming <- conn:
	default:
		t.logger.Warn("Dropping inbound connection, accept queue full", "peer", conn.PeerID())
		go func() { _ = conn.Close() }()
	}
}

// track registers conn, replacing and closing any previous connection for
// the same peer.
func (t *Transport) track(conn *Conn) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	old := t.connections[conn.peerID]
	t.connections[conn.peerID] = conn
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (t *Transport) untrack(conn *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connections[conn.peerID] == conn {
		delete(t.connections, conn.peerID)
	}
}

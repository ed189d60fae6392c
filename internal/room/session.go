package room

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

type State int

const (
	StateJoining State = iota
	StateActive
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errNotActive = errors.New("room is not active")

// PeerInfo is a read-only view of a connected peer.
type PeerInfo struct {
	ConnID string
	Key    string
	Name   string
}

// Peer wraps one transport connection of a session.
type Peer struct {
	connID string
	key    string
	conn   transport.Conn

	mu   sync.Mutex
	name string
}

func newPeer(conn transport.Conn) (*Peer, error) {
	id := make([]byte, 4)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	key := hex.EncodeToString(conn.RemoteKey())
	return &Peer{
		connID: hex.EncodeToString(id),
		key:    key,
		conn:   conn,
		name:   defaultName(key),
	}, nil
}

func defaultName(key string) string {
	if len(key) > 6 {
		key = key[:6]
	}
	return "User " + key
}

func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// rename adopts the username a peer announces about itself.
func (p *Peer) rename(name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{ConnID: p.connID, Key: p.key, Name: p.Name()}
}

func (p *Peer) ref() transfer.PeerRef {
	return transfer.PeerRef{ConnID: p.connID, Key: p.key, Name: p.Name()}
}

// Session is the membership of one room: its peers and join state.
type Session struct {
	desc Descriptor

	mu         sync.Mutex
	state      State
	membership transport.Membership
	peers      map[string]*Peer
	joinErr    error

	ready chan struct{}
	wg    sync.WaitGroup
}

func newSession(d Descriptor) *Session {
	return &Session{
		desc:  d,
		state: StateJoining,
		peers: make(map[string]*Peer),
		ready: make(chan struct{}),
	}
}

func (s *Session) Descriptor() Descriptor {
	return s.desc
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// wait blocks until the join attempt has finished and returns its outcome.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.joinErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) activate(m transport.Membership) {
	s.mu.Lock()
	s.membership = m
	s.state = StateActive
	s.mu.Unlock()
	close(s.ready)
}

func (s *Session) abort(err error) {
	s.mu.Lock()
	s.joinErr = err
	s.state = StateClosed
	s.mu.Unlock()
	close(s.ready)
}

// beginLeave moves an active session to Leaving and hands back what must be
// torn down. Only one caller wins.
func (s *Session) beginLeave() (transport.Membership, []*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, nil, fmt.Errorf("%w: %s", errNotActive, s.state)
	}
	s.state = StateLeaving
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return s.membership, peers, nil
}

func (s *Session) setClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// addPeer registers p unless the session stopped accepting connections.
func (s *Session) addPeer(p *Peer) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return len(s.peers), false
	}
	s.peers[p.connID] = p
	return len(s.peers), true
}

// removePeer reports whether p was still present, so each peer is removed
// once.
func (s *Session) removePeer(p *Peer) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p.connID]; !ok {
		return len(s.peers), false
	}
	delete(s.peers, p.connID)
	return len(s.peers), true
}

func (s *Session) peer(connID string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[connID]
	return p, ok
}

// activePeers returns the current peers, or an error outside Active.
func (s *Session) activePeers() ([]*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, errNotActive
	}
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out, nil
}

func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Session) Peers() []PeerInfo {
	s.mu.Lock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.Info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

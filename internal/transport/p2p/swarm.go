// Package p2p is the default swarm: a libp2p host that finds room members
// through Kademlia provider records and mDNS, and carries each room over one
// stream per pair of peers.
package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discoveryrouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"

	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

const (
	// RoomProtocol streams carry a topic hello frame, then room messages.
	RoomProtocol = protocol.ID("/peer-chat/room/1.0.0")
	// KnockProtocol asks the remote to open the room stream, for when the
	// local peer is not the one that dials.
	KnockProtocol = protocol.ID("/peer-chat/knock/1.0.0")

	mdnsServiceName   = "peer-chat"
	namespacePrefix   = "peer-chat/"
	helloTimeout      = 10 * time.Second
	defaultFindPeriod = 15 * time.Second
)

var DefaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

type Config struct {
	Key         crypto.PrivKey
	ListenAddrs []string
	// Bootstrap peers as multiaddrs; nil uses the public IPFS bootstrap set.
	Bootstrap  []string
	DisableDHT bool
	MDNS       bool
	FindPeriod time.Duration
	Logger     *slog.Logger
}

type Swarm struct {
	config    Config
	logger    *slog.Logger
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *discoveryrouting.RoutingDiscovery
	mdns      mdns.Service

	mu      sync.Mutex
	members map[string]*membership
	// candidates are peers met through Connect or mDNS. Other connections,
	// such as DHT routing peers, are never asked about rooms.
	candidates map[peer.ID]struct{}
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ transport.Swarm = (*Swarm)(nil)

func New(ctx context.Context, cfg Config) (*Swarm, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FindPeriod <= 0 {
		cfg.FindPeriod = defaultFindPeriod
	}
	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = DefaultListenAddrs
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		config:  cfg,
		logger:  logger,
		members:    make(map[string]*membership),
		candidates: make(map[peer.ID]struct{}),
		ctx:        runCtx,
		cancel:     cancel,
	}

	opts := []libp2p.Option{
		libp2p.Identity(cfg.Key),
		libp2p.ListenAddrStrings(listen...),
	}
	if !cfg.DisableDHT {
		opts = append(opts,
			libp2p.NATPortMap(),
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
				kdht, err := dht.New(runCtx, h, dht.Mode(dht.ModeAutoServer))
				s.dht = kdht
				return kdht, err
			}),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	s.host = h

	h.SetStreamHandler(RoomProtocol, s.handleRoomStream)
	h.SetStreamHandler(KnockProtocol, s.handleKnock)

	if s.dht != nil {
		s.bootstrap(ctx)
		s.discovery = discoveryrouting.NewRoutingDiscovery(s.dht)
	}

	if cfg.MDNS {
		s.mdns = mdns.NewMdnsService(h, mdnsServiceName, &discoveryNotifee{s: s})
		if err := s.mdns.Start(); err != nil {
			logger.Warn("mDNS unavailable", "error", err)
			s.mdns = nil
		}
	}

	logger.Info("libp2p host started", "id", h.ID().String(), "addrs", h.Addrs())
	return s, nil
}

// bootstrap connects to a few bootstrap peers; the DHT keeps trying in the
// background when none answer.
func (s *Swarm) bootstrap(ctx context.Context) {
	peers := dht.GetDefaultBootstrapPeerAddrInfos()
	if s.config.Bootstrap != nil {
		peers = nil
		for _, addr := range s.config.Bootstrap {
			ma, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				s.logger.Warn("Bad bootstrap address", "addr", addr, "error", err)
				continue
			}
			info, err := peer.AddrInfoFromP2pAddr(ma)
			if err != nil {
				s.logger.Warn("Bad bootstrap address", "addr", addr, "error", err)
				continue
			}
			peers = append(peers, *info)
		}
	}

	connected := 0
	for _, info := range peers {
		if connected >= 3 {
			break
		}
		if err := s.host.Connect(ctx, info); err == nil {
			connected++
		}
	}
	if err := s.dht.Bootstrap(s.ctx); err != nil {
		s.logger.Warn("DHT bootstrap", "error", err)
	}
	s.logger.Debug("Bootstrapped", "connected", connected)
}

func (s *Swarm) ID() peer.ID {
	return s.host.ID()
}

// AddrInfo is how other peers can reach this host.
func (s *Swarm) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: s.host.ID(), Addrs: s.host.Addrs()}
}

// Connect dials info and introduces it to every joined topic.
func (s *Swarm) Connect(ctx context.Context, info peer.AddrInfo) error {
	if err := s.host.Connect(ctx, info); err != nil {
		return err
	}
	s.mu.Lock()
	s.candidates[info.ID] = struct{}{}
	s.mu.Unlock()
	for _, m := range s.memberships() {
		m.consider(info.ID)
	}
	return nil
}

// Join advertises topic and starts looking for its members, both through
// the DHT and among the connected candidates.
func (s *Swarm) Join(ctx context.Context, topic string) (transport.Membership, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if _, ok := s.members[topic]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("topic already joined: %s", topic)
	}
	m := newMembership(s, topic)
	s.members[topic] = m
	s.mu.Unlock()

	if s.discovery != nil {
		// The first advertisement is part of joining.
		ns := namespacePrefix + topic
		if _, err := s.discovery.Advertise(ctx, ns); err != nil {
			s.logger.Warn("Initial advertise failed, retrying in background", "error", err)
		}
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			dutil.Advertise(m.ctx, s.discovery, ns)
		}()
		go func() {
			defer m.wg.Done()
			m.findLoop(ns)
		}()
	}

	for _, id := range s.connectedCandidates() {
		m.consider(id)
	}
	return m, nil
}

func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	members := make([]*membership, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	s.mu.Unlock()

	for _, m := range members {
		_ = m.Leave(context.Background())
	}
	s.cancel()

	if s.mdns != nil {
		_ = s.mdns.Close()
	}
	if s.dht != nil {
		_ = s.dht.Close()
	}
	return s.host.Close()
}

func (s *Swarm) memberships() []*membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*membership, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

func (s *Swarm) connectedCandidates() []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peer.ID, 0, len(s.candidates))
	for id := range s.candidates {
		if s.host.Network().Connectedness(id) != network.Connected {
			delete(s.candidates, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

func (s *Swarm) member(topic string) *membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[topic]
}

func (s *Swarm) removeMember(m *membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[m.topic] == m {
		delete(s.members, m.topic)
	}
}

func (s *Swarm) handleRoomStream(stream network.Stream) {
	topic, err := readHello(stream)
	if err != nil {
		_ = stream.Reset()
		return
	}
	m := s.member(topic)
	if m == nil {
		_ = stream.Reset()
		return
	}
	m.accept(stream)
}

func (s *Swarm) handleKnock(stream network.Stream) {
	topic, err := readHello(stream)
	remote := stream.Conn().RemotePeer()
	_ = stream.Close()
	if err != nil {
		return
	}
	if m := s.member(topic); m != nil {
		m.dial(remote)
	}
}

func readHello(stream network.Stream) (string, error) {
	_ = stream.SetReadDeadline(time.Now().Add(helloTimeout))
	defer func() { _ = stream.SetReadDeadline(time.Time{}) }()

	data, err := transport.ReadFrame(stream)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type discoveryNotifee struct {
	s *Swarm
}

// HandlePeerFound connects to LAN peers and introduces them to every
// joined topic.
func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.s.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.s.ctx, helloTimeout)
	defer cancel()
	if err := n.s.Connect(ctx, info); err != nil {
		n.s.logger.Debug("mDNS peer unreachable", "peer", info.ID.String(), "error", err)
	}
}

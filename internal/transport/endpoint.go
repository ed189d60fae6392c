package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// Endpoint is a QUIC socket that both accepts and dials, authenticating
// every connection by the ed25519 key in its certificate.
type Endpoint struct {
	udpConn  *net.UDPConn
	tr       *quic.Transport
	listener *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config
}

func NewEndpoint(addr string, key ed25519.PrivateKey) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	tlsConf, err := DefaultTLSConfig(key)
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	tr := &quic.Transport{Conn: udpConn}
	quicConf := DefaultQUICConfig()

	listener, err := tr.Listen(tlsConf, quicConf)
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("starting quic listener: %w", err)
	}

	return &Endpoint{
		udpConn:  udpConn,
		tr:       tr,
		listener: listener,
		tlsConf:  tlsConf,
		quicConf: quicConf,
	}, nil
}

func (e *Endpoint) Accept(ctx context.Context) (*Peer, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return newPeer(conn, false)
}

func (e *Endpoint) Dial(ctx context.Context, addr string) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}

	conn, err := e.tr.Dial(ctx, udpAddr, e.tlsConf.Clone(), e.quicConf)
	if err != nil {
		return nil, err
	}

	peer, err := newPeer(conn, true)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	if err := peer.openControlStream(ctx); err != nil {
		_ = peer.Close()
		return nil, err
	}
	return peer, nil
}

func (e *Endpoint) LocalAddr() net.Addr {
	return e.udpConn.LocalAddr()
}

func (e *Endpoint) Close() error {
	_ = e.listener.Close()
	err := e.tr.Close()
	_ = e.udpConn.Close()
	return err
}

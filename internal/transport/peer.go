package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
)

// controlPreamble is written by the dialer so the acceptor sees the control
// stream before either side has a message to send.
const controlPreamble byte = 0x01

var ErrBadPreamble = errors.New("unexpected control stream preamble")

// Peer is one QUIC connection carrying a single framed control stream.
type Peer struct {
	codec         *protocol.Codec
	conn          *quic.Conn
	key           ed25519.PublicKey
	initiator     bool
	controlStream *quic.Stream
	mu            sync.Mutex
	writeMu       sync.Mutex
}

func newPeer(conn *quic.Conn, initiator bool) (*Peer, error) {
	key, err := PeerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}
	return &Peer{
		codec:     protocol.NewCodec(),
		conn:      conn,
		key:       key,
		initiator: initiator,
	}, nil
}

// Close tears down the connection first so a pending AcceptStream returns
// before the stream lock is taken.
func (p *Peer) Close() error {
	err := p.conn.CloseWithError(0, "")
	p.mu.Lock()
	if p.controlStream != nil {
		_ = p.controlStream.Close()
	}
	p.mu.Unlock()
	return err
}

func (p *Peer) Receive(ctx context.Context) (protocol.Message, error) {
	stream, err := p.getControlStream(ctx)
	if err != nil {
		return nil, err
	}

	data, err := ReadFrame(stream)
	if err != nil {
		return nil, err
	}
	return p.codec.DecodeFromBytes(data)
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// RemoteKey is the ed25519 key the remote proved possession of during the
// TLS handshake.
func (p *Peer) RemoteKey() ed25519.PublicKey {
	return p.key
}

func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	stream, err := p.getControlStream(ctx)
	if err != nil {
		return err
	}

	data, err := p.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteFrame(stream, data)
}

func (p *Peer) openControlStream(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write([]byte{controlPreamble}); err != nil {
		return err
	}
	p.controlStream = stream
	return nil
}

func (p *Peer) getControlStream(ctx context.Context) (*quic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.controlStream != nil {
		return p.controlStream, nil
	}
	if p.initiator {
		return nil, ErrClosed
	}

	stream, err := p.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}

	var preamble [1]byte
	if _, err := io.ReadFull(stream, preamble[:]); err != nil {
		return nil, err
	}
	if preamble[0] != controlPreamble {
		return nil, ErrBadPreamble
	}

	p.controlStream = stream
	return stream, nil
}

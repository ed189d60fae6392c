package p2p

import (
	"errors"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

// streamConn frames room messages on one libp2p stream.
type streamConn struct {
	stream  network.Stream
	key     []byte
	writeMu sync.Mutex
	recv    chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
	onClose func()
}

var _ transport.Conn = (*streamConn)(nil)

func newStreamConn(s network.Stream, onClose func()) (*streamConn, error) {
	pub := s.Conn().RemotePublicKey()
	if pub == nil {
		return nil, errors.New("remote public key is missing")
	}
	key, err := pub.Raw()
	if err != nil {
		return nil, err
	}

	c := &streamConn{
		stream:  s,
		key:     key,
		recv:    make(chan []byte, 256),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go c.readLoop()
	return c, nil
}

func (c *streamConn) RemotePeer() peer.ID {
	return c.stream.Conn().RemotePeer()
}

func (c *streamConn) RemoteKey() []byte {
	return c.key
}

func (c *streamConn) Send(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteFrame(c.stream, data)
}

func (c *streamConn) Recv() <-chan []byte {
	return c.recv
}

// Err is valid once Recv is closed.
func (c *streamConn) Err() error {
	return c.err
}

func (c *streamConn) Close() error {
	c.finish(nil)
	return nil
}

func (c *streamConn) readLoop() {
	defer close(c.recv)

	for {
		data, err := transport.ReadFrame(c.stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.finish(err)
			return
		}
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}

// finish records why the stream ended before Recv closes.
func (c *streamConn) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		if err != nil {
			_ = c.stream.Reset()
		} else {
			_ = c.stream.Close()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

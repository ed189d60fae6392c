package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

const (
	// fragmentSize stays well under the SCTP message limit every browser
	// and pion accept.
	fragmentSize = 16 << 10

	highWaterMark = 1 << 20
	lowWaterMark  = 256 << 10

	flagMore  byte = 0x00
	flagFinal byte = 0x01
)

var (
	ErrNotOpen          = errors.New("data channel not open")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrConnectionFailed = errors.New("peer connection failed")
)

// Conn is one peer connection carrying a single ordered data channel.
// Messages larger than a fragment are split and reassembled.
type Conn struct {
	peerID      string
	pc          *webrtc.PeerConnection
	signaler    transport.Signaler
	isInitiator bool

	mu sync.Mutex
	dc *webrtc.DataChannel

	opened    chan struct{}
	openOnce  sync.Once
	onOpen    func(*Conn)
	drained   chan struct{}
	writeMu   sync.Mutex
	partial   []byte
	recvChan  chan []byte
	recvMu    sync.Mutex
	recvDone  bool
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newConn(peerID string, pc *webrtc.PeerConnection, signaler transport.Signaler, isInitiator bool) *Conn {
	c := &Conn{
		peerID:      peerID,
		pc:          pc,
		signaler:    signaler,
		isInitiator: isInitiator,
		opened:      make(chan struct{}),
		drained:     make(chan struct{}, 1),
		recvChan:    make(chan []byte, 256),
		done:        make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.shutdown(ErrConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			c.shutdown(nil)
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.setupDataChannel(dc)
		})
	}

	return c
}

func (c *Conn) createDataChannel() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *Conn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			close(c.opened)
			if c.onOpen != nil {
				c.onOpen(c)
			}
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleFragment(msg.Data)
	})

	dc.OnClose(func() {
		c.shutdown(nil)
	})
}

// handleFragment runs on the data channel's read loop, so a full receive
// buffer pauses the remote sender.
func (c *Conn) handleFragment(data []byte) {
	if len(data) == 0 {
		return
	}
	c.partial = append(c.partial, data[1:]...)
	if len(c.partial) > transport.MaxFrameSize {
		c.shutdown(fmt.Errorf("%w: reassembled %d bytes", ErrMessageTooLarge, len(c.partial)))
		return
	}
	if data[0] != flagFinal {
		return
	}

	msg := c.partial
	c.partial = nil

	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.recvDone {
		return
	}
	select {
	case c.recvChan <- msg:
	case <-c.done:
	}
}

// handleSignal applies a remote session description. The answering side
// replies through the signaler once its candidates are gathered.
func (c *Conn) handleSignal(ctx context.Context, payload []byte) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decoding session description: %w", err)
	}

	c.mu.Lock()
	if c.pc.RemoteDescription() != nil {
		c.mu.Unlock()
		return nil
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	c.mu.Unlock()

	if c.isInitiator {
		return nil
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	local, err := setLocalAndGather(ctx, c.pc, answer)
	if err != nil {
		return err
	}
	if err := c.signaler.SendSignal(ctx, c.peerID, local); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

func (c *Conn) PeerID() string {
	return c.peerID
}

// Send fragments data onto the channel, blocking while more than
// highWaterMark bytes are queued.
func (c *Conn) Send(data []byte) error {
	if len(data) > transport.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for off := 0; ; {
		end := min(off+fragmentSize, len(data))
		flag := flagMore
		if end == len(data) {
			flag = flagFinal
		}

		if err := c.waitDrained(dc); err != nil {
			return err
		}

		frag := make([]byte, 1+end-off)
		frag[0] = flag
		copy(frag[1:], data[off:end])
		if err := dc.Send(frag); err != nil {
			return err
		}

		if flag == flagFinal {
			return nil
		}
		off = end
	}
}

func (c *Conn) waitDrained(dc *webrtc.DataChannel) error {
	for dc.BufferedAmount() > highWaterMark {
		select {
		case <-c.drained:
		case <-c.done:
			return transport.ErrClosed
		}
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
		return nil
	}
}

func (c *Conn) Recv() <-chan []byte {
	return c.recvChan
}

func (c *Conn) Err() error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.err
}

// Opened is closed once the data channel is usable.
func (c *Conn) Opened() <-chan struct{} {
	return c.opened
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return c.pc.Close()
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.recvMu.Lock()
		c.err = err
		c.recvDone = true
		close(c.recvChan)
		c.recvMu.Unlock()

		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		if err != nil {
			_ = c.pc.Close()
		}
	})
}

// setLocalAndGather applies desc and waits for ICE gathering so the
// returned description carries every candidate.
func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) ([]byte, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encoding session description: %w", err)
	}
	return payload, nil
}

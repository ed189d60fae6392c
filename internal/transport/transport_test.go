package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
)

func newTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return priv
}

func newTestEndpoint(t *testing.T, key ed25519.PrivateKey) *Endpoint {
	t.Helper()
	ep, err := NewEndpoint("127.0.0.1:0", key)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func TestEndpointCreateAndClose(t *testing.T) {
	ep, err := NewEndpoint("127.0.0.1:0", newTestKey(t))
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	defer func() { _ = ep.Close() }()

	if ep.LocalAddr() == nil {
		t.Error("Expected non-nil local address")
	}
}

func TestEndpointDialAcceptKeys(t *testing.T) {
	serverKey := newTestKey(t)
	clientKey := newTestKey(t)
	server := newTestEndpoint(t, serverKey)
	client := newTestEndpoint(t, clientKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Peer, 1)
	errChan := make(chan error, 1)

	go func() {
		peer, err := server.Accept(ctx)
		if err != nil {
			errChan <- err
			return
		}
		accepted <- peer
	}()

	clientPeer, err := client.Dial(ctx, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = clientPeer.Close() }()

	if !bytes.Equal(clientPeer.RemoteKey(), serverKey.Public().(ed25519.PublicKey)) {
		t.Error("Client saw wrong server key")
	}

	select {
	case serverPeer := <-accepted:
		defer func() { _ = serverPeer.Close() }()
		if !bytes.Equal(serverPeer.RemoteKey(), clientKey.Public().(ed25519.PublicKey)) {
			t.Error("Server saw wrong client key")
		}
		if serverPeer.RemoteAddr() == "" {
			t.Error("Expected non-empty remote address")
		}
	case err := <-errChan:
		t.Fatalf("Accept failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for connection")
	}
}

func TestPeerBidirectionalExchange(t *testing.T) {
	server := newTestEndpoint(t, newTestKey(t))
	client := newTestEndpoint(t, newTestKey(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	clientDone := make(chan struct{})

	go func() {
		peer, err := server.Accept(ctx)
		if err != nil {
			errChan <- err
			return
		}
		defer func() { _ = peer.Close() }()

		// the acceptor may speak first
		if err := peer.Send(ctx, &protocol.Welcome{SessionID: "s1"}); err != nil {
			errChan <- err
			return
		}

		msg, err := peer.Receive(ctx)
		if err != nil {
			errChan <- err
			return
		}
		req, ok := msg.(*protocol.PeerListReq)
		if !ok {
			errChan <- errors.New("expected PeerListReq")
			return
		}

		if err := peer.Send(ctx, &protocol.PeerListRes{Topic: req.Topic}); err != nil {
			errChan <- err
			return
		}

		<-clientDone
	}()

	clientPeer, err := client.Dial(ctx, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = clientPeer.Close() }()

	msg, err := clientPeer.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive Welcome failed: %v", err)
	}
	if _, ok := msg.(*protocol.Welcome); !ok {
		t.Fatalf("Expected *Welcome, got %T", msg)
	}

	if err := clientPeer.Send(ctx, &protocol.PeerListReq{Topic: "room"}); err != nil {
		t.Fatalf("Send PeerListReq failed: %v", err)
	}

	msg, err = clientPeer.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive PeerListRes failed: %v", err)
	}
	close(clientDone)

	res, ok := msg.(*protocol.PeerListRes)
	if !ok {
		t.Fatalf("Expected *PeerListRes, got %T", msg)
	}
	if res.Topic != "room" {
		t.Errorf("Expected topic 'room', got %q", res.Topic)
	}

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("Server error: %v", err)
		}
	default:
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	key := newTestKey(t)
	cert, err := GenerateSelfSignedCert(key)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	if len(cert.Certificate) == 0 {
		t.Fatal("Expected non-empty certificate")
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate failed: %v", err)
	}
	pub, ok := parsed.PublicKey.(ed25519.PublicKey)
	if !ok || !bytes.Equal(pub, key.Public().(ed25519.PublicKey)) {
		t.Error("Certificate does not carry the identity key")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	for _, payload := range [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{7}, 70000)} {
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for _, want := range []int{5, 0, 70000} {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if len(got) != want {
			t.Errorf("Expected %d bytes, got %d", want, len(got))
		}
	}
}

func TestFrameLimits(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge on write, got %v", err)
	}

	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge on read, got %v", err)
	}

	truncated := []byte{0, 0, 0, 10, 1, 2}
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Error("Expected error for truncated frame")
	}
}

package peer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/tracker"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

const testTopic = "0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

func setupTracker(t *testing.T) string {
	t.Helper()

	srv, err := tracker.NewServer(tracker.Config{Addr: "127.0.0.1:0", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
	})
	return srv.Addr()
}

func newTestClient(t *testing.T, trackerAddr string) (*Client, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := NewClient(ctx, Config{
		Addr:            "127.0.0.1:0",
		TrackerAddr:     trackerAddr,
		Key:             priv,
		IncludeLoopback: true,
		Logger:          logger.Discard(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, pub
}

func nextConn(t *testing.T, m transport.Membership) transport.Conn {
	t.Helper()
	select {
	case conn, ok := <-m.Conns():
		if !ok {
			t.Fatal("Membership closed before a connection arrived")
		}
		return conn
	case <-time.After(30 * time.Second):
		t.Fatal("Timed out waiting for peer connection")
		return nil
	}
}

func TestClient_WelcomeAndPing(t *testing.T) {
	addr := setupTracker(t)
	c, pub := newTestClient(t, addr)

	if c.SessionID() == "" {
		t.Error("Expected a session id from the tracker")
	}
	if key := c.Key(); !bytes.Equal(key[:], pub) {
		t.Error("Expected tracker to report our own key")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestClient_JoinConnectsMembers(t *testing.T) {
	addr := setupTracker(t)
	alice, alicePub := newTestClient(t, addr)
	bob, bobPub := newTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ma, err := alice.Join(ctx, testTopic)
	if err != nil {
		t.Fatalf("alice Join failed: %v", err)
	}
	mb, err := bob.Join(ctx, testTopic)
	if err != nil {
		t.Fatalf("bob Join failed: %v", err)
	}

	toBob := nextConn(t, ma)
	toAlice := nextConn(t, mb)

	if !bytes.Equal(toBob.RemoteKey(), bobPub) {
		t.Error("alice's connection does not carry bob's key")
	}
	if !bytes.Equal(toAlice.RemoteKey(), alicePub) {
		t.Error("bob's connection does not carry alice's key")
	}

	if err := toAlice.Send([]byte("hi alice")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case data := <-toBob.Recv():
		if string(data) != "hi alice" {
			t.Errorf("Expected greeting, got %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for message")
	}

	if err := ma.Leave(ctx); err != nil {
		t.Errorf("Leave failed: %v", err)
	}
	if _, ok := <-ma.Conns(); ok {
		t.Error("Expected Conns to be closed after Leave")
	}
}

func TestClient_JoinTwice(t *testing.T) {
	addr := setupTracker(t)
	c, _ := newTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.Join(ctx, testTopic); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := c.Join(ctx, testTopic); !errors.Is(err, ErrAlreadyJoined) {
		t.Errorf("Expected ErrAlreadyJoined, got %v", err)
	}
}

func TestClient_JoinInvalidTopic(t *testing.T) {
	addr := setupTracker(t)
	c, _ := newTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Join(ctx, "")
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.ErrInvalidMsg {
		t.Fatalf("Expected INVALID_MESSAGE, got %v", err)
	}

	// A rejected announce leaves nothing behind.
	if _, err := c.Join(ctx, testTopic); err != nil {
		t.Errorf("Join after rejection failed: %v", err)
	}
}

func TestParsePeerID(t *testing.T) {
	key := protocol.PeerKey{0xab, 0xcd}
	topic, got, err := parsePeerID(peerID(testTopic, key))
	if err != nil {
		t.Fatalf("parsePeerID failed: %v", err)
	}
	if topic != testTopic || got != key {
		t.Errorf("Round trip mismatch: %s %s", topic, got)
	}

	if _, _, err := parsePeerID("no-separator"); err == nil {
		t.Error("Expected error for malformed id")
	}
}

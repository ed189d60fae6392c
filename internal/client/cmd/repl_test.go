package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/invite"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/room"
	"github.com/rudransh-shrivastava/peer-chat/internal/store"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport/memory"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func newTestREPL(t *testing.T, network *memory.Network, key byte, username string) (*repl, *syncBuffer) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })

	reg, err := room.NewRegistry(network.Swarm(testKey(key)), room.Options{
		Username:     username,
		JoinTimeout:  2 * time.Second,
		LeaveTimeout: 2 * time.Second,
		Rooms:        store.NewRoomStore(db),
		Transfer: transfer.Config{
			DownloadsDir: t.TempDir(),
			History:      store.NewTransferStore(db),
		},
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	out := &syncBuffer{}
	return newREPL(reg, store.NewRoomStore(db), store.NewTransferStore(db), out, logger.Discard()), out
}

func run(t *testing.T, r *repl, line string) {
	t.Helper()
	if err := r.execute(context.Background(), line); err != nil {
		t.Fatalf("%q failed: %v", line, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line      string
		name      string
		args      string
		isCommand bool
	}{
		{"hello there", "", "hello there", false},
		{"  padded  ", "", "padded", false},
		{"/help", "help", "", true},
		{"/NICK bob", "nick", "bob", true},
		{"/share  ~/My File.txt ", "share", "~/My File.txt", true},
		{"/", "", "", true},
	}

	for _, tt := range tests {
		name, args, isCommand := parseLine(tt.line)
		if name != tt.name || args != tt.args || isCommand != tt.isCommand {
			t.Errorf("parseLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, name, args, isCommand, tt.name, tt.args, tt.isCommand)
		}
	}
}

func TestREPL_Nick(t *testing.T) {
	r, out := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	run(t, r, "/nick")
	if !strings.Contains(out.String(), "Your username is alice") {
		t.Errorf("Expected current username, got %q", out.String())
	}

	run(t, r, "/nick bob")
	if got := r.reg.Username(); got != "bob" {
		t.Errorf("Expected username bob, got %s", got)
	}

	if err := r.execute(context.Background(), "/nick "+strings.Repeat("x", 21)); err == nil {
		t.Error("Expected error for long username")
	}
}

func TestREPL_UnknownCommand(t *testing.T) {
	r, _ := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	err := r.execute(context.Background(), "/dance")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("Expected unknown command error, got %v", err)
	}
}

func TestREPL_CommandsNeedRoom(t *testing.T) {
	r, _ := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	for _, line := range []string{"/peers", "/topic", "/invite", "/leave", "/clear", "/share file.txt"} {
		if err := r.execute(context.Background(), line); !errors.Is(err, errNotInRoom) {
			t.Errorf("%s: expected errNotInRoom, got %v", line, err)
		}
	}
	if err := r.execute(context.Background(), "hello"); err == nil {
		t.Error("Expected chat without a room to fail")
	}
}

func TestREPL_RoomAndInvite(t *testing.T) {
	r, out := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	run(t, r, "/room study group")
	cur, ok := r.reg.Current()
	if !ok || cur.Name != "study group" {
		t.Fatalf("Expected current room 'study group', got %+v", cur)
	}

	run(t, r, "/topic")
	if !strings.Contains(out.String(), cur.Topic) {
		t.Error("Expected /topic to print the full topic")
	}

	run(t, r, "/invite")
	code, err := invite.Encode(cur)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(out.String(), code) {
		t.Errorf("Expected invite code %s in output", code)
	}
}

func TestREPL_JoinByInvite(t *testing.T) {
	network := memory.NewNetwork()
	alice, _ := newTestREPL(t, network, 0xaa, "alice")
	bob, bobOut := newTestREPL(t, network, 0xbb, "bob")

	run(t, alice, "/room hangout")
	cur, _ := alice.reg.Current()
	code, err := invite.Encode(cur)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	run(t, bob, "/join "+code)
	got, ok := bob.reg.Current()
	if !ok || got.Topic != cur.Topic {
		t.Fatalf("Expected bob in alice's room, got %+v", got)
	}

	waitFor(t, "peers to connect", func() bool {
		return bob.reg.PeerCount(cur.Topic) == 1
	})
	run(t, bob, "/peers")
	if !strings.Contains(bobOut.String(), "Peers in hangout (1)") {
		t.Errorf("Expected peer listing, got %q", bobOut.String())
	}

	if err := bob.execute(context.Background(), "/join not-base64!"); err == nil {
		t.Error("Expected error for a bad invite")
	}
}

func TestREPL_RoomsAndSwitch(t *testing.T) {
	r, out := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	run(t, r, "/room first")
	first, _ := r.reg.Current()
	run(t, r, "/room second")

	run(t, r, "/rooms")
	if !strings.Contains(out.String(), "1. first") || !strings.Contains(out.String(), "*2. second") {
		t.Errorf("Unexpected room listing: %q", out.String())
	}

	run(t, r, "/switch 1")
	if cur, _ := r.reg.Current(); cur.Topic != first.Topic {
		t.Errorf("Expected to switch to first, got %s", cur.DisplayName())
	}
	if len(r.reg.Rooms()) != 2 {
		t.Errorf("Expected switching to keep both sessions, got %d", len(r.reg.Rooms()))
	}

	if err := r.execute(context.Background(), "/switch 9"); err == nil {
		t.Error("Expected error for an unknown room number")
	}
	if err := r.execute(context.Background(), "/switch two"); err == nil {
		t.Error("Expected usage error")
	}
}

func TestREPL_SavedRoomsRejoin(t *testing.T) {
	r, out := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	run(t, r, "/room archive")
	saved, _ := r.reg.Current()
	run(t, r, "/leave")
	if _, ok := r.reg.Current(); ok {
		t.Fatal("Expected no current room after leaving the only one")
	}

	run(t, r, "/rooms")
	if !strings.Contains(out.String(), "Saved rooms:") {
		t.Fatalf("Expected the left room under saved rooms, got %q", out.String())
	}

	run(t, r, "/switch 1")
	if cur, ok := r.reg.Current(); !ok || cur.Topic != saved.Topic {
		t.Errorf("Expected to rejoin the saved room, got %+v", cur)
	}
}

func TestREPL_ShareAndAccept(t *testing.T) {
	network := memory.NewNetwork()
	alice, _ := newTestREPL(t, network, 0xaa, "alice")
	bob, bobOut := newTestREPL(t, network, 0xbb, "bob")

	run(t, alice, "/room files")
	cur, _ := alice.reg.Current()
	if err := bob.reg.JoinRoom(context.Background(), cur); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	waitFor(t, "peers to connect", func() bool {
		return alice.reg.PeerCount(cur.Topic) == 1 && bob.reg.PeerCount(cur.Topic) == 1
	})

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("remember the milk"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	run(t, alice, "/share "+path)

	waitFor(t, "offer to arrive", func() bool {
		return len(bob.reg.PendingOffers()) == 1
	})
	run(t, bob, "/accept")
	if !strings.Contains(bobOut.String(), "notes.txt") {
		t.Errorf("Expected pending offer listing, got %q", bobOut.String())
	}

	id := bob.reg.PendingOffers()[0].TransferID
	run(t, bob, "/accept "+id[:6])
	waitFor(t, "download to complete", func() bool {
		for _, rec := range bob.reg.Transfers() {
			if rec.Status == transfer.StatusCompleted {
				return true
			}
		}
		return false
	})

	run(t, bob, "/transfers")
	if !strings.Contains(bobOut.String(), "completed") {
		t.Errorf("Expected completed transfer in listing, got %q", bobOut.String())
	}

	waitFor(t, "history to be saved", func() bool {
		records, err := bob.history.ListTransfers(context.Background(), 10)
		return err == nil && len(records) == 1 && records[0].Status == transfer.StatusCompleted
	})
	run(t, bob, "/history")
	if !strings.Contains(bobOut.String(), "Recent transfers:") {
		t.Errorf("Expected history listing, got %q", bobOut.String())
	}
}

func TestREPL_RunFollowsLog(t *testing.T) {
	r, out := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := strings.NewReader("/room lobby\nhello nobody\n")
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, in) }()

	waitFor(t, "chat line to print", func() bool {
		return strings.Contains(out.String(), "alice: hello nobody")
	})
	waitFor(t, "no-peers notice to print", func() bool {
		return strings.Contains(out.String(), "No peers connected in this room")
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestREPL_Exit(t *testing.T) {
	r, _ := newTestREPL(t, memory.NewNetwork(), 0xaa, "alice")

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), strings.NewReader("/quit\n/nick never\n")) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after /quit")
	}
	if r.reg.Username() != "alice" {
		t.Error("Expected commands after /quit to be ignored")
	}
}

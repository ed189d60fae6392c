package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const testTopic = "0000000000000000000000000000000000000000000000000000000000000001"

func TestLog_AppendOrder(t *testing.T) {
	l := NewLog(10)

	if err := l.AddUser(testTopic, "alice", "hi", time.Time{}); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	if err := l.AddSystem(testTopic, "bob joined"); err != nil {
		t.Fatalf("AddSystem failed: %v", err)
	}

	msgs := l.Messages(testTopic)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].System || msgs[0].Username != "alice" || msgs[0].Text != "hi" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("expected zero timestamp to be filled in")
	}
	if !msgs[1].System || msgs[1].Text != "bob joined" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
}

func TestLog_EvictsOldestAtCapacity(t *testing.T) {
	l := NewLog(0)

	for i := 0; i < DefaultCapacity+5; i++ {
		if err := l.AddUser(testTopic, "u", fmt.Sprintf("m%d", i), time.Now()); err != nil {
			t.Fatalf("AddUser failed: %v", err)
		}
	}

	msgs := l.Messages(testTopic)
	if len(msgs) != DefaultCapacity {
		t.Fatalf("expected %d messages, got %d", DefaultCapacity, len(msgs))
	}
	if msgs[0].Text != "m5" {
		t.Errorf("expected oldest surviving message m5, got %q", msgs[0].Text)
	}
	if last := msgs[len(msgs)-1].Text; last != fmt.Sprintf("m%d", DefaultCapacity+4) {
		t.Errorf("unexpected newest message %q", last)
	}
}

func TestLog_RoomsAreIndependent(t *testing.T) {
	l := NewLog(2)
	other := "ff" + testTopic[2:]

	_ = l.AddSystem(testTopic, "a")
	_ = l.AddSystem(other, "b")
	_ = l.AddSystem(other, "c")
	_ = l.AddSystem(other, "d")

	if got := len(l.Messages(testTopic)); got != 1 {
		t.Errorf("expected 1 message in first room, got %d", got)
	}
	msgs := l.Messages(other)
	if len(msgs) != 2 || msgs[0].Text != "c" || msgs[1].Text != "d" {
		t.Errorf("unexpected second room history: %+v", msgs)
	}
}

func TestLog_Clear(t *testing.T) {
	l := NewLog(10)
	_ = l.AddUser(testTopic, "alice", "one", time.Now())
	_ = l.AddUser(testTopic, "alice", "two", time.Now())

	if err := l.Clear(testTopic); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	msgs := l.Messages(testTopic)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after clear, got %d", len(msgs))
	}
	if !msgs[0].System || msgs[0].Text != "Chat history cleared" {
		t.Errorf("unexpected message after clear: %+v", msgs[0])
	}
}

func TestLog_EmptyTopic(t *testing.T) {
	l := NewLog(10)

	if err := l.AddSystem("", "x"); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("expected ErrEmptyTopic, got %v", err)
	}
	if err := l.Clear(""); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("expected ErrEmptyTopic from Clear, got %v", err)
	}
}

func TestLog_Updates(t *testing.T) {
	l := NewLog(10)
	_ = l.AddUser(testTopic, "alice", "hello", time.Now())

	select {
	case u := <-l.Updates():
		if u.Topic != testTopic || u.Message.Text != "hello" {
			t.Errorf("unexpected update: %+v", u)
		}
	default:
		t.Fatal("expected an update to be queued")
	}
}

func TestLog_UpdatesNeverBlock(t *testing.T) {
	l := NewLog(10)

	done := make(chan struct{})
	go func() {
		for i := 0; i < updateBuffer*2; i++ {
			_ = l.AddSystem(testTopic, "x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AddSystem blocked on a full update channel")
	}
}

func TestLog_Remove(t *testing.T) {
	l := NewLog(10)
	_ = l.AddSystem(testTopic, "x")
	l.Remove(testTopic)

	if msgs := l.Messages(testTopic); msgs != nil {
		t.Errorf("expected no history after remove, got %d messages", len(msgs))
	}
}

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerRegisterGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	var closedWith string
	s := m.Register("u1", "s1", func(reason string) { closedWith = reason })
	if s.ID != "s1" || s.Status != StatusActive {
		t.Fatalf("unexpected registered session: %+v", s)
	}

	got, err := m.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("UserID = %q, want %q", got.UserID, "u1")
	}

	ended, err := m.End("s1", "admin")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if closedWith != "admin" {
		t.Fatalf("closer reason = %q, want %q", closedWith, "admin")
	}
	if _, err := m.End("s1", "again"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second End() error = %v, want ErrNotFound", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerEndFromCloserDoesNotDeadlock(t *testing.T) {
	m := NewManager(time.Minute)
	var calls atomic.Int32
	m.Register("u1", "s1", func(string) {
		calls.Add(1)
		_, _ = m.End("s1", "reentrant")
	})

	if _, err := m.End("s1", "first"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("closer calls = %d, want 1", calls.Load())
	}
}

func TestManagerTouchKeepsHighestCount(t *testing.T) {
	m := NewManager(time.Minute)
	m.Register("u1", "s1", nil)
	if err := m.Touch("s1", 2); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if err := m.Touch("s1", 1); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	got, _ := m.Get("s1")
	if got.MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2", got.MessageCount)
	}
	if err := m.Touch("missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	closed := make(chan string, 1)
	m.Register("u1", "s1", func(reason string) { closed <- reason })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case reason := <-closed:
		if reason != "idle timeout" {
			t.Fatalf("reason = %q, want %q", reason, "idle timeout")
		}
	case <-time.After(time.Second):
		t.Fatalf("session was not expired")
	}
	if _, err := m.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorSkipsBusySessions(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	closed := make(chan string, 1)
	m.Register("u1", "s1", func(reason string) { closed <- reason })
	if err := m.SetBusy("s1", true); err != nil {
		t.Fatalf("SetBusy() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case reason := <-closed:
		t.Fatalf("busy session expired with reason %q", reason)
	case <-time.After(150 * time.Millisecond):
	}

	if err := m.SetBusy("s1", false); err != nil {
		t.Fatalf("SetBusy() error = %v", err)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("idle session was not expired after the turn ended")
	}
	if err := m.SetBusy("s1", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetBusy(expired) error = %v, want ErrNotFound", err)
	}
}

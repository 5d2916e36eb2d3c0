package main

import (
	"errors"
	"testing"
	"time"
)

func TestTrackQueue(t *testing.T) {
	t.Run("fifo order", func(t *testing.T) {
		q := NewTrackQueue(0)
		for _, id := range []string{"a", "b", "c"} {
			if err := q.Push(Track{ID: id}); err != nil {
				t.Fatalf("Push(%s) failed: %v", id, err)
			}
		}
		for _, want := range []string{"a", "b", "c"} {
			got, err := q.Pop()
			if err != nil {
				t.Fatalf("Pop failed: %v", err)
			}
			if got.ID != want {
				t.Errorf("Pop = %s, want %s", got.ID, want)
			}
		}
	})

	t.Run("pop empty", func(t *testing.T) {
		q := NewTrackQueue(0)
		if _, err := q.Pop(); !errors.Is(err, ErrQueueEmpty) {
			t.Errorf("Pop on empty queue = %v, want ErrQueueEmpty", err)
		}
	})

	t.Run("bounded queue rejects past capacity", func(t *testing.T) {
		q := NewTrackQueue(2)
		if err := q.Push(Track{ID: "a"}); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if err := q.Push(Track{ID: "b"}); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if err := q.Push(Track{ID: "c"}); !errors.Is(err, ErrQueueFull) {
			t.Errorf("Push past capacity = %v, want ErrQueueFull", err)
		}
		// Popping frees a slot
		if _, err := q.Pop(); err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if err := q.Push(Track{ID: "c"}); err != nil {
			t.Errorf("Push after Pop failed: %v", err)
		}
	})

	t.Run("peek does not remove", func(t *testing.T) {
		q := NewTrackQueue(0)
		_ = q.Push(Track{ID: "a"})
		if got, ok := q.Peek(); !ok || got.ID != "a" {
			t.Errorf("Peek = %v, %v", got.ID, ok)
		}
		if q.Len() != 1 {
			t.Errorf("Len after Peek = %d, want 1", q.Len())
		}
	})

	t.Run("clear", func(t *testing.T) {
		q := NewTrackQueue(0)
		_ = q.Push(Track{ID: "a"})
		_ = q.Push(Track{ID: "b"})
		q.Clear()
		if q.Len() != 0 {
			t.Errorf("Len after Clear = %d, want 0", q.Len())
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		q := NewTrackQueue(0)
		_ = q.Push(Track{ID: "a"})
		snap := q.Snapshot()
		snap[0].ID = "mutated"
		if got, _ := q.Peek(); got.ID != "a" {
			t.Errorf("queue affected by snapshot mutation: %s", got.ID)
		}
	})
}

func TestFormatTrackDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "0:42"},
		{3*time.Minute + 5*time.Second, "3:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, c := range cases {
		if got := FormatTrackDuration(c.in); got != c.want {
			t.Errorf("FormatTrackDuration(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

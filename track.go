package main

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull  = errors.New("track queue is full")
	ErrQueueEmpty = errors.New("track queue is empty")
)

// Track is a fully resolved, playable audio source.
type Track struct {
	ID        string
	Title     string
	Channel   string
	SourceURI string
	Duration  time.Duration

	// RequestedBy is the display name of the user who asked for it.
	RequestedBy string
}

func (t Track) String() string {
	if t.Duration > 0 {
		return fmt.Sprintf("%s [%s]", t.Title, FormatTrackDuration(t.Duration))
	}
	return t.Title
}

// FormatTrackDuration renders a duration as m:ss or h:mm:ss.
func FormatTrackDuration(d time.Duration) string {
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// TrackQueue is the ordered set of pending tracks for one session. The
// currently playing track is never in the queue. It is not safe for
// concurrent use; the owning session serializes all access.
type TrackQueue struct {
	items []Track
	max   int // 0 = unbounded
}

func NewTrackQueue(maxLength int) *TrackQueue {
	return &TrackQueue{max: maxLength}
}

// Push appends a track to the tail.
func (q *TrackQueue) Push(t Track) error {
	if q.max > 0 && len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, t)
	return nil
}

// Pop removes and returns the head of the queue.
func (q *TrackQueue) Pop() (Track, error) {
	if len(q.items) == 0 {
		return Track{}, ErrQueueEmpty
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, nil
}

func (q *TrackQueue) Peek() (Track, bool) {
	if len(q.items) == 0 {
		return Track{}, false
	}
	return q.items[0], true
}

func (q *TrackQueue) Len() int {
	return len(q.items)
}

func (q *TrackQueue) Clear() {
	q.items = nil
}

// Snapshot returns a copy of the pending tracks in play order.
func (q *TrackQueue) Snapshot() []Track {
	out := make([]Track, len(q.items))
	copy(out, q.items)
	return out
}

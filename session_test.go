package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Fakes
// ===========================

type fakeResolver struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, query string) (Track, error) {
	f.mu.Lock()
	f.calls++
	delay, err := f.delay, f.err
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Track{}, ctx.Err()
		}
	}
	if err != nil {
		return Track{}, err
	}
	return Track{ID: query, Title: query, SourceURI: "https://media.test/" + query}, nil
}

type fakeConn struct {
	channelID snowflake.ID
	closed    atomic.Bool
}

func (c *fakeConn) ChannelID() snowflake.ID   { return c.channelID }
func (c *fakeConn) Close(ctx context.Context) { c.closed.Store(true) }

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (t *fakeTransport) Join(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	c := &fakeConn{channelID: channelID}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

type fakeHandle struct {
	paused  atomic.Bool
	stopped atomic.Bool
}

func (h *fakeHandle) Pause()  { h.paused.Store(true) }
func (h *fakeHandle) Resume() { h.paused.Store(false) }
func (h *fakeHandle) Stop()   { h.stopped.Store(true) }

type startedStream struct {
	track  Track
	handle *fakeHandle
	onDone func(error)
}

type fakeController struct {
	mu      sync.Mutex
	streams []*startedStream
	err     error
}

func (c *fakeController) Start(ctx context.Context, conn VoiceConn, track Track, volume *atomic.Int32, onDone func(err error)) (StreamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	st := &startedStream{track: track, handle: &fakeHandle{}, onDone: onDone}
	c.streams = append(c.streams, st)
	return st.handle, nil
}

func (c *fakeController) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *fakeController) stream(i int) *startedStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[i]
}

func (c *fakeController) startedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.streams))
	for _, s := range c.streams {
		ids = append(ids, s.track.ID)
	}
	return ids
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (n *fakeNotifier) Notify(guildID snowflake.ID, ev SessionEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *fakeNotifier) kinds() []SessionEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	ks := make([]SessionEventKind, 0, len(n.events))
	for _, ev := range n.events {
		ks = append(ks, ev.Kind)
	}
	return ks
}

// ===========================
// Helpers
// ===========================

type sessionFixture struct {
	session    *PlaybackSession
	resolver   *fakeResolver
	transport  *fakeTransport
	controller *fakeController
	notifier   *fakeNotifier
}

func newTestSession(t *testing.T, maxQueue int) *sessionFixture {
	t.Helper()
	fx := &sessionFixture{
		resolver:   &fakeResolver{},
		transport:  &fakeTransport{},
		controller: &fakeController{},
		notifier:   &fakeNotifier{},
	}
	fx.session = NewPlaybackSession(context.Background(), snowflake.ID(1), SessionDeps{
		Resolver:       fx.resolver,
		Transport:      fx.transport,
		Controller:     fx.controller,
		Notifier:       fx.notifier,
		MaxQueueLength: maxQueue,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		fx.session.Stop(ctx)
		select {
		case <-fx.session.Done():
		case <-ctx.Done():
		}
	})
	return fx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ===========================
// Tests
// ===========================

func TestSessionPlayStartsStream(t *testing.T) {
	fx := newTestSession(t, 0)
	res := fx.session.Play(testCtx(t), "song1", "tester", snowflake.ID(10))
	if res.Err != nil {
		t.Fatalf("Play failed: %v", res.Err)
	}
	if res.Queued {
		t.Error("first play should start immediately, not queue")
	}
	if fx.session.State() != StatePlaying {
		t.Errorf("state = %v, want playing", fx.session.State())
	}
	if fx.controller.count() != 1 {
		t.Errorf("streams started = %d, want 1", fx.controller.count())
	}
	if fx.transport.joinCount() != 1 {
		t.Errorf("joins = %d, want 1", fx.transport.joinCount())
	}
}

func TestSessionPlayWhilePlayingEnqueues(t *testing.T) {
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	if res := fx.session.Play(ctx, "song1", "tester", 10); res.Err != nil {
		t.Fatalf("Play failed: %v", res.Err)
	}
	res := fx.session.Play(ctx, "song2", "tester", 10)
	if res.Err != nil {
		t.Fatalf("second Play failed: %v", res.Err)
	}
	if !res.Queued || res.Position != 1 {
		t.Errorf("second play: Queued=%v Position=%d, want queued at #1", res.Queued, res.Position)
	}
	if fx.controller.count() != 1 {
		t.Errorf("streams started = %d, want 1", fx.controller.count())
	}
	if fx.session.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", fx.session.QueueLen())
	}
}

func TestSessionQueueNeverStartsPlayback(t *testing.T) {
	fx := newTestSession(t, 0)
	res := fx.session.Queue(testCtx(t), "song1", "tester", 10)
	if res.Err != nil {
		t.Fatalf("Queue failed: %v", res.Err)
	}
	if !res.Queued {
		t.Error("queue command should always enqueue")
	}
	if fx.session.State() != StateIdle {
		t.Errorf("state = %v, want idle", fx.session.State())
	}
	if fx.controller.count() != 0 {
		t.Errorf("streams started = %d, want 0", fx.controller.count())
	}
}

func TestSessionCommandSequence(t *testing.T) {
	// play t1, queue t2, queue t3, skip, then let t2 and t3 finish.
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	if res := fx.session.Play(ctx, "t1", "tester", 10); res.Err != nil {
		t.Fatalf("Play failed: %v", res.Err)
	}
	if res := fx.session.Queue(ctx, "t2", "tester", 10); res.Err != nil {
		t.Fatalf("Queue t2 failed: %v", res.Err)
	}
	if res := fx.session.Queue(ctx, "t3", "tester", 10); res.Err != nil {
		t.Fatalf("Queue t3 failed: %v", res.Err)
	}

	res := fx.session.Skip(ctx)
	if res.Err != nil {
		t.Fatalf("Skip failed: %v", res.Err)
	}
	if res.Track.ID != "t1" {
		t.Errorf("skipped track = %s, want t1", res.Track.ID)
	}
	if !fx.controller.stream(0).handle.stopped.Load() {
		t.Error("skip did not stop the first stream")
	}

	waitFor(t, "t2 to start", func() bool { return fx.controller.count() == 2 })
	fx.controller.stream(1).onDone(nil)
	waitFor(t, "t3 to start", func() bool { return fx.controller.count() == 3 })
	fx.controller.stream(2).onDone(nil)

	waitFor(t, "session to go idle", func() bool { return fx.session.State() == StateIdle })
	if got := fx.controller.startedIDs(); len(got) != 3 || got[0] != "t1" || got[1] != "t2" || got[2] != "t3" {
		t.Errorf("start order = %v, want [t1 t2 t3]", got)
	}
	waitFor(t, "voice disconnect", func() bool {
		fx.transport.mu.Lock()
		defer fx.transport.mu.Unlock()
		return fx.transport.conns[0].closed.Load()
	})
}

func TestSessionStaleTerminalEventIgnored(t *testing.T) {
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	_ = fx.session.Play(ctx, "t1", "tester", 10)
	_ = fx.session.Queue(ctx, "t2", "tester", 10)
	_ = fx.session.Queue(ctx, "t3", "tester", 10)

	if res := fx.session.Skip(ctx); res.Err != nil {
		t.Fatalf("Skip failed: %v", res.Err)
	}
	waitFor(t, "t2 to start", func() bool { return fx.controller.count() == 2 })

	// The skipped stream reports its (late) termination. It must not
	// advance the queue a second time.
	fx.controller.stream(0).onDone(errors.New("aborted"))

	time.Sleep(50 * time.Millisecond)
	if fx.controller.count() != 2 {
		t.Errorf("stale terminal event advanced the queue: %v", fx.controller.startedIDs())
	}
	if fx.session.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", fx.session.QueueLen())
	}
}

func TestSessionStreamFailureAdvances(t *testing.T) {
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	_ = fx.session.Play(ctx, "t1", "tester", 10)
	_ = fx.session.Queue(ctx, "t2", "tester", 10)

	fx.controller.stream(0).onDone(errors.New("decode error"))
	waitFor(t, "t2 to start after failure", func() bool { return fx.controller.count() == 2 })

	var sawError bool
	for _, k := range fx.notifier.kinds() {
		if k == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("stream failure did not emit an error event")
	}
}

func TestSessionPauseResume(t *testing.T) {
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	t.Run("pause and resume while idle are no-ops", func(t *testing.T) {
		if res := fx.session.Pause(ctx); res.Err != nil || !res.NoOp {
			t.Errorf("Pause while idle: NoOp=%v err=%v", res.NoOp, res.Err)
		}
		if res := fx.session.Resume(ctx); res.Err != nil || !res.NoOp {
			t.Errorf("Resume while idle: NoOp=%v err=%v", res.NoOp, res.Err)
		}
	})

	_ = fx.session.Play(ctx, "t1", "tester", 10)
	handle := fx.controller.stream(0).handle

	t.Run("pause gates the stream", func(t *testing.T) {
		if res := fx.session.Pause(ctx); res.Err != nil || res.NoOp {
			t.Fatalf("Pause: NoOp=%v err=%v", res.NoOp, res.Err)
		}
		if fx.session.State() != StatePaused {
			t.Errorf("state = %v, want paused", fx.session.State())
		}
		if !handle.paused.Load() {
			t.Error("stream handle not paused")
		}
	})

	t.Run("second pause is a no-op", func(t *testing.T) {
		if res := fx.session.Pause(ctx); !res.NoOp {
			t.Error("pause while paused should be a no-op")
		}
	})

	t.Run("resume reopens the gate", func(t *testing.T) {
		if res := fx.session.Resume(ctx); res.Err != nil || res.NoOp {
			t.Fatalf("Resume: NoOp=%v err=%v", res.NoOp, res.Err)
		}
		if fx.session.State() != StatePlaying {
			t.Errorf("state = %v, want playing", fx.session.State())
		}
		if handle.paused.Load() {
			t.Error("stream handle still paused")
		}
	})

	t.Run("resume while playing is a no-op", func(t *testing.T) {
		if res := fx.session.Resume(ctx); !res.NoOp {
			t.Error("resume while playing should be a no-op")
		}
	})
}

func TestSessionSkipWhileIdle(t *testing.T) {
	fx := newTestSession(t, 0)
	if res := fx.session.Skip(testCtx(t)); !errors.Is(res.Err, ErrNothingPlaying) {
		t.Errorf("Skip while idle = %v, want ErrNothingPlaying", res.Err)
	}
}

func TestSessionConcurrentSkips(t *testing.T) {
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	_ = fx.session.Play(ctx, "t0", "tester", 10)
	for i := 1; i <= 5; i++ {
		_ = fx.session.Queue(ctx, "t"+string(rune('0'+i)), "tester", 10)
	}

	var wg sync.WaitGroup
	var skipped, noops atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := fx.session.Skip(ctx)
			switch {
			case res.Err == nil:
				skipped.Add(1)
			case errors.Is(res.Err, ErrNothingPlaying):
				noops.Add(1)
			default:
				t.Errorf("unexpected skip error: %v", res.Err)
			}
		}()
	}
	wg.Wait()

	// Every skip got exactly one acknowledgement.
	if got := skipped.Load() + noops.Load(); got != 10 {
		t.Errorf("acks = %d, want 10", got)
	}
	// No track started more than once.
	seen := make(map[string]int)
	for _, id := range fx.controller.startedIDs() {
		seen[id]++
		if seen[id] > 1 {
			t.Errorf("track %s started %d times", id, seen[id])
		}
	}
}

func TestSessionStop(t *testing.T) {
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	_ = fx.session.Play(ctx, "t1", "tester", 10)
	_ = fx.session.Queue(ctx, "t2", "tester", 10)

	if res := fx.session.Stop(ctx); res.Err != nil {
		t.Fatalf("Stop failed: %v", res.Err)
	}

	select {
	case <-fx.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after stop")
	}

	if !fx.controller.stream(0).handle.stopped.Load() {
		t.Error("stop did not stop the active stream")
	}
	if !fx.transport.conns[0].closed.Load() {
		t.Error("stop did not leave the voice channel")
	}
	if res := fx.session.Play(ctx, "t3", "tester", 10); !errors.Is(res.Err, ErrSessionClosed) {
		t.Errorf("Play after stop = %v, want ErrSessionClosed", res.Err)
	}
}

func TestSessionStopPreemptsResolve(t *testing.T) {
	fx := newTestSession(t, 0)
	fx.resolver.delay = 5 * time.Second
	ctx := testCtx(t)

	playDone := make(chan CommandResult, 1)
	go func() {
		playDone <- fx.session.Play(ctx, "slow", "tester", 10)
	}()

	// Let the resolve get in flight, then stop.
	waitFor(t, "resolve to start", func() bool {
		fx.resolver.mu.Lock()
		defer fx.resolver.mu.Unlock()
		return fx.resolver.calls > 0
	})

	start := time.Now()
	if res := fx.session.Stop(ctx); res.Err != nil {
		t.Fatalf("Stop failed: %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop waited %v behind a slow resolve", elapsed)
	}

	select {
	case res := <-playDone:
		if !errors.Is(res.Err, ErrSessionClosed) {
			t.Errorf("preempted play = %v, want ErrSessionClosed", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("preempted play never acknowledged")
	}
}

func TestSessionQueueFull(t *testing.T) {
	fx := newTestSession(t, 1)
	ctx := testCtx(t)

	_ = fx.session.Play(ctx, "t1", "tester", 10)
	if res := fx.session.Queue(ctx, "t2", "tester", 10); res.Err != nil {
		t.Fatalf("Queue failed: %v", res.Err)
	}
	if res := fx.session.Queue(ctx, "t3", "tester", 10); !errors.Is(res.Err, ErrQueueFull) {
		t.Errorf("Queue past capacity = %v, want ErrQueueFull", res.Err)
	}
}

func TestSessionResolveFailure(t *testing.T) {
	fx := newTestSession(t, 0)
	fx.resolver.err = ErrNoResults
	res := fx.session.Play(testCtx(t), "nothing", "tester", 10)
	if !errors.Is(res.Err, ErrNoResults) {
		t.Errorf("Play with failing resolver = %v, want ErrNoResults", res.Err)
	}
	if fx.session.State() != StateIdle {
		t.Errorf("state = %v, want idle", fx.session.State())
	}
}

func TestSessionList(t *testing.T) {
	fx := newTestSession(t, 0)
	ctx := testCtx(t)

	res := fx.session.List(ctx)
	if res.Err != nil || res.Current != nil || len(res.Pending) != 0 {
		t.Errorf("empty list = current %v pending %v err %v", res.Current, res.Pending, res.Err)
	}

	_ = fx.session.Play(ctx, "t1", "tester", 10)
	_ = fx.session.Queue(ctx, "t2", "tester", 10)

	res = fx.session.List(ctx)
	if res.Current == nil || res.Current.ID != "t1" {
		t.Errorf("list current = %v, want t1", res.Current)
	}
	if len(res.Pending) != 1 || res.Pending[0].ID != "t2" {
		t.Errorf("list pending = %v, want [t2]", res.Pending)
	}
}

func TestSessionConnLost(t *testing.T) {
	fx := newTestSession(t, 0)
	_ = fx.session.Play(testCtx(t), "t1", "tester", 10)

	fx.session.NotifyConnLost()

	select {
	case <-fx.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after losing its connection")
	}
	if !fx.controller.stream(0).handle.stopped.Load() {
		t.Error("active stream not stopped on connection loss")
	}
}

package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

var (
	ErrSessionClosed  = errors.New("playback session is shutting down")
	ErrNothingPlaying = errors.New("nothing is playing")
)

// ===========================
// Ports
// ===========================

// SourceResolver turns a user query into a playable track.
type SourceResolver interface {
	Resolve(ctx context.Context, query string) (Track, error)
}

// VoiceConn is an established voice connection for one guild.
type VoiceConn interface {
	ChannelID() snowflake.ID
	Close(ctx context.Context)
}

// VoiceTransport joins voice channels.
type VoiceTransport interface {
	Join(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error)
}

// StreamHandle controls one running audio stream.
type StreamHandle interface {
	Pause()
	Resume()
	Stop()
}

// StreamController starts audio streams on a voice connection. The onDone
// callback fires exactly once per started stream with nil on normal
// completion or the failure error.
type StreamController interface {
	Start(ctx context.Context, conn VoiceConn, track Track, volume *atomic.Int32, onDone func(err error)) (StreamHandle, error)
}

// Notifier receives session lifecycle events for user-facing delivery.
type Notifier interface {
	Notify(guildID snowflake.ID, ev SessionEvent)
}

// ===========================
// Events
// ===========================

type SessionEventKind int

const (
	EventStartedTrack SessionEventKind = iota
	EventQueuedTrack
	EventSkipped
	EventPaused
	EventResumed
	EventStopped
	EventQueueExhausted
	EventError
)

type SessionEvent struct {
	Kind     SessionEventKind
	Track    Track
	Err      error
	QueueLen int
}

// ===========================
// States and commands
// ===========================

type SessionState int32

const (
	StateIdle SessionState = iota
	StatePlaying
	StatePaused
	StateStopping
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdQueue
	cmdSkip
	cmdStop
	cmdPause
	cmdResume
	cmdList
	cmdSetVolume
)

type command struct {
	kind      commandKind
	query     string
	requester string
	channelID snowflake.ID // voice channel for play/queue
	volume    int
	ack       chan CommandResult
}

// CommandResult is the single acknowledgement every submitted command gets.
type CommandResult struct {
	Track    Track  // resolved track for play/queue
	Queued   bool   // play landed in the queue instead of starting
	Position int    // 1-based queue position when Queued
	NoOp     bool   // command was accepted but changed nothing
	Current  *Track // list: what is playing now
	Pending  []Track
	Err      error
}

// streamDone is the terminal event of one stream, tagged with the sequence
// number the session assigned when it started the stream.
type streamDone struct {
	seq uint64
	err error
}

// connLost reports the voice connection died outside the session's control.
type connLost struct{}

// ===========================
// PlaybackSession
// ===========================

// SessionDeps carries everything a session needs from the outside world.
type SessionDeps struct {
	Resolver   SourceResolver
	Transport  VoiceTransport
	Controller StreamController
	Notifier   Notifier

	MaxQueueLength int
	OnClose        func(guildID snowflake.ID)
}

// PlaybackSession owns all playback state for one guild. A single worker
// goroutine processes commands and stream events in arrival order, so no
// field below needs a lock except the atomics read from outside.
type PlaybackSession struct {
	guildID snowflake.ID
	deps    SessionDeps

	ctx    context.Context
	cancel context.CancelFunc

	msgs chan any
	done chan struct{}

	// worker-owned
	queue     *TrackQueue
	state     SessionState
	current   Track
	playing   bool // current is valid
	conn      VoiceConn
	handle    StreamHandle
	streamSeq uint64

	// readable from outside the worker
	stateAtomic  atomic.Int32
	queueLen     atomic.Int32
	lastActivity atomic.Int64
	volume       atomic.Int32

	stopRequested atomic.Bool
	opMu          sync.Mutex
	opCancel      context.CancelFunc
}

func NewPlaybackSession(ctx context.Context, guildID snowflake.ID, deps SessionDeps) *PlaybackSession {
	sctx, cancel := context.WithCancel(ctx)
	s := &PlaybackSession{
		guildID: guildID,
		deps:    deps,
		ctx:     sctx,
		cancel:  cancel,
		msgs:    make(chan any, 16),
		done:    make(chan struct{}),
		queue:   NewTrackQueue(deps.MaxQueueLength),
		state:   StateIdle,
	}
	s.volume.Store(int32(GetGuildVolume(sctx, guildID)))
	s.touch()
	go s.worker()
	return s
}

func (s *PlaybackSession) GuildID() snowflake.ID { return s.guildID }

// State is a lock-free snapshot for the registry and reaper.
func (s *PlaybackSession) State() SessionState { return SessionState(s.stateAtomic.Load()) }

func (s *PlaybackSession) QueueLen() int { return int(s.queueLen.Load()) }

func (s *PlaybackSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *PlaybackSession) Volume() int { return int(s.volume.Load()) }

func (s *PlaybackSession) Done() <-chan struct{} { return s.done }

func (s *PlaybackSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *PlaybackSession) setState(st SessionState) {
	s.state = st
	s.stateAtomic.Store(int32(st))
}

// submit places a message on the worker channel, failing fast once the
// session has shut down.
func (s *PlaybackSession) submit(ctx context.Context, msg any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.msgs <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PlaybackSession) submitAsync(msg any) {
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

// Do submits a command and waits for its single acknowledgement.
func (s *PlaybackSession) Do(ctx context.Context, cmd command) CommandResult {
	cmd.ack = make(chan CommandResult, 1)

	if cmd.kind == cmdStop {
		// Preempt a resolve or join already in flight so stop does not
		// wait behind it.
		s.stopRequested.Store(true)
		s.cancelCurrentOp()
	}

	if err := s.submit(ctx, cmd); err != nil {
		return CommandResult{Err: err}
	}
	select {
	case res := <-cmd.ack:
		return res
	case <-ctx.Done():
		return CommandResult{Err: ctx.Err()}
	case <-s.done:
		// The shutdown drain acks everything still in flight; give it a
		// moment to reach this command.
		select {
		case res := <-cmd.ack:
			return res
		case <-time.After(time.Second):
			return CommandResult{Err: ErrSessionClosed}
		}
	}
}

func (s *PlaybackSession) Play(ctx context.Context, query, requester string, channelID snowflake.ID) CommandResult {
	return s.Do(ctx, command{kind: cmdPlay, query: query, requester: requester, channelID: channelID})
}

func (s *PlaybackSession) Queue(ctx context.Context, query, requester string, channelID snowflake.ID) CommandResult {
	return s.Do(ctx, command{kind: cmdQueue, query: query, requester: requester, channelID: channelID})
}

func (s *PlaybackSession) Skip(ctx context.Context) CommandResult {
	return s.Do(ctx, command{kind: cmdSkip})
}

func (s *PlaybackSession) Stop(ctx context.Context) CommandResult {
	return s.Do(ctx, command{kind: cmdStop})
}

func (s *PlaybackSession) Pause(ctx context.Context) CommandResult {
	return s.Do(ctx, command{kind: cmdPause})
}

func (s *PlaybackSession) Resume(ctx context.Context) CommandResult {
	return s.Do(ctx, command{kind: cmdResume})
}

func (s *PlaybackSession) List(ctx context.Context) CommandResult {
	return s.Do(ctx, command{kind: cmdList})
}

func (s *PlaybackSession) SetVolume(ctx context.Context, volume int) CommandResult {
	return s.Do(ctx, command{kind: cmdSetVolume, volume: volume})
}

// NotifyConnLost tells the session its voice connection died externally
// (kick, channel delete, gateway drop).
func (s *PlaybackSession) NotifyConnLost() {
	s.submitAsync(connLost{})
}

func (s *PlaybackSession) cancelCurrentOp() {
	s.opMu.Lock()
	if s.opCancel != nil {
		s.opCancel()
	}
	s.opMu.Unlock()
}

func (s *PlaybackSession) beginOp() context.Context {
	opCtx, cancel := context.WithCancel(s.ctx)
	s.opMu.Lock()
	s.opCancel = cancel
	s.opMu.Unlock()
	return opCtx
}

func (s *PlaybackSession) endOp() {
	s.opMu.Lock()
	if s.opCancel != nil {
		s.opCancel()
		s.opCancel = nil
	}
	s.opMu.Unlock()
}

// ===========================
// Worker
// ===========================

func (s *PlaybackSession) worker() {
	LogVoice("Session started for guild %s", s.guildID)

	for {
		select {
		case msg := <-s.msgs:
			if s.dispatch(msg) {
				s.shutdown()
				return
			}
		case <-s.ctx.Done():
			s.teardown(true)
			s.shutdown()
			return
		}
	}
}

// dispatch handles one message; it returns true once the session is over.
func (s *PlaybackSession) dispatch(msg any) (closed bool) {
	switch m := msg.(type) {
	case command:
		if s.stopRequested.Load() && m.kind != cmdStop {
			m.ack <- CommandResult{Err: ErrSessionClosed}
			return false
		}
		return s.handleCommand(m)
	case streamDone:
		s.handleStreamDone(m)
		return false
	case connLost:
		LogVoice("Voice connection lost for guild %s, tearing down", s.guildID)
		s.conn = nil
		s.teardown(false)
		return true
	}
	return false
}

func (s *PlaybackSession) handleCommand(cmd command) (closed bool) {
	s.touch()
	switch cmd.kind {
	case cmdPlay:
		cmd.ack <- s.handlePlay(cmd, false)
	case cmdQueue:
		cmd.ack <- s.handlePlay(cmd, true)
	case cmdSkip:
		cmd.ack <- s.handleSkip()
	case cmdPause:
		cmd.ack <- s.handlePause()
	case cmdResume:
		cmd.ack <- s.handleResume()
	case cmdList:
		cmd.ack <- s.handleList()
	case cmdSetVolume:
		cmd.ack <- s.handleSetVolume(cmd.volume)
	case cmdStop:
		s.teardown(true)
		cmd.ack <- CommandResult{}
		return true
	}
	return false
}

// handlePlay covers both play and queue. queueOnly never starts playback.
func (s *PlaybackSession) handlePlay(cmd command, queueOnly bool) CommandResult {
	opCtx := s.beginOp()
	defer s.endOp()

	track, err := s.deps.Resolver.Resolve(opCtx, cmd.query)
	if err != nil {
		if s.stopRequested.Load() {
			return CommandResult{Err: ErrSessionClosed}
		}
		return CommandResult{Err: err}
	}
	track.RequestedBy = cmd.requester

	startNow := !queueOnly && s.state == StateIdle
	if !startNow {
		if err := s.queue.Push(track); err != nil {
			return CommandResult{Err: err}
		}
		s.queueLen.Store(int32(s.queue.Len()))
		s.notify(SessionEvent{Kind: EventQueuedTrack, Track: track, QueueLen: s.queue.Len()})
		return CommandResult{Track: track, Queued: true, Position: s.queue.Len()}
	}

	if s.conn == nil {
		conn, err := s.deps.Transport.Join(opCtx, s.guildID, cmd.channelID)
		if err != nil {
			if s.stopRequested.Load() {
				return CommandResult{Err: ErrSessionClosed}
			}
			return CommandResult{Err: err}
		}
		s.conn = conn
	}

	if err := s.startStream(track, false); err != nil {
		return CommandResult{Err: err}
	}
	return CommandResult{Track: track}
}

func (s *PlaybackSession) handleSkip() CommandResult {
	if !s.playing {
		return CommandResult{Err: ErrNothingPlaying}
	}
	skipped := s.current
	s.stopCurrentStream()
	s.notify(SessionEvent{Kind: EventSkipped, Track: skipped, QueueLen: s.queue.Len()})
	if err := s.advance(); err != nil {
		return CommandResult{Err: err}
	}
	return CommandResult{Track: skipped}
}

func (s *PlaybackSession) handlePause() CommandResult {
	if s.state != StatePlaying {
		return CommandResult{NoOp: true}
	}
	s.handle.Pause()
	s.setState(StatePaused)
	s.notify(SessionEvent{Kind: EventPaused, Track: s.current})
	return CommandResult{Track: s.current}
}

func (s *PlaybackSession) handleResume() CommandResult {
	if s.state != StatePaused {
		return CommandResult{NoOp: true}
	}
	s.handle.Resume()
	s.setState(StatePlaying)
	s.notify(SessionEvent{Kind: EventResumed, Track: s.current})
	return CommandResult{Track: s.current}
}

func (s *PlaybackSession) handleList() CommandResult {
	res := CommandResult{Pending: s.queue.Snapshot()}
	if s.playing {
		cur := s.current
		res.Current = &cur
	}
	return res
}

func (s *PlaybackSession) handleSetVolume(volume int) CommandResult {
	if volume < 0 {
		volume = 0
	}
	if volume > 200 {
		volume = 200
	}
	s.volume.Store(int32(volume))
	if err := SetGuildVolume(s.ctx, s.guildID, volume); err != nil {
		LogVoice("Failed to persist volume for guild %s: %v", s.guildID, err)
	}
	return CommandResult{}
}

func (s *PlaybackSession) handleStreamDone(m streamDone) {
	if m.seq != s.streamSeq {
		// A stream we already stopped (skip or stop raced its natural
		// end). Its outcome no longer matters.
		return
	}
	s.touch()
	s.handle = nil
	finished := s.current
	if m.err != nil {
		LogStream("Stream for %q failed in guild %s: %v", finished.Title, s.guildID, m.err)
		s.notify(SessionEvent{Kind: EventError, Track: finished, Err: m.err})
	}
	if err := s.advance(); err != nil {
		LogVoice("Failed to advance queue in guild %s: %v", s.guildID, err)
		s.notify(SessionEvent{Kind: EventError, Err: err})
	}
}

// advance dequeues and starts the next track, or winds down to Idle and
// leaves the voice channel when the queue is empty.
func (s *PlaybackSession) advance() error {
	next, err := s.queue.Pop()
	if err != nil {
		s.playing = false
		s.current = Track{}
		s.setState(StateIdle)
		s.queueLen.Store(0)
		s.leaveVoice()
		s.notify(SessionEvent{Kind: EventQueueExhausted})
		return nil
	}
	s.queueLen.Store(int32(s.queue.Len()))
	return s.startStream(next, true)
}

// startStream launches the next stream. announce distinguishes auto-advance
// (notifier speaks) from command-initiated starts (the ack speaks).
func (s *PlaybackSession) startStream(track Track, announce bool) error {
	s.streamSeq++
	seq := s.streamSeq
	handle, err := s.deps.Controller.Start(s.ctx, s.conn, track, &s.volume, func(err error) {
		s.submitAsync(streamDone{seq: seq, err: err})
	})
	if err != nil {
		s.playing = false
		s.setState(StateIdle)
		return err
	}
	s.handle = handle
	s.current = track
	s.playing = true
	s.setState(StatePlaying)
	if announce {
		s.notify(SessionEvent{Kind: EventStartedTrack, Track: track, QueueLen: s.queue.Len()})
	}
	return nil
}

// stopCurrentStream stops the active stream and invalidates its pending
// terminal event by bumping the sequence number.
func (s *PlaybackSession) stopCurrentStream() {
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	s.streamSeq++
	s.playing = false
	s.current = Track{}
}

// teardown stops playback, clears the queue and leaves voice. With notify
// set it emits the Stopped event (external teardown already implies it).
func (s *PlaybackSession) teardown(notifyStopped bool) {
	s.setState(StateStopping)
	s.stopCurrentStream()
	s.queue.Clear()
	s.queueLen.Store(0)
	s.leaveVoice()
	if notifyStopped {
		s.notify(SessionEvent{Kind: EventStopped})
	}
}

func (s *PlaybackSession) leaveVoice() {
	if s.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.conn.Close(ctx)
	cancel()
	s.conn = nil
}

// shutdown finalizes the session: later commands fail fast, anything
// already queued still gets its single acknowledgement.
func (s *PlaybackSession) shutdown() {
	s.stopRequested.Store(true)
	close(s.done)
	s.cancel()

	for {
		select {
		case msg := <-s.msgs:
			if cmd, ok := msg.(command); ok {
				cmd.ack <- CommandResult{Err: ErrSessionClosed}
			}
		default:
			if s.deps.OnClose != nil {
				s.deps.OnClose(s.guildID)
			}
			LogVoice("Session closed for guild %s", s.guildID)
			return
		}
	}
}

func (s *PlaybackSession) notify(ev SessionEvent) {
	if s.deps.Notifier == nil {
		return
	}
	s.deps.Notifier.Notify(s.guildID, ev)
}

package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

var ErrNoActiveSession = errors.New("no active playback session in this server")

// Registry is the process-wide session registry, set during client startup.
var Registry *SessionRegistry

// SessionRegistry maps guilds to their playback sessions. Get-or-create is
// atomic: two concurrent play commands for the same guild always land on
// the same session.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*PlaybackSession

	ctx         context.Context
	deps        SessionDeps
	idleTimeout time.Duration
}

func NewSessionRegistry(ctx context.Context, deps SessionDeps, idleTimeout time.Duration) *SessionRegistry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	r := &SessionRegistry{
		sessions:    make(map[snowflake.ID]*PlaybackSession),
		ctx:         ctx,
		deps:        deps,
		idleTimeout: idleTimeout,
	}
	return r
}

// GetOrCreate returns the live session for a guild, creating one if needed.
func (r *SessionRegistry) GetOrCreate(guildID snowflake.ID) *PlaybackSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[guildID]; ok {
		select {
		case <-s.Done():
			// closed but not yet removed, replace it
		default:
			return s
		}
	}

	deps := r.deps
	deps.OnClose = func(id snowflake.ID) {
		r.remove(id)
		if r.deps.OnClose != nil {
			r.deps.OnClose(id)
		}
	}
	s := NewPlaybackSession(r.ctx, guildID, deps)
	r.sessions[guildID] = s
	LogRegistry("Created session for guild %s (%d active)", guildID, len(r.sessions))
	return s
}

// Get returns the live session for a guild, or nil.
func (r *SessionRegistry) Get(guildID snowflake.ID) *PlaybackSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	if !ok {
		return nil
	}
	select {
	case <-s.Done():
		return nil
	default:
		return s
	}
}

func (r *SessionRegistry) remove(guildID snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[guildID]; ok {
		select {
		case <-s.Done():
			delete(r.sessions, guildID)
			LogRegistry("Removed session for guild %s (%d active)", guildID, len(r.sessions))
		default:
			// a fresh session took the slot, leave it
		}
	}
}

// Dispatch routes a command to the guild's session. Play and queue create
// a session on demand; everything else requires one to already exist.
func (r *SessionRegistry) Dispatch(ctx context.Context, guildID snowflake.ID, cmd command) CommandResult {
	var s *PlaybackSession
	switch cmd.kind {
	case cmdPlay, cmdQueue:
		s = r.GetOrCreate(guildID)
	default:
		s = r.Get(guildID)
		if s == nil {
			return CommandResult{Err: ErrNoActiveSession}
		}
	}
	return s.Do(ctx, cmd)
}

func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops every live session and waits for them to close.
func (r *SessionRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*PlaybackSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *PlaybackSession) {
			defer wg.Done()
			s.Stop(ctx)
			select {
			case <-s.Done():
			case <-ctx.Done():
			}
		}(s)
	}
	wg.Wait()
}

// reapIdle stops sessions that have sat in Idle with an empty queue past
// the idle timeout.
func (r *SessionRegistry) reapIdle(now time.Time) int {
	r.mu.Lock()
	var stale []*PlaybackSession
	for _, s := range r.sessions {
		if s.State() == StateIdle && s.QueueLen() == 0 && now.Sub(s.LastActivity()) > r.idleTimeout {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		LogRegistry("Reaping idle session for guild %s", s.GuildID())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.Stop(ctx)
		cancel()
	}
	return len(stale)
}

func init() {
	RegisterDaemon(LogRegistry, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if Registry != nil {
						Registry.reapIdle(now)
					}
				}
			}
		}
		return true, run, func() {
			if Registry != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				Registry.Shutdown(ctx)
				cancel()
			}
		}
	})
}

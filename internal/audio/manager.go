package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/session"
)

// Manager scopes the audio session to "room subscription open AND room
// live". Entry: platform session, token fetch, transport connect. Exit, for
// any reason, in reverse order. A generation counter closes the race where a
// negotiation completes after teardown began: the late result is disposed,
// never activated.
type Manager struct {
	roomID   domain.RoomID
	room     Room
	platform PlatformSession
	player   Player
	tokens   TokenSource

	mu        sync.Mutex
	st        State
	active    bool
	gen       uint64
	intent    *bool
	attached  map[string]RemoteTrack
	listeners map[uint64]func(State)
	nextID    uint64
}

func NewManager(roomID domain.RoomID, room Room, tokens TokenSource, platform PlatformSession, player Player) *Manager {
	if platform == nil {
		platform = NopPlatform{}
	}
	if player == nil {
		player = NopPlayer{}
	}
	m := &Manager{
		roomID:    roomID,
		room:      room,
		platform:  platform,
		player:    player,
		tokens:    tokens,
		st:        State{Phase: PhaseIdle},
		attached:  make(map[string]RemoteTrack),
		listeners: make(map[uint64]func(State)),
	}
	room.OnTrackSubscribed(m.handleTrackSubscribed)
	room.OnTrackUnsubscribed(m.handleTrackUnsubscribed)
	return m
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// OnChange registers h for audio state transitions; the returned unsubscribe
// is idempotent.
func (m *Manager) OnChange(h func(State)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
		})
	}
}

// Start enters the audio scope. Idempotent while active. Failures along the
// way are logged and land in PhaseDisconnected; they never propagate to the
// presence layer.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.gen++
	gen := m.gen
	m.st.Phase = PhaseConnecting
	snap, ls := m.snapshotLocked()
	m.mu.Unlock()
	dispatch(snap, ls)

	go m.open(ctx, gen)
}

func (m *Manager) open(ctx context.Context, gen uint64) {
	if err := m.platform.Activate(); err != nil {
		log.Error().Err(err).Str("module", "audio").Msg("platform audio session activate")
		m.failConnect(gen)
		return
	}

	creds, err := m.tokens.RoomToken(ctx, m.roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "audio").Str("room", string(m.roomID)).Msg("token fetch")
		m.platform.Release()
		m.failConnect(gen)
		return
	}

	if err := m.room.Connect(ctx, creds.URL, creds.Token); err != nil {
		log.Error().Err(err).Str("module", "audio").Str("room", string(m.roomID)).Msg("audio connect")
		m.platform.Release()
		m.failConnect(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		// Teardown began while we were negotiating: dispose, do not activate.
		m.mu.Unlock()
		m.room.Disconnect()
		m.platform.Release()
		return
	}
	m.st.Phase = PhaseConnected
	var pending *bool
	if m.intent != nil {
		v := *m.intent
		pending = &v
	}
	snap, ls := m.snapshotLocked()
	m.mu.Unlock()
	log.Info().Str("module", "audio").Str("room", string(m.roomID)).Msg("audio session connected")
	dispatch(snap, ls)

	if pending != nil {
		m.applyMicrophone(ctx, gen, *pending)
	}
}

func (m *Manager) failConnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.st.Phase = PhaseDisconnected
	snap, ls := m.snapshotLocked()
	m.mu.Unlock()
	dispatch(snap, ls)
}

// Stop exits the audio scope, whatever caused the exit: WebRTC first, then
// the platform session, and every still-attached remote track is detached so
// nothing leaks across room sessions.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.gen++
	// A connect still in flight is disposed by open() when it sees the
	// generation bump; tearing it down here too would double-release.
	wasConnected := m.st.Phase == PhaseConnected
	tracks := m.attached
	m.attached = make(map[string]RemoteTrack)
	m.intent = nil
	m.st = State{Phase: PhaseIdle}
	snap, ls := m.snapshotLocked()
	m.mu.Unlock()

	for _, t := range tracks {
		m.player.Detach(t)
	}
	if wasConnected {
		m.room.Disconnect()
		m.platform.Release()
	}
	log.Info().Str("module", "audio").Str("room", string(m.roomID)).Msg("audio session stopped")
	dispatch(snap, ls)
}

// SetPublishIntent feeds the derived "should I be publishing" boolean.
// Repeated identical values coalesce into nothing: at most one microphone
// call per effective state, however many presence events produced it.
func (m *Manager) SetPublishIntent(ctx context.Context, should bool) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	if m.intent != nil && *m.intent == should {
		m.mu.Unlock()
		return
	}
	v := should
	m.intent = &v
	gen := m.gen
	connected := m.st.Phase == PhaseConnected
	m.mu.Unlock()

	if connected {
		m.applyMicrophone(ctx, gen, should)
	}
}

func (m *Manager) applyMicrophone(ctx context.Context, gen uint64, enabled bool) {
	err := m.room.SetMicrophoneEnabled(ctx, enabled)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		m.st.LocalAudioEnabled = enabled
		m.st.MicPermissionDenied = false
	case errors.Is(err, ErrMicPermissionDenied):
		// Sticky until a later enable succeeds; the UI prompts, we don't
		// retry on our own.
		m.st.MicPermissionDenied = true
		m.st.LocalAudioEnabled = false
	default:
		log.Error().Err(err).Str("module", "audio").Msg("set microphone")
		m.mu.Unlock()
		return
	}
	snap, ls := m.snapshotLocked()
	m.mu.Unlock()
	dispatch(snap, ls)
}

func (m *Manager) handleTrackSubscribed(t RemoteTrack) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	if _, ok := m.attached[t.ID()]; ok {
		m.mu.Unlock()
		return
	}
	m.attached[t.ID()] = t
	m.mu.Unlock()

	if err := m.player.Attach(t); err != nil {
		log.Error().Err(err).Str("module", "audio").Str("track", t.ID()).Msg("attach track")
		m.mu.Lock()
		delete(m.attached, t.ID())
		m.mu.Unlock()
	}
}

func (m *Manager) handleTrackUnsubscribed(t RemoteTrack) {
	m.mu.Lock()
	prev, ok := m.attached[t.ID()]
	if ok {
		delete(m.attached, t.ID())
	}
	m.mu.Unlock()

	if ok {
		m.player.Detach(prev)
	}
}

// ObserveSession binds the audio scope to a presence session: the manager
// runs exactly while the subscription is joined and the room is live, and
// the derived publish intent flows through. Leaving, the room ending and
// the subscription closing all exit the scope the same way. Returns the
// unsubscribe.
func (m *Manager) ObserveSession(ctx context.Context, s *session.Session) func() {
	return s.OnChange(func(st session.State) {
		if st.IsRoomEnded || !st.IsLive || !st.IsJoined {
			m.Stop()
			return
		}
		m.Start(ctx)
		m.SetPublishIntent(ctx, st.ShouldPublish())
	})
}

func (m *Manager) snapshotLocked() (State, []func(State)) {
	ls := make([]func(State), 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	return m.st, ls
}

func dispatch(snap State, ls []func(State)) {
	for _, l := range ls {
		l(snap)
	}
}

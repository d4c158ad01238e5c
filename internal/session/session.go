// Package session implements the room presence state machine: it folds the
// transport's event stream and local user intent into one consistent room
// state and issues role-gated commands back over the channel.
package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/transport"
	"github.com/voxhall/voxhall/internal/wire"
)

// Session is one room subscription: unsubscribed -> joining -> joined ->
// ended. Ended is one-way; a restarted room needs a fresh Session. One
// instance per active room view, owned and disposed by the caller.
type Session struct {
	roomID domain.RoomID
	userID domain.UserID
	tr     transport.Transport

	mu        sync.Mutex
	st        State
	hasJoined bool
	closed    bool
	listeners map[uint64]func(State)
	nextID    uint64
	unsubs    []func()
}

func New(tr transport.Transport, roomID domain.RoomID, userID domain.UserID) *Session {
	s := &Session{
		roomID:    roomID,
		userID:    userID,
		tr:        tr,
		listeners: make(map[uint64]func(State)),
	}
	s.st.IsConnected = tr.IsConnected()

	s.unsubs = []func(){
		tr.Subscribe(wire.EventParticipantsUpdate, s.handleParticipantsUpdate),
		tr.Subscribe(wire.EventParticipantMute, s.handleParticipantMute),
		tr.Subscribe(wire.EventSpeakerRequested, s.handleSpeakerRequested),
		tr.Subscribe(wire.EventSpeakerApproved, s.handleSpeakerApproved),
		tr.Subscribe(wire.EventSpeakerDenied, s.handleSpeakerDenied),
		tr.Subscribe(wire.EventSpeakerRemoved, s.handleSpeakerRemoved),
		tr.Subscribe(wire.EventRoomStarted, s.handleRoomStarted),
		tr.Subscribe(wire.EventRoomEnded, s.handleRoomEnded),
		tr.Subscribe(wire.EventStreamStarted, s.handleStreamStarted),
		tr.Subscribe(wire.EventStreamStopped, s.handleStreamStopped),
		tr.Subscribe(wire.EventRecordingStarted, s.handleRecordingStarted),
		tr.Subscribe(wire.EventRecordingStopped, s.handleRecordingStopped),
		tr.OnConnectionChange(s.handleConnectionChange),
	}
	return s
}

func (s *Session) RoomID() domain.RoomID { return s.roomID }
func (s *Session) UserID() domain.UserID { return s.userID }

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.clone()
}

// OnChange registers h for state transitions. The returned unsubscribe is
// idempotent.
func (s *Session) OnChange(h func(State)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}
}

// Join sends room:join with an ack. The has-joined guard is set
// synchronously before the command goes out, so rapid duplicate calls never
// double-send. On ack failure the guard resets and the caller may retry.
func (s *Session) Join() {
	s.mu.Lock()
	if s.closed || s.hasJoined || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.hasJoined = true
	s.mu.Unlock()

	log.Debug().Str("module", "session").Str("room", string(s.roomID)).Msg("join")
	s.tr.Send(wire.CmdRoomJoin, wire.JoinPayload{RoomID: s.roomID}, s.onJoinAck)
}

func (s *Session) onJoinAck(raw json.RawMessage) {
	var ack wire.JoinAck
	if raw == nil || json.Unmarshal(raw, &ack) != nil || !ack.Success {
		s.mu.Lock()
		s.hasJoined = false
		s.mu.Unlock()
		log.Warn().Str("module", "session").Str("room", string(s.roomID)).Str("reason", ack.Error).Msg("join failed")
		return
	}

	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.applyParticipantsLocked(ack.Participants)
	s.st.IsJoined = true
	s.st.IsLive = true
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("room", string(s.roomID)).Int("participants", len(snap.Participants)).Msg("joined")
	dispatch(snap, ls)
}

// Leave is idempotent and fire-and-forget: it clears local membership,
// resets the join guard and sends room:leave only if a join was in effect.
// Safe from every teardown path.
func (s *Session) Leave() {
	s.mu.Lock()
	wasJoined := s.hasJoined
	s.hasJoined = false
	s.st.IsJoined = false
	s.st.Participants = nil
	s.st.MyRole = ""
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()

	if wasJoined {
		log.Debug().Str("module", "session").Str("room", string(s.roomID)).Msg("leave")
		s.tr.Send(wire.CmdRoomLeave, wire.LeavePayload{RoomID: s.roomID}, nil)
	}
	dispatch(snap, ls)
}

// ToggleMute flips the local mute optimistically, then tells the server.
// The next server mute broadcast for this user is authoritative.
func (s *Session) ToggleMute() {
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.st.IsMuted = !s.st.IsMuted
	muted := s.st.IsMuted
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()

	s.tr.Send(wire.CmdAudioMute, wire.MutePayload{RoomID: s.roomID, IsMuted: muted}, nil)
	dispatch(snap, ls)
}

// RequestToSpeak asks for promotion. No-op for speakers and hosts. The
// request is not reflected locally; it shows up in SpeakerRequests only via
// the server's echo, which is a host-facing list.
func (s *Session) RequestToSpeak() {
	s.mu.Lock()
	role := s.st.MyRole
	closed := s.closed || s.st.IsRoomEnded
	s.mu.Unlock()
	if closed || role.CanPublish() {
		return
	}
	s.tr.Send(wire.CmdSpeakerRequest, wire.SpeakerRequestPayload{RoomID: s.roomID}, nil)
}

// ApproveSpeaker removes the pending request locally before the server
// confirms, so a host's view never shows a stale entry, and sends the
// command. A server rejection is reconciled by the next snapshot.
func (s *Session) ApproveSpeaker(userID domain.UserID) {
	s.decideSpeaker(wire.CmdSpeakerApprove, userID)
}

// DenySpeaker mirrors ApproveSpeaker with the deny command.
func (s *Session) DenySpeaker(userID domain.UserID) {
	s.decideSpeaker(wire.CmdSpeakerDeny, userID)
}

func (s *Session) decideSpeaker(cmd string, userID domain.UserID) {
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.removeRequestLocked(userID)
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()

	s.tr.Send(cmd, wire.SpeakerTargetPayload{RoomID: s.roomID, TargetUserID: userID}, nil)
	dispatch(snap, ls)
}

// RemoveSpeaker demotes a speaker. No optimistic mutation; the demotion is
// reflected only by the server broadcast.
func (s *Session) RemoveSpeaker(userID domain.UserID) {
	s.mu.Lock()
	closed := s.closed || s.st.IsRoomEnded
	s.mu.Unlock()
	if closed {
		return
	}
	s.tr.Send(wire.CmdSpeakerRemove, wire.SpeakerTargetPayload{RoomID: s.roomID, TargetUserID: userID}, nil)
}

// Close tears the subscription down: leaves if joined (exactly once, same
// guard as Join), drops event subscriptions and listeners. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.Leave()

	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[uint64]func(State))
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	log.Debug().Str("module", "session").Str("room", string(s.roomID)).Msg("session closed")
}

// applyParticipantsLocked replaces membership wholesale with the server
// snapshot, re-derives MyRole and drops speaker requests for users the
// snapshot promoted.
func (s *Session) applyParticipantsLocked(list []domain.Participant) {
	seen := make(map[domain.UserID]struct{}, len(list))
	out := make([]domain.Participant, 0, len(list))
	for _, p := range list {
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p)
	}
	s.st.Participants = out

	s.st.MyRole = ""
	for _, p := range out {
		if p.UserID == s.userID {
			s.st.MyRole = p.Role
			break
		}
	}

	if len(s.st.SpeakerRequests) > 0 {
		kept := s.st.SpeakerRequests[:0]
		for _, r := range s.st.SpeakerRequests {
			if s.roleOfLocked(r.UserID).CanPublish() {
				continue
			}
			kept = append(kept, r)
		}
		s.st.SpeakerRequests = kept
	}
}

func (s *Session) roleOfLocked(userID domain.UserID) domain.Role {
	for _, p := range s.st.Participants {
		if p.UserID == userID {
			return p.Role
		}
	}
	return ""
}

func (s *Session) removeRequestLocked(userID domain.UserID) {
	for i, r := range s.st.SpeakerRequests {
		if r.UserID == userID {
			s.st.SpeakerRequests = append(s.st.SpeakerRequests[:i:i], s.st.SpeakerRequests[i+1:]...)
			return
		}
	}
}

func (s *Session) snapshotLocked() (State, []func(State)) {
	ls := make([]func(State), 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	return s.st.clone(), ls
}

func dispatch(snap State, ls []func(State)) {
	for _, l := range ls {
		l(snap)
	}
}

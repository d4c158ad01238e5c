package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/transport"
	"github.com/voxhall/voxhall/internal/wire"
)

const (
	testRoom = domain.RoomID("r1")
	selfID   = domain.UserID("me")
)

type sentCommand struct {
	cmd     string
	payload json.RawMessage
	ack     transport.AckFunc
}

// fakeTransport records sends and lets tests push server events.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []sentCommand
	subs      map[string][]transport.Handler
	connSubs  []func(bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, subs: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Connect(domain.UserID, string) {}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(cmd string, payload any, ack transport.AckFunc) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{cmd: cmd, payload: raw, ack: ack})
}

func (f *fakeTransport) Subscribe(event string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[event] = append(f.subs[event], h)
	return func() {}
}

func (f *fakeTransport) OnConnectionChange(h func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connSubs = append(f.connSubs, h)
	return func() {}
}

func (f *fakeTransport) emit(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.subs[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeTransport) sends(cmd string) []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCommand
	for _, s := range f.sent {
		if s.cmd == cmd {
			out = append(out, s)
		}
	}
	return out
}

func participants(ps ...domain.Participant) wire.ParticipantsUpdate {
	return wire.ParticipantsUpdate{RoomID: testRoom, Participants: ps, Count: len(ps)}
}

func host(id domain.UserID) domain.Participant {
	return domain.Participant{UserID: id, Role: domain.RoleHost, JoinedAt: time.Now()}
}

func speaker(id domain.UserID) domain.Participant {
	return domain.Participant{UserID: id, Role: domain.RoleSpeaker, JoinedAt: time.Now()}
}

func listener(id domain.UserID) domain.Participant {
	return domain.Participant{UserID: id, Role: domain.RoleListener, JoinedAt: time.Now()}
}

func joinedSession(t *testing.T, tr *fakeTransport, snapshot ...domain.Participant) *Session {
	t.Helper()
	s := New(tr, testRoom, selfID)
	s.Join()
	joins := tr.sends(wire.CmdRoomJoin)
	require.Len(t, joins, 1)
	ack, err := json.Marshal(wire.JoinAck{Success: true, Participants: snapshot})
	require.NoError(t, err)
	joins[0].ack(ack)
	return s
}

func TestJoinIsGuardedAgainstDuplicates(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, testRoom, selfID)

	s.Join()
	s.Join()
	s.Join()

	require.Len(t, tr.sends(wire.CmdRoomJoin), 1)
}

func TestJoinAckFailureAllowsRetry(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, testRoom, selfID)

	s.Join()
	joins := tr.sends(wire.CmdRoomJoin)
	require.Len(t, joins, 1)
	ack, _ := json.Marshal(wire.JoinAck{Success: false, Error: "room is not live"})
	joins[0].ack(ack)

	require.Empty(t, s.Snapshot().Participants)

	s.Join()
	require.Len(t, tr.sends(wire.CmdRoomJoin), 2)
}

func TestJoinAckNilCountsAsFailure(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, testRoom, selfID)

	s.Join()
	tr.sends(wire.CmdRoomJoin)[0].ack(nil)

	s.Join()
	require.Len(t, tr.sends(wire.CmdRoomJoin), 2)
}

func TestSnapshotReplacesParticipantsWholesale(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), listener("u2"))

	tr.emit(t, wire.EventParticipantsUpdate, participants(host("h1"), listener("u3")))

	got := s.Snapshot().Participants
	require.Len(t, got, 2)
	require.Equal(t, domain.UserID("h1"), got[0].UserID)
	require.Equal(t, domain.UserID("u3"), got[1].UserID)
}

func TestMyRoleIsNilUntilSnapshotIncludesSelf(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"))

	require.Equal(t, domain.Role(""), s.Snapshot().MyRole)

	tr.emit(t, wire.EventParticipantsUpdate, participants(host("h1"), speaker(selfID)))
	require.Equal(t, domain.RoleSpeaker, s.Snapshot().MyRole)
}

func TestSpeakerRequestsDeduplicate(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host(selfID), listener("u2"))

	req := wire.SpeakerRequested{RoomID: testRoom, UserID: "u2", Timestamp: time.Now()}
	tr.emit(t, wire.EventSpeakerRequested, req)
	tr.emit(t, wire.EventSpeakerRequested, req)

	require.Len(t, s.Snapshot().SpeakerRequests, 1)
}

func TestSpeakerRequestIgnoredForPublishingRoles(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host(selfID), speaker("u2"))

	tr.emit(t, wire.EventSpeakerRequested, wire.SpeakerRequested{RoomID: testRoom, UserID: "u2"})

	require.Empty(t, s.Snapshot().SpeakerRequests)
}

func TestSnapshotPurgesRequestsOfPromotedUsers(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host(selfID), listener("u2"))

	tr.emit(t, wire.EventSpeakerRequested, wire.SpeakerRequested{RoomID: testRoom, UserID: "u2"})
	require.Len(t, s.Snapshot().SpeakerRequests, 1)

	tr.emit(t, wire.EventParticipantsUpdate, participants(host(selfID), speaker("u2")))
	require.Empty(t, s.Snapshot().SpeakerRequests)
}

func TestApproveSpeakerRemovesRequestOptimistically(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host(selfID), listener("u2"))

	tr.emit(t, wire.EventSpeakerRequested, wire.SpeakerRequested{RoomID: testRoom, UserID: "u2"})
	s.ApproveSpeaker("u2")

	require.Empty(t, s.Snapshot().SpeakerRequests)
	approvals := tr.sends(wire.CmdSpeakerApprove)
	require.Len(t, approvals, 1)
	var p wire.SpeakerTargetPayload
	require.NoError(t, json.Unmarshal(approvals[0].payload, &p))
	require.Equal(t, domain.UserID("u2"), p.TargetUserID)
}

func TestRequestToSpeakIsRoleGated(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), speaker(selfID))

	s.RequestToSpeak()
	require.Empty(t, tr.sends(wire.CmdSpeakerRequest))

	tr.emit(t, wire.EventParticipantsUpdate, participants(host("h1"), listener(selfID)))
	s.RequestToSpeak()
	require.Len(t, tr.sends(wire.CmdSpeakerRequest), 1)

	// The request only shows up via the server echo, never locally.
	require.Empty(t, s.Snapshot().SpeakerRequests)
}

func TestToggleMuteIsOptimisticAndServerWins(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), speaker(selfID))

	s.ToggleMute()
	require.True(t, s.Snapshot().IsMuted)
	require.Len(t, tr.sends(wire.CmdAudioMute), 1)

	// A stale broadcast arrives after a newer local toggle: last received
	// wins, accepting the documented flicker.
	tr.emit(t, wire.EventParticipantMute, wire.ParticipantMute{RoomID: testRoom, UserID: selfID, IsMuted: false})
	require.False(t, s.Snapshot().IsMuted)
}

func TestSpeakerRemovedForcesLocalMute(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), speaker(selfID))

	require.False(t, s.Snapshot().IsMuted)
	tr.emit(t, wire.EventSpeakerRemoved, wire.SpeakerDecision{RoomID: testRoom, UserID: selfID})
	require.True(t, s.Snapshot().IsMuted)
}

func TestSpeakerRemovedForOtherUserLeavesLocalMuteAlone(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host(selfID), speaker("u2"))

	tr.emit(t, wire.EventSpeakerRemoved, wire.SpeakerDecision{RoomID: testRoom, UserID: "u2"})
	require.False(t, s.Snapshot().IsMuted)
}

func TestLeaveIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), listener(selfID))

	s.Leave()
	s.Leave()

	require.Len(t, tr.sends(wire.CmdRoomLeave), 1)
	require.Empty(t, s.Snapshot().Participants)
}

func TestLeaveBeforeJoinSendsNothing(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, testRoom, selfID)

	s.Leave()

	require.Empty(t, tr.sends(wire.CmdRoomLeave))
}

func TestCloseLeavesExactlyOnce(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), listener(selfID))

	s.Close()
	s.Close()

	require.Len(t, tr.sends(wire.CmdRoomLeave), 1)
}

func TestRoomEndedIsTerminal(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), speaker(selfID))

	tr.emit(t, wire.EventStreamStarted, wire.StreamStarted{RoomID: testRoom, StreamInfo: domain.StreamInfo{Title: "t"}})
	require.NotNil(t, s.Snapshot().ActiveStream)

	tr.emit(t, wire.EventRoomEnded, wire.RoomLifecycle{RoomID: testRoom})
	st := s.Snapshot()
	require.True(t, st.IsRoomEnded)
	require.Nil(t, st.ActiveStream)

	// A stray mute after the end must not mutate anything.
	tr.emit(t, wire.EventParticipantMute, wire.ParticipantMute{RoomID: testRoom, UserID: selfID, IsMuted: true})
	require.False(t, s.Snapshot().IsMuted)
}

func TestEventsForOtherRoomsAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), listener(selfID))

	tr.emit(t, wire.EventParticipantsUpdate, wire.ParticipantsUpdate{
		RoomID:       "other",
		Participants: []domain.Participant{host("x")},
		Count:        1,
	})
	tr.emit(t, wire.EventRoomEnded, wire.RoomLifecycle{RoomID: "other"})

	st := s.Snapshot()
	require.Len(t, st.Participants, 2)
	require.False(t, st.IsRoomEnded)
}

func TestDuplicateUserIDsInSnapshotCollapse(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr)

	tr.emit(t, wire.EventParticipantsUpdate, participants(host("h1"), host("h1"), listener("u2")))

	require.Len(t, s.Snapshot().Participants, 2)
}

func TestRecordingEventsTrackState(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), listener(selfID))

	tr.emit(t, wire.EventRecordingStarted, wire.RecordingStarted{RoomID: testRoom, RecordingID: "rec1"})
	st := s.Snapshot()
	require.True(t, st.IsRecording)
	require.Equal(t, "rec1", st.ActiveRecordingID)

	tr.emit(t, wire.EventRecordingStopped, wire.RecordingStopped{RoomID: testRoom})
	st = s.Snapshot()
	require.False(t, st.IsRecording)
	require.Empty(t, st.ActiveRecordingID)
}

func TestShouldPublishDerivation(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), listener(selfID))

	require.False(t, s.Snapshot().ShouldPublish())

	tr.emit(t, wire.EventParticipantsUpdate, participants(host("h1"), speaker(selfID)))
	require.True(t, s.Snapshot().ShouldPublish())

	s.ToggleMute()
	require.False(t, s.Snapshot().ShouldPublish())
}

func TestOnChangeUnsubscribeIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	s := joinedSession(t, tr, host("h1"), listener(selfID))

	var calls int
	unsub := s.OnChange(func(State) { calls++ })
	tr.emit(t, wire.EventParticipantsUpdate, participants(host("h1"), listener(selfID)))
	require.Equal(t, 1, calls)

	unsub()
	unsub()
	tr.emit(t, wire.EventParticipantsUpdate, participants(host("h1")))
	require.Equal(t, 1, calls)
}

func TestJoinSetsJoinedAndLeaveClearsIt(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, testRoom, selfID)
	require.False(t, s.Snapshot().IsJoined)

	s = joinedSession(t, tr, host("h1"), listener(selfID))
	require.True(t, s.Snapshot().IsJoined)

	s.Leave()
	st := s.Snapshot()
	require.False(t, st.IsJoined)
	require.True(t, st.IsLive) // the room is still live, we just left it
}

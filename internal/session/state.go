package session

import "github.com/voxhall/voxhall/internal/domain"

// State is a read-only snapshot of one room subscription. All mutation
// happens inside the Session's command and event handlers; consumers only
// ever see copies.
type State struct {
	IsConnected bool

	// Participants is the server-provided membership, unique by UserID,
	// in server order.
	Participants []domain.Participant

	// MyRole is derived from Participants; empty until a snapshot contains
	// the local user.
	MyRole domain.Role

	// IsMuted is the one optimistic field: flipped locally on ToggleMute,
	// reconciled by server mute broadcasts (last received wins).
	IsMuted bool

	// SpeakerRequests is insertion-ordered and unique by UserID; it never
	// contains a user who is already a speaker or host.
	SpeakerRequests []domain.SpeakerRequest

	ActiveStream      *domain.StreamInfo
	IsRecording       bool
	ActiveRecordingID string

	// IsJoined is true between a successful join ack and Leave (or Close,
	// which leaves). Audio scoping hangs off it: no joined subscription, no
	// audio session.
	IsJoined bool

	// IsLive tracks room:started / room:ended; a successful join implies it.
	IsLive bool

	// IsRoomEnded is terminal: once set, nothing mutates except teardown.
	IsRoomEnded bool
}

// ShouldPublish is the derived publish-intent signal the audio manager
// observes: publishing role and not muted.
func (s State) ShouldPublish() bool {
	return s.MyRole.CanPublish() && !s.IsMuted
}

func (s State) clone() State {
	out := s
	if s.Participants != nil {
		out.Participants = append([]domain.Participant(nil), s.Participants...)
	}
	if s.SpeakerRequests != nil {
		out.SpeakerRequests = append([]domain.SpeakerRequest(nil), s.SpeakerRequests...)
	}
	if s.ActiveStream != nil {
		cp := *s.ActiveStream
		out.ActiveStream = &cp
	}
	return out
}

// Package wire defines the room-events channel protocol: command and event
// names plus their JSON payloads. Both the SDK and the dev server speak
// exactly this surface.
package wire

import (
	"encoding/json"
	"time"

	"github.com/voxhall/voxhall/internal/domain"
)

// Client -> server commands.
const (
	CmdRoomJoin       = "room:join"
	CmdRoomLeave      = "room:leave"
	CmdAudioMute      = "audio:mute"
	CmdSpeakerRequest = "speaker:request"
	CmdSpeakerApprove = "speaker:approve"
	CmdSpeakerDeny    = "speaker:deny"
	CmdSpeakerRemove  = "speaker:remove"
)

// Server -> client events.
const (
	EventParticipantsUpdate = "room:participants:update"
	EventParticipantMute    = "room:participant:mute"
	EventSpeakerRequested   = "speaker:request:received"
	EventSpeakerApproved    = "speaker:approved"
	EventSpeakerDenied      = "speaker:denied"
	EventSpeakerRemoved     = "speaker:removed"
	EventRoomStarted        = "room:started"
	EventRoomEnded          = "room:ended"
	EventStreamStarted      = "room:stream:started"
	EventStreamStopped      = "room:stream:stopped"
	EventRecordingStarted   = "room:recording:started"
	EventRecordingStopped   = "room:recording:stopped"
)

// Envelope is a client -> server frame. AckID is non-zero when the caller
// expects a direct response.
type Envelope struct {
	Cmd     string          `json:"cmd"`
	AckID   uint64          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEnvelope is a server -> client frame: either a named event or an ack
// reply correlated by AckID (exactly one of Event / AckID is set).
type ServerEnvelope struct {
	Event   string          `json:"event,omitempty"`
	AckID   uint64          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type JoinAck struct {
	Success      bool                 `json:"success"`
	Error        string               `json:"error,omitempty"`
	Participants []domain.Participant `json:"participants,omitempty"`
	MyRole       domain.Role          `json:"myRole,omitempty"`
}

type LeavePayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type MutePayload struct {
	RoomID  domain.RoomID `json:"roomId"`
	IsMuted bool          `json:"isMuted"`
}

type SpeakerRequestPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

// SpeakerTargetPayload is shared by approve/deny/remove commands.
type SpeakerTargetPayload struct {
	RoomID       domain.RoomID `json:"roomId"`
	TargetUserID domain.UserID `json:"targetUserId"`
}

type ParticipantsUpdate struct {
	RoomID       domain.RoomID        `json:"roomId"`
	Participants []domain.Participant `json:"participants"`
	Count        int                  `json:"count"`
}

type ParticipantMute struct {
	RoomID  domain.RoomID `json:"roomId"`
	UserID  domain.UserID `json:"userId"`
	IsMuted bool          `json:"isMuted"`
}

type SpeakerRequested struct {
	RoomID    domain.RoomID `json:"roomId"`
	UserID    domain.UserID `json:"userId"`
	Timestamp time.Time     `json:"timestamp"`
}

// SpeakerDecision carries approved/denied/removed outcomes. UserID names the
// affected participant; receivers compare it against their own identity.
type SpeakerDecision struct {
	RoomID    domain.RoomID `json:"roomId"`
	UserID    domain.UserID `json:"userId"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

type RoomLifecycle struct {
	RoomID    domain.RoomID `json:"roomId"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

type StreamStarted struct {
	RoomID domain.RoomID `json:"roomId"`
	domain.StreamInfo
}

type RecordingStarted struct {
	RoomID      domain.RoomID `json:"roomId"`
	RecordingID string        `json:"recordingId"`
}

type RecordingStopped struct {
	RoomID      domain.RoomID `json:"roomId"`
	RecordingID string        `json:"recordingId,omitempty"`
}

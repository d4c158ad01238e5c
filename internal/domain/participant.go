package domain

import "time"

// Role is a participant's position in a live room.
type Role string

const (
	RoleHost     Role = "host"
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// CanPublish reports whether the role is allowed to transmit microphone audio.
func (r Role) CanPublish() bool {
	return r == RoleHost || r == RoleSpeaker
}

// Participant is one user's presence in a room. Unique by UserID.
// Role and mute are mutated only by server-confirmed events.
type Participant struct {
	UserID   UserID    `json:"userId"`
	Role     Role      `json:"role"`
	IsMuted  bool      `json:"isMuted"`
	JoinedAt time.Time `json:"joinedAt"`
}

// SpeakerRequest is a listener's pending ask to be promoted to speaker.
type SpeakerRequest struct {
	UserID      UserID    `json:"userId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// StreamInfo is the metadata of a live stream attached to a room.
type StreamInfo struct {
	Title       string `json:"title,omitempty"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

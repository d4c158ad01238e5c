// Package audio owns the WebRTC audio session lifecycle. It is bound to the
// presence layer only through the derived publish-intent boolean and is
// isolated from socket failures: a dead audio session never changes room
// state.
package audio

import (
	"context"
	"errors"

	"github.com/voxhall/voxhall/internal/domain"
)

// ErrMicPermissionDenied marks an enable failure caused by the user refusing
// microphone access. It is sticky in the manager state; there is no
// automatic retry.
var ErrMicPermissionDenied = errors.New("microphone permission denied")

// RemoteTrack is a subscribed remote audio track, identified for exact
// attach/detach pairing.
type RemoteTrack interface {
	ID() string
}

// Room is the audio transport collaborator: a black box whose only contract
// surface is this lifecycle.
type Room interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect()
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	OnTrackSubscribed(fn func(RemoteTrack))
	OnTrackUnsubscribed(fn func(RemoteTrack))
}

// PlatformSession is the OS audio session (category, ducking). Activated
// before the transport connects, released after it disconnects.
type PlatformSession interface {
	Activate() error
	Release()
}

// NopPlatform is the default for hosts without a platform audio layer.
type NopPlatform struct{}

func (NopPlatform) Activate() error { return nil }
func (NopPlatform) Release()        {}

// Player renders remote tracks. Attach and Detach are exactly paired.
type Player interface {
	Attach(t RemoteTrack) error
	Detach(t RemoteTrack)
}

type NopPlayer struct{}

func (NopPlayer) Attach(RemoteTrack) error { return nil }
func (NopPlayer) Detach(RemoteTrack)       {}

// Credentials are the audio-session token and endpoint issued by the REST
// collaborator.
type Credentials struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// TokenSource fetches audio-session credentials for a room.
type TokenSource interface {
	RoomToken(ctx context.Context, roomID domain.RoomID) (Credentials, error)
}

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
)

// State is owned solely by the Manager; consumers see copies.
type State struct {
	Phase               Phase
	LocalAudioEnabled   bool
	MicPermissionDenied bool
}

// Package rtc is the pion-backed implementation of the audio.Room
// collaborator: one peer connection per room session, publish gated through
// the RTP sender, remote tracks surfaced as subscribe/unsubscribe events.
package rtc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/audio"
)

// MicSource opens the local microphone capture track. Implementations map
// an OS permission refusal to audio.ErrMicPermissionDenied.
type MicSource interface {
	Open(ctx context.Context) (*webrtc.TrackLocalStaticSample, error)
	Close()
}

// SilentMic is the headless default: an opus track nobody writes samples to.
type SilentMic struct{}

func (SilentMic) Open(context.Context) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"mic", "voxhall",
	)
}

func (SilentMic) Close() {}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ID() string { return r.t.ID() }

// Room negotiates over HTTP: the local offer is POSTed to the session URL
// with the bearer token, the body of the response is the answer.
type Room struct {
	cfg    webrtc.Configuration
	client *http.Client
	mic    MicSource

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	micTrack *webrtc.TrackLocalStaticSample
	sender   *webrtc.RTPSender
	remotes  map[string]remoteTrack
	onSub    func(audio.RemoteTrack)
	onUnsub  func(audio.RemoteTrack)
	closed   bool
}

func NewRoom(cfg webrtc.Configuration, mic MicSource) *Room {
	if mic == nil {
		mic = SilentMic{}
	}
	return &Room{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		mic:     mic,
		remotes: make(map[string]remoteTrack),
	}
}

func (r *Room) OnTrackSubscribed(fn func(audio.RemoteTrack)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSub = fn
}

func (r *Room) OnTrackUnsubscribed(fn func(audio.RemoteTrack)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnsub = fn
}

func (r *Room) Connect(ctx context.Context, url, token string) error {
	pc, err := webrtc.NewPeerConnection(r.cfg)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("track_id", track.ID()).Str("kind", track.Kind().String()).Msg("remote track")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		rt := remoteTrack{t: track}
		r.mu.Lock()
		r.remotes[track.ID()] = rt
		fn := r.onSub
		r.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			r.dropRemotes()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	answer, err := r.exchange(ctx, url, token, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}

	r.mu.Lock()
	r.pc = pc
	r.closed = false
	r.mu.Unlock()
	return nil
}

func (r *Room) exchange(ctx context.Context, url, token, offerSDP string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(offerSDP))
	if err != nil {
		return "", fmt.Errorf("build sdp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("sdp exchange: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return string(body), nil
}

func (r *Room) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("audio room not connected")
	}

	if !enabled {
		r.mu.Lock()
		sender := r.sender
		r.mu.Unlock()
		if sender != nil {
			return sender.ReplaceTrack(nil)
		}
		return nil
	}

	r.mu.Lock()
	track := r.micTrack
	r.mu.Unlock()
	if track == nil {
		t, err := r.mic.Open(ctx)
		if err != nil {
			return err
		}
		track = t
		r.mu.Lock()
		r.micTrack = t
		r.mu.Unlock()
	}

	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		s, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add mic track: %w", err)
		}
		r.mu.Lock()
		r.sender = s
		r.mu.Unlock()
		return nil
	}
	return sender.ReplaceTrack(track)
}

func (r *Room) Disconnect() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pc := r.pc
	r.pc = nil
	r.sender = nil
	r.micTrack = nil
	r.mu.Unlock()

	r.dropRemotes()
	r.mic.Close()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close peer connection")
		}
	}
	log.Info().Str("module", "rtc").Msg("audio room disconnected")
}

// dropRemotes emits an unsubscribe for every known remote track so the
// manager's attach/detach pairing holds when the connection dies wholesale.
func (r *Room) dropRemotes() {
	r.mu.Lock()
	remotes := r.remotes
	r.remotes = make(map[string]remoteTrack)
	fn := r.onUnsub
	r.mu.Unlock()

	if fn == nil {
		return
	}
	for _, rt := range remotes {
		fn(rt)
	}
}

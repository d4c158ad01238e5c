package devserver

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/wire"
)

func (ctl *Controller) handleJoin(c *wsClient, env wire.Envelope) {
	var p wire.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Error().Err(err).Str("module", "devserver").Msg("bad join payload")
		ctl.sendAck(c, env.AckID, wire.JoinAck{Error: "bad_payload"})
		return
	}

	snapshot, role, clients, err := ctl.Registry.Join(p.RoomID, c.userID, c)
	if err != nil {
		log.Warn().Err(err).Str("module", "devserver").Str("room", string(p.RoomID)).Str("user", string(c.userID)).Msg("join rejected")
		ctl.sendAck(c, env.AckID, wire.JoinAck{Error: err.Error()})
		return
	}

	ctl.sendAck(c, env.AckID, wire.JoinAck{
		Success:      true,
		Participants: snapshot,
		MyRole:       role,
	})
	ctl.broadcastParticipants(p.RoomID, snapshot, clients)
}

func (ctl *Controller) handleLeave(c *wsClient, env wire.Envelope) {
	var p wire.LeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	snapshot, clients, err := ctl.Registry.Leave(p.RoomID, c.userID)
	if err != nil {
		return
	}
	ctl.broadcastParticipants(p.RoomID, snapshot, clients)
}

func (ctl *Controller) handleMute(c *wsClient, env wire.Envelope) {
	var p wire.MutePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	clients, err := ctl.Registry.SetMute(p.RoomID, c.userID, p.IsMuted)
	if err != nil {
		return
	}
	ctl.broadcast(clients, wire.EventParticipantMute, wire.ParticipantMute{
		RoomID:  p.RoomID,
		UserID:  c.userID,
		IsMuted: p.IsMuted,
	})
}

func (ctl *Controller) handleSpeakerRequest(c *wsClient, env wire.Envelope) {
	var p wire.SpeakerRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	req, clients, ok := ctl.Registry.AddRequest(p.RoomID, c.userID)
	if !ok {
		return
	}
	ctl.broadcast(clients, wire.EventSpeakerRequested, wire.SpeakerRequested{
		RoomID:    p.RoomID,
		UserID:    req.UserID,
		Timestamp: req.RequestedAt,
	})
}

func (ctl *Controller) handleSpeakerDecision(c *wsClient, env wire.Envelope, approve bool) {
	var p wire.SpeakerTargetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	snapshot, clients, err := ctl.Registry.Decide(p.RoomID, c.userID, p.TargetUserID, approve)
	if err != nil {
		log.Warn().Err(err).Str("module", "devserver").Str("caller", string(c.userID)).Msg("speaker decision rejected")
		return
	}
	event := wire.EventSpeakerDenied
	if approve {
		event = wire.EventSpeakerApproved
	}
	ctl.broadcast(clients, event, wire.SpeakerDecision{
		RoomID:    p.RoomID,
		UserID:    p.TargetUserID,
		Timestamp: time.Now(),
	})
	ctl.broadcastParticipants(p.RoomID, snapshot, clients)
}

func (ctl *Controller) handleSpeakerRemove(c *wsClient, env wire.Envelope) {
	var p wire.SpeakerTargetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	snapshot, clients, err := ctl.Registry.RemoveSpeaker(p.RoomID, c.userID, p.TargetUserID)
	if err != nil {
		log.Warn().Err(err).Str("module", "devserver").Str("caller", string(c.userID)).Msg("speaker remove rejected")
		return
	}
	ctl.broadcast(clients, wire.EventSpeakerRemoved, wire.SpeakerDecision{
		RoomID:    p.RoomID,
		UserID:    p.TargetUserID,
		Timestamp: time.Now(),
	})
	ctl.broadcastParticipants(p.RoomID, snapshot, clients)
}

package session

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/wire"
)

// Inbound reconciliation. Every handler filters on room id and refuses
// mutation once the room has ended; the server is authoritative for
// everything except the local mute intent between toggle and broadcast.

func (s *Session) handleParticipantsUpdate(raw json.RawMessage) {
	var p wire.ParticipantsUpdate
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad participants payload")
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.applyParticipantsLocked(p.Participants)
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleParticipantMute(raw json.RawMessage) {
	var p wire.ParticipantMute
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad mute payload")
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	for i := range s.st.Participants {
		if s.st.Participants[i].UserID == p.UserID {
			s.st.Participants[i].IsMuted = p.IsMuted
			break
		}
	}
	if p.UserID == s.userID {
		// Server broadcast wins over the optimistic toggle, last received
		// wins on reordering.
		s.st.IsMuted = p.IsMuted
	}
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleSpeakerRequested(raw json.RawMessage) {
	var p wire.SpeakerRequested
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad speaker request payload")
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	for _, r := range s.st.SpeakerRequests {
		if r.UserID == p.UserID {
			s.mu.Unlock()
			return
		}
	}
	if s.roleOfLocked(p.UserID).CanPublish() {
		s.mu.Unlock()
		return
	}
	at := p.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	s.st.SpeakerRequests = append(s.st.SpeakerRequests, domain.SpeakerRequest{UserID: p.UserID, RequestedAt: at})
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleSpeakerApproved(raw json.RawMessage) {
	s.dropRequestOnDecision(raw, "approved")
}

func (s *Session) handleSpeakerDenied(raw json.RawMessage) {
	s.dropRequestOnDecision(raw, "denied")
}

// dropRequestOnDecision clears the pending request on the server's echo; the
// role change itself, if any, arrives with the next participants snapshot.
func (s *Session) dropRequestOnDecision(raw json.RawMessage, outcome string) {
	var p wire.SpeakerDecision
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Str("outcome", outcome).Msg("bad speaker decision payload")
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.removeRequestLocked(p.UserID)
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleSpeakerRemoved(raw json.RawMessage) {
	var p wire.SpeakerDecision
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad speaker removed payload")
		return
	}
	if p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	if p.UserID == "" || p.UserID == s.userID {
		// A demoted speaker cannot remain unmuted.
		s.st.IsMuted = true
	}
	s.removeRequestLocked(p.UserID)
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleRoomStarted(raw json.RawMessage) {
	var p wire.RoomLifecycle
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.st.IsLive = true
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleRoomEnded(raw json.RawMessage) {
	var p wire.RoomLifecycle
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.st.IsRoomEnded = true
	s.st.IsLive = false
	s.st.ActiveStream = nil
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("room", string(s.roomID)).Msg("room ended")
	dispatch(snap, ls)
}

func (s *Session) handleStreamStarted(raw json.RawMessage) {
	var p wire.StreamStarted
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	info := p.StreamInfo
	s.st.ActiveStream = &info
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleStreamStopped(raw json.RawMessage) {
	var p wire.RoomLifecycle
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.st.ActiveStream = nil
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleRecordingStarted(raw json.RawMessage) {
	var p wire.RecordingStarted
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.st.IsRecording = true
	s.st.ActiveRecordingID = p.RecordingID
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

func (s *Session) handleRecordingStopped(raw json.RawMessage) {
	var p wire.RecordingStopped
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	if s.closed || s.st.IsRoomEnded {
		s.mu.Unlock()
		return
	}
	s.st.IsRecording = false
	s.st.ActiveRecordingID = ""
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

// handleConnectionChange mirrors transport connectivity. It is the one field
// that keeps updating after room end, since it describes the link, not the
// room.
func (s *Session) handleConnectionChange(connected bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.st.IsConnected = connected
	snap, ls := s.snapshotLocked()
	s.mu.Unlock()
	dispatch(snap, ls)
}

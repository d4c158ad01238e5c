package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller handles the room-events websocket endpoint and fans server
// events out to room members.
type Controller struct {
	Registry   *Registry
	Secret     string
	TokenTTL   time.Duration
	PingPeriod time.Duration
}

func NewController(reg *Registry, secret string, tokenTTL, pingPeriod time.Duration) *Controller {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Controller{Registry: reg, Secret: secret, TokenTTL: tokenTTL, PingPeriod: pingPeriod}
}

// HandleChannel upgrades the room-events socket. Identity comes from the
// query string; real authentication is the production gateway's job, not
// this dev server's.
func (ctl *Controller) HandleChannel(ctx context.Context, c *gin.Context) {
	identity := domain.UserID(c.Query("identity"))
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identity"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "devserver").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "devserver").Str("user", string(identity)).Msg("channel connected")

	client := newWSClient(identity, ws)
	ctx, cancel := context.WithCancel(ctx)

	go client.writePump(ctx, 5*time.Second, ctl.PingPeriod)
	go ctl.readPump(ctx, cancel, client)
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *wsClient) {
	defer func() {
		cancel()
		c.Close()
		for _, upd := range ctl.Registry.DropConn(c.userID, c) {
			ctl.broadcastParticipants(upd.roomID, upd.participants, upd.clients)
		}
		log.Info().Str("module", "devserver").Str("user", string(c.userID)).Msg("channel closed")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ctl.handleCommand(c, data)
	}
}

func (ctl *Controller) handleCommand(c *wsClient, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "devserver").Msg("bad frame")
		return
	}

	switch env.Cmd {
	case wire.CmdRoomJoin:
		ctl.handleJoin(c, env)
	case wire.CmdRoomLeave:
		ctl.handleLeave(c, env)
	case wire.CmdAudioMute:
		ctl.handleMute(c, env)
	case wire.CmdSpeakerRequest:
		ctl.handleSpeakerRequest(c, env)
	case wire.CmdSpeakerApprove:
		ctl.handleSpeakerDecision(c, env, true)
	case wire.CmdSpeakerDeny:
		ctl.handleSpeakerDecision(c, env, false)
	case wire.CmdSpeakerRemove:
		ctl.handleSpeakerRemove(c, env)
	default:
		log.Warn().Str("module", "devserver").Str("cmd", env.Cmd).Msg("unknown command")
	}
}

func (ctl *Controller) sendEvent(c *wsClient, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "devserver").Str("event", event).Msg("marshal event")
		return
	}
	frame, err := json.Marshal(wire.ServerEnvelope{Event: event, Payload: b})
	if err != nil {
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *Controller) sendAck(c *wsClient, ackID uint64, payload any) {
	if ackID == 0 {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "devserver").Msg("marshal ack")
		return
	}
	frame, err := json.Marshal(wire.ServerEnvelope{AckID: ackID, Payload: b})
	if err != nil {
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *Controller) broadcast(clients []*wsClient, event string, payload any) {
	for _, c := range clients {
		ctl.sendEvent(c, event, payload)
	}
}

func (ctl *Controller) broadcastParticipants(roomID domain.RoomID, participants []domain.Participant, clients []*wsClient) {
	ctl.broadcast(clients, wire.EventParticipantsUpdate, wire.ParticipantsUpdate{
		RoomID:       roomID,
		Participants: participants,
		Count:        len(participants),
	})
}

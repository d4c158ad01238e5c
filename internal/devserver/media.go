package devserver

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/api"
	"github.com/voxhall/voxhall/internal/domain"
)

func defaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// handleSDP answers a client audio offer. The token minted by roomToken
// authorizes the exchange. Media goes nowhere beyond the peer connection —
// this server exists to exercise the client lifecycle, not to mix audio.
func (ctl *Controller) handleSDP(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if _, err := ctl.verifySessionToken(c, roomID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	offerSDP, err := io.ReadAll(c.Request.Body)
	if err != nil || len(offerSDP) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sdp offer"})
		return
	}

	answer, err := answerOffer(string(offerSDP))
	if err != nil {
		log.Error().Err(err).Str("module", "devserver.media").Str("room", string(roomID)).Msg("sdp answer")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "negotiation failed"})
		return
	}

	c.Data(http.StatusCreated, "application/sdp", []byte(answer))
}

func (ctl *Controller) verifySessionToken(c *gin.Context, roomID domain.RoomID) (domain.UserID, error) {
	auth := c.GetHeader("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	var claims api.TokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(ctl.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	if claims.RoomID != roomID {
		return "", fmt.Errorf("token not valid for this room")
	}
	return domain.UserID(claims.Subject), nil
}

func answerOffer(offerSDP string) (string, error) {
	pc, err := webrtc.NewPeerConnection(defaultWebRTCConfig())
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "devserver.media").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			_ = pc.Close()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	return pc.LocalDescription().SDP, nil
}

package devserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/voxhall/voxhall/internal/api"
	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/wire"
)

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
}

func (ctl *Controller) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing username"})
		return
	}
	user, err := ctl.Registry.CreateUser(req.Username)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (ctl *Controller) getUser(c *gin.Context) {
	user, err := ctl.Registry.GetUser(domain.UserID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

type createRoomRequest struct {
	Name   string `json:"name" binding:"required,max=36"`
	HostID string `json:"hostId" binding:"required"`
}

func (ctl *Controller) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name/hostId"})
		return
	}
	room := ctl.Registry.CreateRoom(domain.RoomName(req.Name), domain.UserID(req.HostID))
	c.JSON(http.StatusCreated, room)
}

func (ctl *Controller) getRoom(c *gin.Context) {
	room, err := ctl.Registry.GetRoom(domain.RoomID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (ctl *Controller) startRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	room, clients, err := ctl.Registry.StartRoom(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctl.broadcast(clients, wire.EventRoomStarted, wire.RoomLifecycle{RoomID: id, Timestamp: time.Now()})
	c.JSON(http.StatusOK, room)
}

func (ctl *Controller) stopRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	clients, err := ctl.Registry.EndRoom(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctl.broadcast(clients, wire.EventRoomEnded, wire.RoomLifecycle{RoomID: id, Timestamp: time.Now()})
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// roomToken mints the audio-session credentials: an HS256 token binding
// identity to room, plus the SDP exchange URL for this server.
func (ctl *Controller) roomToken(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	identity := c.Query("identity")
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identity"})
		return
	}
	if _, err := ctl.Registry.GetRoom(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	claims := api.TokenClaims{
		RoomID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ctl.TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(ctl.Secret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	c.JSON(http.StatusOK, gin.H{
		"token": signed,
		"url":   fmt.Sprintf("%s://%s/api/rooms/%s/sdp", scheme, c.Request.Host, id),
	})
}

func (ctl *Controller) startRecording(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	recordingID, clients, err := ctl.Registry.StartRecording(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctl.broadcast(clients, wire.EventRecordingStarted, wire.RecordingStarted{RoomID: id, RecordingID: recordingID})
	c.JSON(http.StatusOK, gin.H{"recordingId": recordingID})
}

func (ctl *Controller) stopRecording(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	recordingID, clients, err := ctl.Registry.StopRecording(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctl.broadcast(clients, wire.EventRecordingStopped, wire.RecordingStopped{RoomID: id, RecordingID: recordingID})
	c.JSON(http.StatusOK, gin.H{"recordingId": recordingID})
}

type streamRequest struct {
	Title       string `json:"title" binding:"max=140"`
	Image       string `json:"image"`
	Description string `json:"description" binding:"max=500"`
}

func (ctl *Controller) startStream(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream metadata"})
		return
	}
	info := &domain.StreamInfo{Title: req.Title, Image: req.Image, Description: req.Description}
	clients, err := ctl.Registry.SetStream(id, info)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctl.broadcast(clients, wire.EventStreamStarted, wire.StreamStarted{RoomID: id, StreamInfo: *info})
	c.JSON(http.StatusOK, info)
}

func (ctl *Controller) stopStream(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	clients, err := ctl.Registry.SetStream(id, nil)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctl.broadcast(clients, wire.EventStreamStopped, wire.RoomLifecycle{RoomID: id, Timestamp: time.Now()})
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

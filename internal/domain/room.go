package domain

import "time"

type (
	RoomName string
	RoomID   string
)

type RoomStatus string

const (
	RoomCreated RoomStatus = "created"
	RoomLive    RoomStatus = "live"
	RoomEnded   RoomStatus = "ended"
)

type Room struct {
	ID        RoomID     `json:"id"`
	Name      RoomName   `json:"name"`
	Status    RoomStatus `json:"status"`
	HostID    UserID     `json:"hostId"`
	CreatedAt time.Time  `json:"createdAt"`
}

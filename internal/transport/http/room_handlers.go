package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/core"
)

// RoomHandlers provides HTTP handlers for room inspection endpoints.
type RoomHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(hub *core.Hub, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		hub: hub,
		log: logger,
	}
}

// RoomsResponse lists live rooms.
type RoomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

// ListRooms returns live rooms with their member counts.
// GET /api/admin/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.hub.Rooms()})
}

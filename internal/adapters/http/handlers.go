package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avellin/huddle/internal/call"
	"github.com/avellin/huddle/internal/core"
	"github.com/avellin/huddle/internal/domain"
)

// Controller is what the handlers need from the coordinator.
type Controller interface {
	Join(ctx context.Context, kind domain.CallKind, room domain.RoomID, counterpart domain.UserID) error
	Leave(ctx context.Context) error
	ToggleMic(ctx context.Context) error
	ToggleVideo(ctx context.Context) error
	ToggleDeafen() error
	Snapshot() call.Snapshot
	SubscribeEvents() (chan call.Event, func())
}

type callHandlers struct {
	ctl   Controller
	store core.MembershipStore
}

type joinRequest struct {
	Kind        string `json:"kind" binding:"required"`
	Room        string `json:"room" binding:"required"`
	Counterpart string `json:"counterpart"`
}

func (h *callHandlers) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing kind or room"})
		return
	}
	kind := domain.ParseCallKind(req.Kind)
	if err := h.ctl.Join(c.Request.Context(), kind, domain.RoomID(req.Room), domain.UserID(req.Counterpart)); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *callHandlers) leave(c *gin.Context) {
	if err := h.ctl.Leave(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *callHandlers) toggleMic(c *gin.Context) {
	if err := h.ctl.ToggleMic(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *callHandlers) toggleVideo(c *gin.Context) {
	if err := h.ctl.ToggleVideo(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *callHandlers) toggleDeafen(c *gin.Context) {
	if err := h.ctl.ToggleDeafen(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *callHandlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *callHandlers) members(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	members, err := h.store.Members(c.Request.Context(), room)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "members": members})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrUnknownCallKind):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrAlreadyInCall),
		errors.Is(err, call.ErrOperationInProgress),
		errors.Is(err, call.ErrNotInCall):
		return http.StatusConflict
	case errors.Is(err, call.ErrJoinTransport),
		errors.Is(err, call.ErrDeviceAcquisition):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

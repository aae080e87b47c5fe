// README: Live tracking handlers: location updates, sharing sessions, SSE events.
package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"entrega/internal/http/middleware"
	"entrega/internal/modules/delivery"
	"entrega/internal/modules/tracking"
	"entrega/internal/types"
)

type TrackingHandler struct {
	delivery *delivery.Service
	hub      *tracking.Hub
}

func NewTrackingHandler(svc *delivery.Service, hub *tracking.Hub) *TrackingHandler {
	return &TrackingHandler{delivery: svc, hub: hub}
}

func courierParam(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("courier"))
	if err != nil || n < 1 {
		writeError(c, http.StatusBadRequest, "invalid courier id")
		return 0, false
	}
	return n, true
}

type updateLocationReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *TrackingHandler) UpdateLocation(c *gin.Context) {
	courierID, ok := courierParam(c)
	if !ok {
		return
	}
	var req updateLocationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}

	loc, err := h.delivery.UpdateLocation(c.Request.Context(),
		types.ID(c.Param("batch")), courierID, req.Lat, req.Lng,
		types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"success": true, "location": loc})
}

func (h *TrackingHandler) StartSharing(c *gin.Context) {
	courierID, ok := courierParam(c)
	if !ok {
		return
	}
	session, err := h.delivery.StartSharing(c.Request.Context(),
		types.ID(c.Param("batch")), courierID, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"success":    true,
		"owner_id":   session.OwnerID,
		"started_at": session.StartedAt,
	})
}

func (h *TrackingHandler) StopSharing(c *gin.Context) {
	courierID, ok := courierParam(c)
	if !ok {
		return
	}
	err := h.delivery.StopSharing(c.Request.Context(),
		types.ID(c.Param("batch")), courierID, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"success": true})
}

func (h *TrackingHandler) TrackingStatus(c *gin.Context) {
	courierID, ok := courierParam(c)
	if !ok {
		return
	}
	status, err := h.delivery.GetTrackingStatus(c.Request.Context(),
		types.ID(c.Param("batch")), courierID)
	if err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, status)
}

// Events streams the batch's tracking events over SSE until the client
// disconnects.
func (h *TrackingHandler) Events(c *gin.Context) {
	sub := h.hub.Subscribe(types.ID(c.Param("batch")))
	defer sub.Close()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-clientGone:
			return false
		}
	})
}

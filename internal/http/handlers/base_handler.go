// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"entrega/internal/maps"
	"entrega/internal/modules/delivery"
	"entrega/internal/modules/order"
	"entrega/internal/modules/route"
	"entrega/internal/modules/tracking"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDeliveryError maps domain errors to HTTP statuses. A tracking
// ownership clash is not an error at the HTTP level: the courier app expects
// a 2xx with success=false and the current owner.
func writeDeliveryError(c *gin.Context, err error) {
	var tracked *tracking.AlreadyTrackedError
	if errors.As(err, &tracked) {
		writeJSON(c, http.StatusOK, gin.H{
			"success":  false,
			"owner_id": tracked.OwnerID,
			"error":    tracked.Error(),
		})
		return
	}
	var provider *maps.ProviderError
	if errors.As(err, &provider) {
		writeError(c, http.StatusBadGateway, "route provider unavailable")
		return
	}

	switch {
	case errors.Is(err, route.ErrNotFound), errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, route.ErrNoValidStops):
		writeError(c, http.StatusBadRequest, "no geocodable addresses in batch")
	case errors.Is(err, maps.ErrNoRoute):
		writeError(c, http.StatusBadRequest, "no route found for the given addresses")
	case errors.Is(err, route.ErrBadRequest), errors.Is(err, delivery.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"entrega/internal/http/handlers"
	"entrega/internal/http/middleware"
	"entrega/internal/infra"
	"entrega/internal/modules/delivery"
	"entrega/internal/modules/tracking"
)

func NewRouter(
	deliverySvc *delivery.Service,
	hub *tracking.Hub,
	verifier infra.TokenVerifier,
) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	deliveryHandler := handlers.NewDeliveryHandler(deliverySvc)
	trackingHandler := handlers.NewTrackingHandler(deliverySvc, hub)

	api := r.Group("/api", middleware.Auth(verifier))

	batch := api.Group("/batches/:batch")
	batch.POST("/route", deliveryHandler.CreateRoute)
	batch.GET("/route", deliveryHandler.GetRoute)
	batch.DELETE("/route", deliveryHandler.DeleteRoute)

	batch.POST("/stops/:index/complete", deliveryHandler.MarkComplete)
	batch.DELETE("/stops/:index/complete", deliveryHandler.UnmarkComplete)
	batch.GET("/delivery-status", deliveryHandler.DeliveryStatus)

	batch.PUT("/couriers/:courier/location", trackingHandler.UpdateLocation)
	batch.POST("/couriers/:courier/sharing", trackingHandler.StartSharing)
	batch.DELETE("/couriers/:courier/sharing", trackingHandler.StopSharing)
	batch.GET("/couriers/:courier/tracking", trackingHandler.TrackingStatus)
	batch.GET("/events", trackingHandler.Events)

	return r
}

// README: Route planning and delivery progress handlers.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"entrega/internal/modules/delivery"
	"entrega/internal/modules/route"
	"entrega/internal/types"
)

type DeliveryHandler struct {
	delivery *delivery.Service
}

func NewDeliveryHandler(svc *delivery.Service) *DeliveryHandler {
	return &DeliveryHandler{delivery: svc}
}

type stopReq struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	OrderID     string `json:"order_id"`
}

type createRouteReq struct {
	Stops        []stopReq `json:"stops"`
	Origin       string    `json:"origin"`
	CourierCount int       `json:"courier_count"`
	DepartAt     string    `json:"depart_at"`
}

type stopResp struct {
	StopIndex   int        `json:"stop_index"`
	Address     string     `json:"address"`
	DisplayName string     `json:"display_name,omitempty"`
	OrderID     string     `json:"order_id,omitempty"`
	CourierID   int        `json:"courier_id"`
	Sequence    int        `json:"sequence"`
	ArrivalAt   *time.Time `json:"arrival_at,omitempty"`
}

type linkResp struct {
	CourierID int    `json:"courier_id"`
	Label     string `json:"label"`
	URL       string `json:"url"`
}

type routeResp struct {
	BatchID   types.ID   `json:"batch_id"`
	Epoch     int64      `json:"epoch"`
	Stops     []stopResp `json:"stops"`
	Links     []linkResp `json:"links"`
	Skipped   int        `json:"skipped"`
	CreatedAt time.Time  `json:"created_at"`
}

func toRouteResp(r *route.Route) routeResp {
	resp := routeResp{
		BatchID:   r.BatchID,
		Epoch:     r.Epoch,
		Stops:     make([]stopResp, len(r.Stops)),
		Links:     make([]linkResp, len(r.Links)),
		Skipped:   r.Skipped,
		CreatedAt: r.CreatedAt,
	}
	for i, a := range r.Stops {
		s := stopResp{
			StopIndex:   i,
			Address:     a.Address,
			DisplayName: a.DisplayName,
			CourierID:   a.CourierID,
			Sequence:    a.Sequence,
			ArrivalAt:   a.ArrivalAt,
		}
		if a.OrderRef != nil {
			s.OrderID = string(*a.OrderRef)
		}
		resp.Stops[i] = s
	}
	for i, l := range r.Links {
		resp.Links[i] = linkResp{CourierID: l.CourierID, Label: l.Label, URL: l.URL}
	}
	return resp
}

func (h *DeliveryHandler) CreateRoute(c *gin.Context) {
	batchID := c.Param("batch")
	var req createRouteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	departAt := time.Now()
	if req.DepartAt != "" {
		t, err := time.Parse(time.RFC3339, req.DepartAt)
		if err != nil {
			writeError(c, http.StatusBadRequest, "depart_at must be RFC3339")
			return
		}
		departAt = t
	}

	stops := make([]route.Stop, len(req.Stops))
	for i, s := range req.Stops {
		stop := route.Stop{Address: s.Address, DisplayName: s.DisplayName}
		if s.OrderID != "" {
			ref := types.ID(s.OrderID)
			stop.OrderRef = &ref
		}
		stops[i] = stop
	}

	r, err := h.delivery.CreateRoute(c.Request.Context(), delivery.CreateRouteCommand{
		BatchID:      types.ID(batchID),
		Stops:        stops,
		Origin:       req.Origin,
		CourierCount: req.CourierCount,
		DepartAt:     departAt,
	})
	if err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toRouteResp(r))
}

func (h *DeliveryHandler) GetRoute(c *gin.Context) {
	r, err := h.delivery.GetRoute(c.Request.Context(), types.ID(c.Param("batch")))
	if err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRouteResp(r))
}

func (h *DeliveryHandler) DeleteRoute(c *gin.Context) {
	if err := h.delivery.DeleteRoute(c.Request.Context(), types.ID(c.Param("batch"))); err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"success": true})
}

func (h *DeliveryHandler) MarkComplete(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid stop index")
		return
	}
	if err := h.delivery.MarkComplete(c.Request.Context(), types.ID(c.Param("batch")), idx); err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"success": true, "stop_index": idx, "completed": true})
}

func (h *DeliveryHandler) UnmarkComplete(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid stop index")
		return
	}
	if err := h.delivery.UnmarkComplete(c.Request.Context(), types.ID(c.Param("batch")), idx); err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"success": true, "stop_index": idx, "completed": false})
}

func (h *DeliveryHandler) DeliveryStatus(c *gin.Context) {
	courierID := 0
	if v := c.Query("courier"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(c, http.StatusBadRequest, "invalid courier")
			return
		}
		courierID = n
	}
	progress, err := h.delivery.GetDeliveryStatus(c.Request.Context(), types.ID(c.Param("batch")), courierID)
	if err != nil {
		writeDeliveryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"batch_id": c.Param("batch"), "couriers": progress})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/realtime"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// CreateRide handles POST /v1/rides
func (h *Handlers) CreateRide(c *gin.Context) {
	var req dto.CreateRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	p := principal(c)
	r, err := h.Rides.Request(c.Request.Context(), lifecycle.RequestInput{
		RiderID:     p.UserID,
		VehicleType: driver.VehicleType(req.VehicleType),
		Pickup:      req.Pickup.ToLocation(),
		Dropoff:     req.Dropoff.ToLocation(),
		DriverID:    req.DriverID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, r)
}

// RideHistory handles GET /v1/rides/history
func (h *Handlers) RideHistory(c *gin.Context) {
	h.history(c, lifecycle.HistoryQuery{RiderID: principal(c).UserID})
}

func (h *Handlers) history(c *gin.Context, q lifecycle.HistoryQuery) {
	var req dto.HistoryQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}
	q.Status = req.Status
	q.Page = req.Page
	q.Limit = req.Limit

	page, err := h.Rides.History(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.HistoryResponse{
		Rides: page.Rides,
		Total: page.Total,
		Page:  page.Page,
		Limit: page.Limit,
	})
}

// GetRide handles GET /v1/rides/:id. Only the rider and the assigned driver
// can see a ride; anyone else gets 404.
func (h *Handlers) GetRide(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r)
}

// CancelRide handles PUT /v1/rides/:id/cancel
func (h *Handlers) CancelRide(c *gin.Context) {
	var req dto.CancelRideRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}

	r, err := h.Rides.Cancel(c.Request.Context(), c.Param("id"), principal(c).UserID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// RelayRideStatus handles POST /v1/rides/:id/status. It forwards a free-form
// status to the ride's rider and driver without changing the ride.
func (h *Handlers) RelayRideStatus(c *gin.Context) {
	var req dto.RideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	r, ok := h.visibleRide(c)
	if !ok {
		return
	}

	update := realtime.RideStatusUpdate{
		RideID:   r.ID,
		RiderID:  r.RiderID,
		Status:   req.Status,
		DriverID: r.Driver(),
	}
	if req.DriverLocation != nil {
		loc := req.DriverLocation.ToLocation()
		update.DriverLocation = &realtime.Coordinates{Lat: loc.Lat, Lng: loc.Lng}
	}

	if err := h.Gateway.EmitRideStatusUpdate(c.Request.Context(), update); err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Ride status relayed",
		logger.String("ride_id", r.ID),
		logger.String("status", req.Status),
	)
	c.JSON(http.StatusAccepted, update)
}

func (h *Handlers) visibleRide(c *gin.Context) (*ride.Ride, bool) {
	r, err := h.Rides.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}

	p := principal(c)
	switch {
	case p.Role == auth.RoleAdmin:
	case r.RiderID == p.UserID:
	case p.IsDriver() && r.AssignedTo(p.DriverID):
	default:
		h.respondError(c, ride.ErrRideNotFound)
		return nil, false
	}
	return r, true
}

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/realtime"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// UpdateDriverLocation handles PUT /v1/drivers/location
func (h *Handlers) UpdateDriverLocation(c *gin.Context) {
	var req dto.UpdateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := driver.ValidateLocation(*req.Latitude, *req.Longitude); err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	driverID := principal(c).DriverID
	if err := h.Drivers.UpdateLocation(ctx, driverID, *req.Latitude, *req.Longitude); err != nil {
		h.respondError(c, err)
		return
	}

	update := realtime.DriverLocation{
		DriverID: driverID,
		Lat:      req.Latitude,
		Lng:      req.Longitude,
		RideID:   req.RideID,
	}
	if err := h.Gateway.PublishGlobal(ctx, realtime.TopicDriverLocation, update); err != nil {
		h.Logger.Warn("Failed to fan out driver location",
			logger.String("driver_id", driverID),
			logger.Err(err),
		)
	}

	c.JSON(http.StatusOK, update)
}

// SetAvailability handles PUT /v1/drivers/availability
func (h *Handlers) SetAvailability(c *gin.Context) {
	var req dto.AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	status := driver.StatusOffline
	if *req.IsOnline {
		status = driver.StatusOnline
	}

	ctx := c.Request.Context()
	d, err := h.Drivers.SetStatus(ctx, principal(c).DriverID, status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Gateway.SetDriverAvailability(ctx, d.ID, *req.IsOnline)

	h.Logger.Info("Driver availability changed",
		logger.String("driver_id", d.ID),
		logger.String("status", string(d.Status)),
	)
	c.JSON(http.StatusOK, d)
}

// DriverRideHistory handles GET /v1/drivers/rides/history
func (h *Handlers) DriverRideHistory(c *gin.Context) {
	h.history(c, lifecycle.HistoryQuery{DriverID: principal(c).DriverID})
}

// ListJobs handles GET /v1/drivers/jobs
func (h *Handlers) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rides, err := h.Rides.ListOpen(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.RidesResponse{Rides: rides, Count: len(rides)})
}

// AcceptRide handles POST /v1/drivers/jobs/:id/accept
func (h *Handlers) AcceptRide(c *gin.Context) {
	r, err := h.Rides.Accept(c.Request.Context(), c.Param("id"), principal(c).DriverID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// RejectRide handles POST /v1/drivers/jobs/:id/reject
func (h *Handlers) RejectRide(c *gin.Context) {
	var req dto.RejectRideRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}

	r, err := h.Rides.Reject(c.Request.Context(), c.Param("id"), principal(c).DriverID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ArriveRide handles PUT /v1/drivers/rides/:id/arriving
func (h *Handlers) ArriveRide(c *gin.Context) {
	r, err := h.Rides.Arrive(c.Request.Context(), c.Param("id"), principal(c).DriverID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// StartRide handles PUT /v1/drivers/rides/:id/start
func (h *Handlers) StartRide(c *gin.Context) {
	r, err := h.Rides.Start(c.Request.Context(), c.Param("id"), principal(c).DriverID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// CompleteRide handles PUT /v1/drivers/rides/:id/complete
func (h *Handlers) CompleteRide(c *gin.Context) {
	var req dto.CompleteRideRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}

	r, err := h.Rides.Complete(c.Request.Context(), c.Param("id"), principal(c).DriverID, lifecycle.CompleteInput{
		Fare:       req.Fare,
		DistanceKM: req.DistanceKM,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// GetEarnings handles GET /v1/drivers/earnings?from=&to=. Bounds are RFC 3339
// timestamps or dates.
func (h *Handlers) GetEarnings(c *gin.Context) {
	from, err := parseBound(c.Query("from"), false)
	if err != nil {
		h.respondError(c, apperrors.BadRequest("invalid from", err))
		return
	}
	to, err := parseBound(c.Query("to"), true)
	if err != nil {
		h.respondError(c, apperrors.BadRequest("invalid to", err))
		return
	}

	driverID := principal(c).DriverID
	earnings, total, err := h.Drivers.ListEarnings(c.Request.Context(), driverID, driver.EarningsFilter{From: from, To: to})
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := dto.EarningsResponse{
		DriverID: driverID,
		Total:    total,
		Count:    len(earnings),
		Earnings: earnings,
	}
	if !from.IsZero() {
		resp.From = &from
	}
	if !to.IsZero() {
		resp.To = &to
	}
	c.JSON(http.StatusOK, resp)
}

// parseBound reads a filter bound. A bare date as upper bound covers the
// whole day.
func parseBound(value string, upper bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

package handlers

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/api/middleware"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/realtime"
	"github.com/gocomet/ride-dispatch/internal/service/lifecycle"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	gorilla "github.com/gorilla/websocket"
)

// WebSocketOptions tunes the upgrade of /v1/ws.
type WebSocketOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigins limits cross-origin upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// Handlers holds all handler dependencies
type Handlers struct {
	Rides    *lifecycle.Service
	Drivers  driver.Repository
	Gateway  *realtime.Gateway
	Logger   *logger.Logger
	upgrader gorilla.Upgrader
}

// NewHandlers creates a new Handlers instance
func NewHandlers(rides *lifecycle.Service, drivers driver.Repository, gateway *realtime.Gateway, log *logger.Logger, ws WebSocketOptions) *Handlers {
	return &Handlers{
		Rides:   rides,
		Drivers: drivers,
		Gateway: gateway,
		Logger:  log,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  ws.ReadBufferSize,
			WriteBufferSize: ws.WriteBufferSize,
			CheckOrigin:     originChecker(ws.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	stats := h.Gateway.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"connections":    stats.Connections,
		"channels":       stats.Channels,
		"bus_subscribed": h.Gateway.Subscribed(),
	})
}

func principal(c *gin.Context) auth.Principal {
	p, _ := middleware.PrincipalFrom(c)
	return p
}

// respondError writes err as an error response, logging server-side failures.
func (h *Handlers) respondError(c *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed",
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
	}
	c.JSON(appErr.Status, dto.ErrorResponse{Error: appErr.Message, Code: appErr.Code})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "Invalid request payload",
		Code:    "BAD_REQUEST",
		Details: err.Error(),
	})
}

var validationErrors = []error{
	lifecycle.ErrRiderRequired,
	lifecycle.ErrDriverRequired,
	lifecycle.ErrInvalidPickup,
	lifecycle.ErrInvalidDropoff,
	driver.ErrInvalidVehicleType,
	driver.ErrInvalidLocation,
	realtime.ErrMissingRiderID,
	realtime.ErrMissingRideID,
	realtime.ErrMissingStatus,
}

func isValidation(err error) bool {
	if ride.IsValidation(err) {
		return true
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// isUnavailable reports a storage or dependency failure worth retrying.
func isUnavailable(err error) bool {
	return errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sqldriver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded)
}

// toAppError maps domain errors to HTTP errors. Refused transitions are 404
// with the rejection as message, except on finished rides, which conflict.
func toAppError(err error) *apperrors.AppError {
	var transition *ride.TransitionError
	switch {
	case apperrors.IsAppError(err):
		return apperrors.GetAppError(err)
	case isValidation(err):
		return apperrors.BadRequest(err.Error(), err)
	case errors.As(err, &transition):
		if errors.Is(transition.Err, ride.ErrRideFinished) {
			return apperrors.Conflict(transition.Error(), err)
		}
		return apperrors.NotFound(transition.Error(), err)
	case errors.Is(err, ride.ErrRideNotFound):
		return apperrors.NotFound("ride not found", err)
	case errors.Is(err, driver.ErrDriverNotFound):
		return apperrors.NotFound("driver not found", err)
	case errors.Is(err, ride.ErrDuplicateRide):
		return apperrors.Conflict(err.Error(), err)
	case isUnavailable(err):
		return apperrors.ServiceUnavailable("Service temporarily unavailable", err)
	}
	return apperrors.Internal("An unexpected error occurred", err)
}

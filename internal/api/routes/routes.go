package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/internal/api/middleware"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
)

// SetupRoutes configures all API routes. A nil verifier trusts identity
// headers instead of bearer tokens.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, verifier *auth.Verifier, nrApp *newrelic.Application) {
	// Add New Relic middleware if enabled
	if nrApp != nil {
		r.Use(nrgin.Middleware(nrApp))
	}

	// Health check
	r.GET("/health", h.Health)

	// API v1 routes
	v1 := r.Group("/v1", middleware.Authenticate(verifier))
	{
		// WebSocket connection
		v1.GET("/ws", h.HandleWebSocket)

		// Ride endpoints
		rides := v1.Group("/rides")
		{
			rides.POST("", middleware.RequireRider(), h.CreateRide)
			rides.GET("/history", middleware.RequireRider(), h.RideHistory)
			rides.GET("/:id", h.GetRide)
			rides.PUT("/:id/cancel", middleware.RequireRider(), h.CancelRide)
			rides.POST("/:id/status", h.RelayRideStatus)
		}

		// Driver endpoints
		drivers := v1.Group("/drivers", middleware.RequireDriver())
		{
			drivers.PUT("/location", h.UpdateDriverLocation)
			drivers.PUT("/availability", h.SetAvailability)
			drivers.GET("/jobs", h.ListJobs)
			drivers.POST("/jobs/:id/accept", h.AcceptRide)
			drivers.POST("/jobs/:id/reject", h.RejectRide)
			drivers.PUT("/rides/:id/arriving", h.ArriveRide)
			drivers.PUT("/rides/:id/start", h.StartRide)
			drivers.PUT("/rides/:id/complete", h.CompleteRide)
			drivers.GET("/rides/history", h.DriverRideHistory)
			drivers.GET("/earnings", h.GetEarnings)
		}
	}
}

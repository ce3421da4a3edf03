// README: HTTP router registration.
package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/config"
	"supportcarr/internal/http/handlers"
	"supportcarr/internal/http/middleware"
	"supportcarr/internal/infra"
	"supportcarr/internal/jobs"
	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/matching"
	"supportcarr/internal/modules/payment"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/modules/tracking"
)

type RouterDeps struct {
	Rescues    *rescue.Service
	Pricing    *pricing.Service
	Matching   *matching.Service
	Tracking   *tracking.Service
	Locations  *location.Index
	Payments   *payment.Service
	Dispatcher *jobs.Dispatcher
	// Verifier authenticates callers. Nil switches to dev identity headers.
	Verifier infra.TokenVerifier
	Location config.LocationConfig
	// AllowOrigins turns on CORS when non-empty.
	AllowOrigins []string
	Log          logrus.FieldLogger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Metrics(), middleware.Logging(deps.Log))
	if len(deps.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  deps.AllowOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderDevUser, middleware.HeaderDevRole},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	identity := middleware.DevIdentity()
	if deps.Verifier != nil {
		identity = middleware.Auth(deps.Verifier)
	}
	operators := middleware.RequireRole(string(rescue.RoleAdmin), string(rescue.RoleSystem))
	api := r.Group("/api", identity)

	rescueHandler := handlers.NewRescueHandler(deps.Rescues, deps.Pricing, deps.Matching, deps.Tracking)
	api.POST("/rescues", rescueHandler.Create)
	api.GET("/rescues/:id", rescueHandler.Get)
	api.POST("/rescues/:id/dispatch", rescueHandler.Dispatch)
	api.POST("/rescues/:id/accept", rescueHandler.Accept)
	api.POST("/rescues/:id/transition", rescueHandler.Transition)
	api.POST("/rescues/:id/cancel", rescueHandler.Cancel)
	api.POST("/rescues/:id/complete", rescueHandler.Complete)
	api.POST("/rescues/:id/notes", rescueHandler.AddNote)
	api.GET("/rescues/:id/candidates", rescueHandler.Candidates)
	api.GET("/rescues/:id/journey", rescueHandler.Journey)
	api.GET("/rescues/:id/waypoints", rescueHandler.Waypoints)

	driverHandler := handlers.NewDriverHandler(deps.Locations, deps.Tracking, deps.Location)
	api.PUT("/drivers/:id/location", driverHandler.UpdateLocation)
	api.POST("/drivers/locations/batch", operators, driverHandler.BatchLocations)
	api.PUT("/drivers/:id/availability", driverHandler.SetAvailability)
	api.GET("/drivers/nearby", driverHandler.Nearby)

	quoteHandler := handlers.NewQuoteHandler(deps.Pricing, deps.Tracking)
	api.POST("/quotes", quoteHandler.Quote)
	api.GET("/eta", quoteHandler.ETA)

	paymentHandler := handlers.NewPaymentHandler(deps.Payments)
	api.GET("/payments/:id", operators, paymentHandler.Get)
	api.POST("/payments/:id/refund", operators, paymentHandler.Refund)

	jobHandler := handlers.NewJobHandler(deps.Dispatcher)
	api.POST("/internal/jobs/:type", operators, jobHandler.Run)

	return r
}

package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semanticallynull/fleetstate-backend/billing"
	"github.com/semanticallynull/fleetstate-backend/engine"
	"github.com/semanticallynull/fleetstate-backend/internal/middleware"
	"github.com/semanticallynull/fleetstate-backend/ledger"
)

type Deps struct {
	Engine *engine.Engine
	Ledger ledger.Reader
	// Billing charges closed rentals. Nil disables billing.
	Billing  billing.Charger
	Logger   *slog.Logger
	Registry *prometheus.Registry
	// Auth authenticates riders. It must make the rider id available to
	// middleware.GetRiderID.
	Auth gin.HandlerFunc

	MetricsUsername string
	MetricsPassword string
}

type API struct {
	r       *gin.Engine
	engine  *engine.Engine
	ledger  ledger.Reader
	billing billing.Charger
	logger  *slog.Logger
}

func New(d Deps) *API {
	a := &API{
		r:       gin.New(),
		engine:  d.Engine,
		ledger:  d.Ledger,
		billing: d.Billing,
		logger:  d.Logger,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	a.r.Use(gin.Recovery(), middleware.Tracing("fleetstate-api"), middleware.Logging(a.logger))
	if d.Registry != nil {
		a.r.Use(middleware.Metrics(d.Registry))

		metrics := gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
		if d.MetricsUsername != "" {
			a.r.GET("/metrics", gin.BasicAuth(gin.Accounts{d.MetricsUsername: d.MetricsPassword}), metrics)
		} else {
			a.r.GET("/metrics", metrics)
		}
	}

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	a.r.GET("/stations", a.stationsHandler)
	a.r.GET("/stations/nearby", a.nearbyStationsHandler)
	a.r.GET("/stations/:id", a.stationHandler)
	a.r.GET("/bikes", a.bikesHandler)
	a.r.GET("/bikes/:id", a.bikeHandler)

	rentals := a.r.Group("/rentals")
	if d.Auth != nil {
		rentals.Use(d.Auth)
	}
	rentals.Use(requireRider)
	rentals.POST("/checkout", a.checkoutHandler)
	rentals.POST("/return", a.returnHandler)
	rentals.GET("/current", a.currentRentalHandler)
	rentals.GET("", a.rentalsHandler)

	return a
}

func (a *API) Router() *gin.Engine {
	return a.r
}

func requireRider(c *gin.Context) {
	if _, ok := middleware.GetRiderID(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
		return
	}
	c.Next()
}

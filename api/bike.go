package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/engine"
)

func (a *API) bikesHandler(c *gin.Context) {
	var stationID *uuid.UUID
	if q := c.Query("stationId"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			writeError(c, fmt.Errorf("%w: stationId must be a uuid", engine.ErrInvalidRequest))
			return
		}
		stationID = &id
	}

	bikes, err := a.ledger.Bikes(c.Request.Context(), stationID)
	if err != nil {
		writeError(c, err)
		return
	}

	if bikes == nil {
		bikes = []bike.Bike{}
	}
	c.JSON(http.StatusOK, bikes)
}

func (a *API) bikeHandler(c *gin.Context) {
	b, err := a.lookupBike(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLookupError(c, err, engine.ErrBikeNotFound)
		return
	}

	c.JSON(http.StatusOK, b)
}

// lookupBike accepts a bike id or the label printed on the bike.
func (a *API) lookupBike(ctx context.Context, ref string) (bike.Bike, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return a.ledger.Bike(ctx, id)
	}
	return a.ledger.BikeByLabel(ctx, ref)
}

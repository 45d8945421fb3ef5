package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/engine"
	"github.com/semanticallynull/fleetstate-backend/station"
)

const defaultNearbyLimit = 5

func (a *API) stationsHandler(c *gin.Context) {
	stations, err := a.ledger.Stations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	stationResponses := make([]stationResponse, 0, len(stations))
	for _, s := range stations {
		stationResponses = append(stationResponses, toStationResponse(s))
	}
	c.JSON(http.StatusOK, stationResponses)
}

func (a *API) stationHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, fmt.Errorf("%w: station id must be a uuid", engine.ErrInvalidRequest))
		return
	}

	s, err := a.ledger.Station(c.Request.Context(), id)
	if err != nil {
		writeLookupError(c, err, engine.ErrStationNotFound)
		return
	}

	c.JSON(http.StatusOK, toStationResponse(s))
}

func (a *API) nearbyStationsHandler(c *gin.Context) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		writeError(c, fmt.Errorf("%w: lat must be a latitude", engine.ErrInvalidRequest))
		return
	}
	lng, err := strconv.ParseFloat(c.Query("lng"), 64)
	if err != nil || lng < -180 || lng > 180 {
		writeError(c, fmt.Errorf("%w: lng must be a longitude", engine.ErrInvalidRequest))
		return
	}
	limit := defaultNearbyLimit
	if q := c.Query("limit"); q != "" {
		limit, err = strconv.Atoi(q)
		if err != nil || limit < 1 {
			writeError(c, fmt.Errorf("%w: limit must be a positive integer", engine.ErrInvalidRequest))
			return
		}
	}

	stations, err := a.ledger.Stations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	nearest := station.Nearest(stations, lat, lng, limit)
	resp := make([]nearbyStationResponse, 0, len(nearest))
	for _, d := range nearest {
		resp = append(resp, nearbyStationResponse{
			stationResponse: toStationResponse(d.Station),
			DistanceKM:      d.DistanceKM,
		})
	}
	c.JSON(http.StatusOK, resp)
}

type stationResponse struct {
	ID             uuid.UUID      `json:"id"`
	Name           string         `json:"name"`
	Address        string         `json:"address"`
	Lat            float64        `json:"latitude"`
	Lng            float64        `json:"longitude"`
	Type           station.Type   `json:"type"`
	Status         station.Status `json:"status"`
	AvailableBikes int            `json:"availableBikes"`
	Capacity       *int           `json:"capacity,omitempty"`
}

type nearbyStationResponse struct {
	stationResponse
	DistanceKM float64 `json:"distanceKm"`
}

func toStationResponse(station station.Station) stationResponse {
	return stationResponse{
		ID:             station.ID,
		Name:           station.Name,
		Address:        station.Address,
		Type:           station.Type,
		Status:         station.Status,
		Lat:            station.Lat(),
		Lng:            station.Lng(),
		AvailableBikes: station.AvailableBikes,
		Capacity:       station.Capacity,
	}
}

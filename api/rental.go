package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/fleetstate-backend/billing"
	"github.com/semanticallynull/fleetstate-backend/engine"
	"github.com/semanticallynull/fleetstate-backend/internal/middleware"
	"github.com/semanticallynull/fleetstate-backend/ledger"
	"github.com/semanticallynull/fleetstate-backend/rental"
)

type rentalRequest struct {
	// BikeID is the bike id or its label.
	BikeID    string `json:"bikeId"`
	StationID string `json:"stationId"`
}

// resolve turns a request body into bike and station ids. An unknown label
// is reported as unknownBike.
func (a *API) resolve(ctx context.Context, req rentalRequest, unknownBike error) (uuid.UUID, uuid.UUID, error) {
	if req.BikeID == "" || req.StationID == "" {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bikeId and stationId are required", engine.ErrInvalidRequest)
	}
	stationID, err := uuid.Parse(req.StationID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: stationId must be a uuid", engine.ErrInvalidRequest)
	}

	if id, err := uuid.Parse(req.BikeID); err == nil {
		return id, stationID, nil
	}
	b, err := a.ledger.BikeByLabel(ctx, req.BikeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %s", unknownBike, req.BikeID)
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return b.ID, stationID, nil
}

func (a *API) bindRental(c *gin.Context, unknownBike error) (string, uuid.UUID, uuid.UUID, bool) {
	var req rentalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %w", engine.ErrInvalidRequest, err))
		return "", uuid.Nil, uuid.Nil, false
	}

	bikeID, stationID, err := a.resolve(c.Request.Context(), req, unknownBike)
	if err != nil {
		writeError(c, err)
		return "", uuid.Nil, uuid.Nil, false
	}

	riderID, _ := middleware.GetRiderID(c)
	return riderID, bikeID, stationID, true
}

func (a *API) checkoutHandler(c *gin.Context) {
	riderID, bikeID, stationID, ok := a.bindRental(c, engine.ErrBikeNotFound)
	if !ok {
		return
	}

	r, err := a.engine.Checkout(c.Request.Context(), engine.CheckoutRequest{
		RiderID:   riderID,
		BikeID:    bikeID,
		StationID: stationID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rentalId": r.ID})
}

type returnResponse struct {
	RentalID   uuid.UUID `json:"rentalId"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DistanceKM *float64  `json:"distance,omitempty"`
	Minutes    int       `json:"minutes"`
}

func (a *API) returnHandler(c *gin.Context) {
	riderID, bikeID, stationID, ok := a.bindRental(c, engine.ErrNoActiveRental)
	if !ok {
		return
	}

	r, err := a.engine.Return(c.Request.Context(), engine.ReturnRequest{
		RiderID:   riderID,
		BikeID:    bikeID,
		StationID: stationID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if a.billing != nil {
		go a.charge(context.WithoutCancel(c.Request.Context()), r)
	}

	resp := returnResponse{
		RentalID:  r.ID,
		StartTime: r.StartedAt,
		EndTime:   r.EndedAt.Time,
		Minutes:   r.Minutes(),
	}
	if r.DistanceKM.Valid {
		resp.DistanceKM = &r.DistanceKM.Float64
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) charge(ctx context.Context, r rental.Rental) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := a.billing.Charge(ctx, r)
	switch {
	case errors.Is(err, billing.ErrNoPaymentMethod):
		a.logger.WarnContext(ctx, "rental not billed", "rentalId", r.ID, "error", err)
	case err != nil:
		a.logger.ErrorContext(ctx, "failed to bill rental", "rentalId", r.ID, "error", err)
	}
}

type rentalResponse struct {
	ID             uuid.UUID  `json:"id"`
	BikeID         uuid.UUID  `json:"bikeId"`
	StartStationID uuid.UUID  `json:"startStationId"`
	StartTime      time.Time  `json:"startTime"`
	EndStationID   *uuid.UUID `json:"endStationId,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	DistanceKM     *float64   `json:"distance,omitempty"`
	Minutes        int        `json:"minutes"`
}

func toRentalResponse(r rental.Rental) rentalResponse {
	resp := rentalResponse{
		ID:             r.ID,
		BikeID:         r.BikeID,
		StartStationID: r.StartStationID,
		StartTime:      r.StartedAt,
		EndStationID:   r.EndStationID,
		Minutes:        r.Minutes(),
	}
	if r.EndedAt.Valid {
		resp.EndTime = &r.EndedAt.Time
	}
	if r.DistanceKM.Valid {
		resp.DistanceKM = &r.DistanceKM.Float64
	}
	return resp
}

type RentalState struct {
	InProgress bool            `json:"inProgress"`
	Rental     *rentalResponse `json:"rental,omitempty"`
}

func (a *API) currentRentalHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)

	r, err := a.ledger.CurrentRental(c.Request.Context(), riderID)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusOK, RentalState{InProgress: false})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	resp := toRentalResponse(r)
	c.JSON(http.StatusOK, RentalState{InProgress: true, Rental: &resp})
}

func (a *API) rentalsHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)

	rentals, err := a.ledger.RentalsByRider(c.Request.Context(), riderID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]rentalResponse, 0, len(rentals))
	for _, r := range rentals {
		resp = append(resp, toRentalResponse(r))
	}
	c.JSON(http.StatusOK, resp)
}

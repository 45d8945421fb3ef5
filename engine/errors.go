package engine

import (
	"context"
	"errors"

	"github.com/semanticallynull/fleetstate-backend/ledger"
)

// Code is the stable error code reported to callers of the engine.
type Code string

const (
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeBikeNotFound         Code = "BIKE_NOT_FOUND"
	CodeBikeNotAvailable     Code = "BIKE_NOT_AVAILABLE"
	CodeStationMismatch      Code = "STATION_MISMATCH"
	CodeStationNotFound      Code = "STATION_NOT_FOUND"
	CodeNoActiveRental       Code = "NO_ACTIVE_RENTAL"
	CodeRiderHasActiveRental Code = "RIDER_HAS_ACTIVE_RENTAL"
	CodeCapacityUnderflow    Code = "CAPACITY_UNDERFLOW"
	CodeStationFull          Code = "STATION_FULL"
	CodeBusy                 Code = "BUSY"
	CodeInternal             Code = "INTERNAL"
	// CodeCanceled is a caller that went away before the transition finished.
	// Nothing was committed.
	CodeCanceled Code = "CANCELED"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrBikeNotFound         = errors.New("bike not found")
	ErrBikeNotAvailable     = errors.New("bike not available")
	ErrStationMismatch      = errors.New("bike is not docked at this station")
	ErrStationNotFound      = errors.New("station not found")
	ErrNoActiveRental       = errors.New("no active rental for this bike")
	ErrRiderHasActiveRental = errors.New("rider already has an active rental")
	ErrCapacityUnderflow    = errors.New("station has no available bikes to release")
	ErrStationFull          = errors.New("station is full")
)

// CodeOf classifies err. Anything unrecognised is INTERNAL.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrBikeNotFound):
		return CodeBikeNotFound
	case errors.Is(err, ErrBikeNotAvailable):
		return CodeBikeNotAvailable
	case errors.Is(err, ErrStationMismatch):
		return CodeStationMismatch
	case errors.Is(err, ErrStationNotFound):
		return CodeStationNotFound
	case errors.Is(err, ErrNoActiveRental):
		return CodeNoActiveRental
	case errors.Is(err, ErrRiderHasActiveRental):
		return CodeRiderHasActiveRental
	case errors.Is(err, ErrCapacityUnderflow):
		return CodeCapacityUnderflow
	case errors.Is(err, ErrStationFull):
		return CodeStationFull
	case errors.Is(err, ledger.ErrBusy), errors.Is(err, context.DeadlineExceeded):
		return CodeBusy
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeInternal
}

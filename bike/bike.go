// Package bike models a physical bike and the dock state it is in.
package bike

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var ErrInvalidState = errors.New("invalid bike state")

// Status is the operational status column of a bike.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusRented       Status = "rented"
	StatusOutOfService Status = "out_of_service"
)

// LockStatus is the lock column of a bike.
type LockStatus string

const (
	Locked    LockStatus = "locked"
	InUseLock LockStatus = "in_use"
)

// State is where a bike currently is. Exactly one of Docked, InUse or OutOfService.
type State interface {
	isState()
}

// Docked is a bike parked at a station and counted in its availability.
type Docked struct {
	StationID uuid.UUID
}

// InUse is a bike checked out by a rider. It has no station.
type InUse struct {
	RiderID string
}

// OutOfService is a bike parked at a station that cannot be rented.
type OutOfService struct {
	StationID uuid.UUID
}

func (Docked) isState()       {}
func (InUse) isState()        {}
func (OutOfService) isState() {}

// Bike represents a bike which can be rented from a station.
type Bike struct {
	ID uuid.UUID
	// Label is a physical label which is on the bike. It should be scannable (e.g. "CARGO-123")
	// in QR Code or Code-128 format.
	Label string
	// DisplayName is a user-friendly name for the bike type (e.g., "Bergamont Cargoville LJ")
	DisplayName *string

	State State
}

func (b Bike) Status() Status {
	switch b.State.(type) {
	case Docked:
		return StatusAvailable
	case InUse:
		return StatusRented
	default:
		return StatusOutOfService
	}
}

func (b Bike) LockStatus() LockStatus {
	if _, ok := b.State.(InUse); ok {
		return InUseLock
	}
	return Locked
}

// StationID is the station the bike is parked at, nil while it is with a rider.
func (b Bike) StationID() *uuid.UUID {
	switch s := b.State.(type) {
	case Docked:
		return &s.StationID
	case OutOfService:
		return &s.StationID
	}
	return nil
}

// Available reports whether the bike is docked and ready to be checked out.
func (b Bike) Available() bool {
	_, ok := b.State.(Docked)
	return ok
}

// DockedAt reports whether the bike is available at the given station.
func (b Bike) DockedAt(stationID uuid.UUID) bool {
	d, ok := b.State.(Docked)
	return ok && d.StationID == stationID
}

// Columns flattens the state into its stored representation.
func Columns(s State) (Status, LockStatus, *uuid.UUID, *string) {
	switch v := s.(type) {
	case Docked:
		return StatusAvailable, Locked, &v.StationID, nil
	case InUse:
		return StatusRented, InUseLock, nil, &v.RiderID
	case OutOfService:
		return StatusOutOfService, Locked, &v.StationID, nil
	}
	return "", "", nil, nil
}

// FromColumns rebuilds a State from its stored representation, rejecting any
// combination that breaks the dock/lock/status invariant.
func FromColumns(status Status, lock LockStatus, stationID *uuid.UUID, riderID *string) (State, error) {
	switch status {
	case StatusAvailable:
		if lock != Locked || stationID == nil || riderID != nil {
			return nil, fmt.Errorf("%w: available bike must be locked at a station", ErrInvalidState)
		}
		return Docked{StationID: *stationID}, nil
	case StatusRented:
		if lock != InUseLock || stationID != nil || riderID == nil {
			return nil, fmt.Errorf("%w: rented bike must be in use with a rider and no station", ErrInvalidState)
		}
		return InUse{RiderID: *riderID}, nil
	case StatusOutOfService:
		if lock != Locked || stationID == nil || riderID != nil {
			return nil, fmt.Errorf("%w: out of service bike must be locked at a station", ErrInvalidState)
		}
		return OutOfService{StationID: *stationID}, nil
	}
	return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidState, status)
}

// MarshalJSON renders the bike the way the API serves it. The rider holding
// an in-use bike is not exposed.
func (b Bike) MarshalJSON() ([]byte, error) {
	status, lock, stationID, _ := Columns(b.State)
	return json.Marshal(struct {
		ID          uuid.UUID  `json:"id"`
		Label       string     `json:"label"`
		DisplayName *string    `json:"displayName,omitempty"`
		Status      Status     `json:"status"`
		LockStatus  LockStatus `json:"lockStatus"`
		StationID   *uuid.UUID `json:"stationId"`
		Available   bool       `json:"available"`
	}{
		ID:          b.ID,
		Label:       b.Label,
		DisplayName: b.DisplayName,
		Status:      status,
		LockStatus:  lock,
		StationID:   stationID,
		Available:   b.Available(),
	})
}

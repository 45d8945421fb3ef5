package ledger

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/semanticallynull/fleetstate-backend/bike"
	"github.com/semanticallynull/fleetstate-backend/station"
)

var ErrInvalidSeed = errors.New("invalid seed")

type seedFile struct {
	Stations []seedStation `json:"stations"`
	Bikes    []seedBike    `json:"bikes"`
}

type seedStation struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	Address  string       `json:"address"`
	Lat      *float64     `json:"lat"`
	Lng      *float64     `json:"lng"`
	Type     station.Type `json:"type"`
	Capacity *int         `json:"capacity"`
}

type seedBike struct {
	ID           uuid.UUID `json:"id"`
	Label        string    `json:"label"`
	DisplayName  *string   `json:"displayName"`
	StationID    uuid.UUID `json:"stationId"`
	OutOfService bool      `json:"outOfService"`
}

// Seed provisions stations and bikes from a JSON document of the form
//
//	{"stations": [{"id", "name", "address", "lat", "lng", "type", "capacity"}],
//	 "bikes": [{"id", "label", "displayName", "stationId", "outOfService"}]}
//
// Every bike is parked at its station. Station counters are set from the bikes
// docked there. Missing ids are generated.
func (m *Memory) Seed(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var f seedFile
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}

	stations := make(map[uuid.UUID]station.Station, len(f.Stations))
	for _, s := range f.Stations {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if _, ok := stations[s.ID]; ok {
			return fmt.Errorf("%w: duplicate station %s", ErrInvalidSeed, s.ID)
		}
		st := station.Station{
			ID:       s.ID,
			Name:     s.Name,
			Address:  s.Address,
			Type:     s.Type,
			Status:   station.Active,
			Capacity: s.Capacity,
		}
		if s.Lat != nil && s.Lng != nil {
			st.Location = pgtype.Point{P: pgtype.Vec2{X: *s.Lat, Y: *s.Lng}, Valid: true}
		}
		stations[s.ID] = st
	}

	labels := make(map[string]struct{}, len(f.Bikes))
	bikes := make([]bike.Bike, 0, len(f.Bikes))
	for _, b := range f.Bikes {
		st, ok := stations[b.StationID]
		if !ok {
			return fmt.Errorf("%w: bike %q is parked at unknown station %s", ErrInvalidSeed, b.Label, b.StationID)
		}
		if b.Label == "" {
			return fmt.Errorf("%w: bike without a label", ErrInvalidSeed)
		}
		if _, ok := labels[b.Label]; ok {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidSeed, b.Label)
		}
		labels[b.Label] = struct{}{}

		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		var state bike.State = bike.Docked{StationID: st.ID}
		if b.OutOfService {
			state = bike.OutOfService{StationID: st.ID}
		} else {
			st.AvailableBikes++
			stations[st.ID] = st
		}
		bikes = append(bikes, bike.Bike{ID: b.ID, Label: b.Label, DisplayName: b.DisplayName, State: state})
	}

	for _, st := range stations {
		m.PutStation(st)
	}
	for _, b := range bikes {
		m.PutBike(b)
	}
	return nil
}

package station

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Type int

const (
	Public Type = iota
	Private
)

type Status string

const (
	Active   Status = "active"
	Inactive Status = "inactive"
)

type Station struct {
	ID       uuid.UUID    `db:"id"`
	Name     string       `db:"name"`
	Address  string       `db:"address"`
	Location pgtype.Point `db:"location"`
	Type     Type         `db:"type"`
	Status   Status       `db:"status"`
	// AvailableBikes counts the bikes docked here and ready to rent. It is only
	// changed by rental transitions.
	AvailableBikes int `db:"available_bikes"`
	// Capacity is the number of physical docks, when known.
	Capacity *int `db:"capacity"`
}

func (s Station) Lat() float64 { return s.Location.P.X }
func (s Station) Lng() float64 { return s.Location.P.Y }

func (t Type) String() string {
	return [...]string{"public", "private"}[t]
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.Scan(s)
}

func (t *Type) Scan(i any) error {
	switch v := i.(type) {
	case string:
		switch v {
		case "public":
			*t = Public
			return nil
		case "private":
			*t = Private
			return nil
		}
	}
	return fmt.Errorf("invalid station type %v", i)
}

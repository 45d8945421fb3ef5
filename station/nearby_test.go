package station

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

func at(name string, lat, lng float64) Station {
	return Station{
		ID:       uuid.New(),
		Name:     name,
		Location: pgtype.Point{P: pgtype.Vec2{X: lat, Y: lng}, Valid: true},
	}
}

func TestNearest_SortsByDistance(t *testing.T) {
	stations := []Station{
		at("far", 53.40, -6.20),
		at("near", 53.3499, -6.2604),
		at("middle", 53.36, -6.26),
	}

	got := Nearest(stations, 53.3498, -6.2603, 0)

	if len(got) != 3 {
		t.Fatalf("expected 3 stations, got %d", len(got))
	}
	want := []string{"near", "middle", "far"}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("expected %s at position %d, got %s", name, i, got[i].Name)
		}
	}
}

func TestNearest_Limit(t *testing.T) {
	stations := []Station{
		at("a", 1, 1),
		at("b", 2, 2),
		at("c", 3, 3),
	}

	got := Nearest(stations, 0, 0, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 stations, got %d", len(got))
	}
	if got[0].Name != "a" {
		t.Errorf("expected a first, got %s", got[0].Name)
	}
}

func TestType_Scan(t *testing.T) {
	var typ Type
	if err := typ.Scan("private"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != Private {
		t.Errorf("expected private, got %s", typ)
	}
	if err := typ.Scan("secret"); err == nil {
		t.Errorf("expected an error for an unknown type")
	}
}

func TestNearest_SkipsStationsWithoutLocation(t *testing.T) {
	stations := []Station{
		{ID: uuid.New(), Name: "unplaced"},
		at("placed", 53.35, -6.26),
	}

	got := Nearest(stations, 0, 0, 0)
	if len(got) != 1 || got[0].Name != "placed" {
		t.Errorf("expected only the placed station, got %v", got)
	}
}

func TestType_JSON(t *testing.T) {
	b, err := Private.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var typ Type
	if err := typ.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if typ != Private {
		t.Errorf("expected private, got %s", typ)
	}
}

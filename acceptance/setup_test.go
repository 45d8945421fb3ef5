package acceptance

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/semanticallynull/fleetstate-backend/api"
	"github.com/semanticallynull/fleetstate-backend/engine"
	"github.com/semanticallynull/fleetstate-backend/internal/middleware"
	"github.com/semanticallynull/fleetstate-backend/ledger"
)

// Acceptance tests drive the HTTP API against a real Postgres. They run when
// DATABASE_URL points at a disposable database.

type TestServer struct {
	DB       *sqlx.DB
	Router   *gin.Engine
	Ledger   *ledger.Postgres
	Registry *prometheus.Registry
}

func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sqlx.Connect("pgx", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	l := ledger.NewPostgres(db, 2*time.Second)
	if err := l.ApplySchema(context.Background()); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	// Clean up test data before each test
	cleanupTestData(t, db)

	cfg := engine.DefaultConfig()
	cfg.RetryInterval = 10 * time.Millisecond
	reg := prometheus.NewRegistry()
	a := api.New(api.Deps{
		Engine: engine.New(l, cfg, engine.WithRegistry(reg)),
		Ledger: l,
		Auth:   fakeAuthMiddleware(),
	})

	return &TestServer{
		DB:       db,
		Router:   a.Router(),
		Ledger:   l,
		Registry: reg,
	}
}

func (ts *TestServer) Close() {
	ts.DB.Close()
}

func cleanupTestData(t *testing.T, db *sqlx.DB) {
	t.Helper()

	// Delete in order of dependencies
	for _, table := range []string{"rentals", "bikes", "stations", "customers"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			t.Logf("warning: failed to clean %s: %v", table, err)
		}
	}
}

// fakeAuthMiddleware takes the rider id from the X-User-ID header
func fakeAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			c.Set(middleware.RiderKey, userID)
		}
		c.Next()
	}
}

// Helper methods for making requests
func (ts *TestServer) GET(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func (ts *TestServer) POST(path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

// CreateTestStation inserts a station with a counter of available.
func (ts *TestServer) CreateTestStation(t *testing.T, name string, lat, lng float64, available int) string {
	t.Helper()
	var id string
	err := ts.DB.Get(&id, `
		INSERT INTO stations (id, name, address, location, type, available_bikes)
		VALUES (gen_random_uuid(), $1, 'Test Address', point($2::float8, $3::float8), 'public', $4)
		RETURNING id
	`, name, lat, lng, available)
	if err != nil {
		t.Fatalf("failed to create test station: %v", err)
	}
	return id
}

// CreateTestBike inserts a bike docked at stationID. It does not touch the
// station counter.
func (ts *TestServer) CreateTestBike(t *testing.T, label, stationID string) string {
	t.Helper()
	var id string
	err := ts.DB.Get(&id, `
		INSERT INTO bikes (id, label, status, lock_status, station_id)
		VALUES (gen_random_uuid(), $1, 'available', 'locked', $2)
		RETURNING id
	`, label, stationID)
	if err != nil {
		t.Fatalf("failed to create test bike: %v", err)
	}
	return id
}

// AssertCounters fails when a station counter differs from its docked bikes.
func (ts *TestServer) AssertCounters(t *testing.T) {
	t.Helper()
	var drift []struct {
		Name      string `db:"name"`
		Available int    `db:"available_bikes"`
		Docked    int    `db:"docked"`
	}
	err := ts.DB.Select(&drift, `
		SELECT s.name, s.available_bikes, count(b.id) AS docked
		FROM stations s LEFT JOIN bikes b ON b.station_id = s.id AND b.status = 'available'
		GROUP BY s.id
		HAVING s.available_bikes <> count(b.id)
	`)
	if err != nil {
		t.Fatalf("failed to check counters: %v", err)
	}
	for _, d := range drift {
		t.Errorf("station %s: expected available_bikes %d, got %d", d.Name, d.Docked, d.Available)
	}
}

// Package postgres stores rides, drivers and earnings in PostgreSQL through
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id                TEXT PRIMARY KEY,
	rider_id          TEXT NOT NULL,
	driver_id         TEXT,
	status            TEXT NOT NULL,
	vehicle_type      TEXT NOT NULL,
	pickup_latitude   DOUBLE PRECISION NOT NULL,
	pickup_longitude  DOUBLE PRECISION NOT NULL,
	pickup_address    TEXT NOT NULL DEFAULT '',
	dropoff_latitude  DOUBLE PRECISION NOT NULL,
	dropoff_longitude DOUBLE PRECISION NOT NULL,
	dropoff_address   TEXT NOT NULL DEFAULT '',
	estimated_fare    DOUBLE PRECISION,
	fare              DOUBLE PRECISION,
	distance_km       DOUBLE PRECISION,
	duration_minutes  INTEGER,
	cancel_reason     TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	cancelled_at      TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	version           INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_rides_open ON rides (created_at)
	WHERE status = 'PENDING' AND driver_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_rides_rider_created ON rides (rider_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_rides_driver_created ON rides (driver_id, created_at DESC);

CREATE TABLE IF NOT EXISTS drivers (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'online',
	vehicle_type      TEXT NOT NULL DEFAULT 'economy',
	current_latitude  DOUBLE PRECISION,
	current_longitude DOUBLE PRECISION,
	total_trips       INTEGER NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS driver_earnings (
	id          TEXT PRIMARY KEY,
	driver_id   TEXT NOT NULL,
	ride_id     TEXT,
	amount      DOUBLE PRECISION NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	date        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_driver_earnings_driver_date ON driver_earnings (driver_id, date DESC);
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

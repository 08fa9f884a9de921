package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
)

// DriverRepository implements driver.Repository.
type DriverRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDriverRepository(db *sql.DB) *DriverRepository {
	return &DriverRepository{db: db, now: time.Now}
}

const driverColumns = `id, user_id, status, vehicle_type, current_latitude, current_longitude, total_trips, updated_at`

func (r *DriverRepository) GetByID(ctx context.Context, id string) (*driver.Driver, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driver.ErrDriverNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load driver: %w", err)
	}
	return d, nil
}

func scanDriver(row rowScanner) (*driver.Driver, error) {
	var (
		d                   driver.Driver
		status, vehicleType string
		lat, lng            sql.NullFloat64
	)
	if err := row.Scan(&d.ID, &d.UserID, &status, &vehicleType, &lat, &lng, &d.TotalTrips, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = driver.Status(status)
	d.VehicleType = driver.VehicleType(vehicleType)
	d.CurrentLatitude = floatPtr(lat)
	d.CurrentLongitude = floatPtr(lng)
	return &d, nil
}

// UpdateLocation records a position, creating the driver on first sight.
func (r *DriverRepository) UpdateLocation(ctx context.Context, id string, lat, lng float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drivers (id, status, current_latitude, current_longitude, updated_at)
		VALUES ($1, 'online', $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET current_latitude = EXCLUDED.current_latitude,
			current_longitude = EXCLUDED.current_longitude,
			updated_at = EXCLUDED.updated_at
	`, id, lat, lng, r.now())
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	return nil
}

// SetStatus changes availability, creating the driver on first sight.
func (r *DriverRepository) SetStatus(ctx context.Context, id string, status driver.Status) (*driver.Driver, error) {
	if !status.IsValid() {
		return nil, driver.ErrInvalidDriverStatus
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO drivers (id, status, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING `+driverColumns, id, string(status), r.now())
	d, err := scanDriver(row)
	if err != nil {
		return nil, fmt.Errorf("failed to set driver status: %w", err)
	}
	return d, nil
}

// ListAvailable returns online drivers that have reported a location.
func (r *DriverRepository) ListAvailable(ctx context.Context) ([]driver.Driver, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+driverColumns+`
		FROM drivers
		WHERE status = 'online'
			AND current_latitude IS NOT NULL
			AND current_longitude IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list available drivers: %w", err)
	}
	defer rows.Close()

	out := make([]driver.Driver, 0)
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEarnings returns the driver's earnings newest first and their sum.
func (r *DriverRepository) ListEarnings(ctx context.Context, driverID string, filter driver.EarningsFilter) ([]driver.Earning, float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, driver_id, ride_id, amount, type, description, date
		FROM driver_earnings
		WHERE driver_id = $1
			AND ($2::timestamptz IS NULL OR date >= $2)
			AND ($3::timestamptz IS NULL OR date <= $3)
		ORDER BY date DESC
	`, driverID, boundOrNull(filter.From), boundOrNull(filter.To))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list earnings: %w", err)
	}
	defer rows.Close()

	out := make([]driver.Earning, 0)
	var total float64
	for rows.Next() {
		var (
			e      driver.Earning
			rideID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DriverID, &rideID, &e.Amount, &e.Type, &e.Description, &e.Date); err != nil {
			return nil, 0, fmt.Errorf("failed to scan earning: %w", err)
		}
		e.RideID = rideID.String
		out = append(out, e)
		total += e.Amount
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func boundOrNull(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

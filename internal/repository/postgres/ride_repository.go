package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

const rideColumns = `id, rider_id, driver_id, status, vehicle_type,
	pickup_latitude, pickup_longitude, pickup_address,
	dropoff_latitude, dropoff_longitude, dropoff_address,
	estimated_fare, fare, distance_km, duration_minutes, cancel_reason,
	started_at, completed_at, cancelled_at, created_at, updated_at, version`

// RideRepository implements ride.Repository.
type RideRepository struct {
	db *sql.DB
}

func NewRideRepository(db *sql.DB) *RideRepository {
	return &RideRepository{db: db}
}

func (r *RideRepository) Create(ctx context.Context, rd *ride.Ride) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		rd.ID, rd.RiderID, rd.DriverID, string(rd.Status), string(rd.VehicleType),
		rd.Pickup.Lat, rd.Pickup.Lng, rd.Pickup.Address,
		rd.Dropoff.Lat, rd.Dropoff.Lng, rd.Dropoff.Address,
		rd.EstimatedFare, rd.Fare, rd.DistanceKM, rd.DurationMinutes, rd.CancelReason,
		rd.StartedAt, rd.CompletedAt, rd.CancelledAt, rd.CreatedAt, rd.UpdatedAt, rd.Version,
	)
	if isUniqueViolation(err) {
		return ride.ErrDuplicateRide
	}
	if err != nil {
		return fmt.Errorf("failed to insert ride: %w", err)
	}
	return nil
}

func (r *RideRepository) GetByID(ctx context.Context, id string) (*ride.Ride, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	rd, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ride.ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ride: %w", err)
	}
	return rd, nil
}

// UpdateIfVersion writes next only if nobody changed the row since it was
// read at version expected.
func (r *RideRepository) UpdateIfVersion(ctx context.Context, next *ride.Ride, expected int) error {
	return updateIfVersion(ctx, r.db, next, expected)
}

// Complete stores the completed ride, the driver's earning and the trip count
// in one transaction.
func (r *RideRepository) Complete(ctx context.Context, next *ride.Ride, expected int, earning *driver.Earning) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateIfVersion(ctx, tx, next, expected); err != nil {
		return err
	}

	if earning != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO driver_earnings (id, driver_id, ride_id, amount, type, description, date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, earning.ID, earning.DriverID, earning.RideID, earning.Amount, earning.Type, earning.Description, earning.Date)
		if err != nil {
			return fmt.Errorf("failed to insert earning: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO drivers (id, total_trips, updated_at)
			VALUES ($1, 1, $2)
			ON CONFLICT (id) DO UPDATE
			SET total_trips = drivers.total_trips + 1, updated_at = EXCLUDED.updated_at
		`, earning.DriverID, earning.Date)
		if err != nil {
			return fmt.Errorf("failed to update driver trips: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *RideRepository) ListOpen(ctx context.Context, limit int) ([]*ride.Ride, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE status = 'PENDING' AND driver_id IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open rides: %w", err)
	}
	defer rows.Close()

	out := make([]*ride.Ride, 0)
	for rows.Next() {
		rd, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ride: %w", err)
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

const historyWhere = `
	WHERE ($1 = '' OR rider_id = $1)
		AND ($2 = '' OR driver_id = $2)
		AND ($3 = '' OR status = $3)`

func (r *RideRepository) ListHistory(ctx context.Context, filter ride.HistoryFilter) ([]*ride.Ride, int, error) {
	args := []interface{}{filter.RiderID, filter.DriverID, string(filter.Status)}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides`+historyWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rides: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+rideColumns+`
		FROM rides`+historyWhere+`
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	out := make([]*ride.Ride, 0)
	for rows.Next() {
		rd, err := scanRide(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan ride: %w", err)
		}
		out = append(out, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func updateIfVersion(ctx context.Context, db execer, next *ride.Ride, expected int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE rides SET
			driver_id = $2, status = $3, estimated_fare = $4, fare = $5,
			distance_km = $6, duration_minutes = $7, cancel_reason = $8,
			started_at = $9, completed_at = $10, cancelled_at = $11,
			updated_at = $12, version = $13
		WHERE id = $1 AND version = $14
	`,
		next.ID, next.DriverID, string(next.Status), next.EstimatedFare, next.Fare,
		next.DistanceKM, next.DurationMinutes, next.CancelReason,
		next.StartedAt, next.CompletedAt, next.CancelledAt,
		next.UpdatedAt, next.Version, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update ride: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ride.ErrVersionConflict
	}
	return nil
}

func scanRide(row rowScanner) (*ride.Ride, error) {
	var (
		rd                                  ride.Ride
		status, vehicleType                 string
		driverID                            sql.NullString
		estimatedFare, fare, distance       sql.NullFloat64
		duration                            sql.NullInt64
		startedAt, completedAt, cancelledAt sql.NullTime
	)

	err := row.Scan(
		&rd.ID, &rd.RiderID, &driverID, &status, &vehicleType,
		&rd.Pickup.Lat, &rd.Pickup.Lng, &rd.Pickup.Address,
		&rd.Dropoff.Lat, &rd.Dropoff.Lng, &rd.Dropoff.Address,
		&estimatedFare, &fare, &distance, &duration, &rd.CancelReason,
		&startedAt, &completedAt, &cancelledAt, &rd.CreatedAt, &rd.UpdatedAt, &rd.Version,
	)
	if err != nil {
		return nil, err
	}

	rd.Status = ride.Status(status)
	rd.VehicleType = driver.VehicleType(vehicleType)
	if driverID.Valid {
		rd.DriverID = &driverID.String
	}
	rd.EstimatedFare = floatPtr(estimatedFare)
	rd.Fare = floatPtr(fare)
	rd.DistanceKM = floatPtr(distance)
	if duration.Valid {
		d := int(duration.Int64)
		rd.DurationMinutes = &d
	}
	rd.StartedAt = timePtr(startedAt)
	rd.CompletedAt = timePtr(completedAt)
	rd.CancelledAt = timePtr(cancelledAt)
	return &rd, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

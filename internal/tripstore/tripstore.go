// Package tripstore is the durable, transactional Trip Store: finalized
// trips and their ride-requests, accessed only through interactive
// transactions against PostgreSQL (spec §4.4, §6).
package tripstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/airport-cabpool/internal/models"
)

// ErrUserNotFound means the caller user does not exist in the durable
// store; the durable commit transaction is aborted and the pool-side
// commit is left to reconciliation (spec §4.4, §7 DurableCommitFailed).
var ErrUserNotFound = errors.New("tripstore: user not found")

// Store executes the interactive transactions backing the durable commit
// path.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, following the teacher's PostgresStore
// construction (sql.Open + Ping).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// CommitRequest carries everything the durable commit transaction needs to
// realize one pairing (spec §4.4).
type CommitRequest struct {
	TripID string
	// IsExtend is true when the peer was already a forming trip (extend-trip
	// path); false when the peer was a lone passenger (new-trip path).
	IsExtend bool
	// PriorMembers backfills RideRequest rows if IsExtend is true but the
	// Trip row is unexpectedly missing (a prior DurableCommitFailed left the
	// pool ahead of the store).
	PriorMembers []models.TripMember

	CallerUserID         string
	CallerPassengerCount int
	CallerLuggageUnits   int
	CallerIssuedPrice    float64

	// PeerUserID/PeerPassengerCount/... are only used on the new-trip path.
	PeerUserID         string
	PeerPassengerCount int
	PeerLuggageUnits   int
	PeerIssuedPrice    float64

	Status          models.TripStatus
	FareEach        float64
	TotalPassengers int
	TotalLuggage    int
}

// Commit runs the durable commit transaction and returns the trip as
// re-read by GetFullTrip (with its ride requests, cab, and driver) on
// success. Member user rows are not loaded.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (*models.Trip, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tripstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	exists, err := userExists(ctx, tx, req.CallerUserID)
	if err != nil {
		return nil, fmt.Errorf("tripstore: check user: %w", err)
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	cab, err := findAvailableCab(ctx, tx, req.TotalPassengers, req.TotalLuggage)
	if err != nil {
		return nil, fmt.Errorf("tripstore: find cab: %w", err)
	}
	var cabID *string
	if cab != nil {
		cabID = &cab.ID
	}

	tripRowExists, err := tripExists(ctx, tx, req.TripID)
	if err != nil {
		return nil, fmt.Errorf("tripstore: check trip: %w", err)
	}

	switch {
	case !req.IsExtend:
		if err := insertTrip(ctx, tx, req.TripID, req.Status, req.FareEach, req.TotalPassengers, req.TotalLuggage, cabID); err != nil {
			return nil, fmt.Errorf("tripstore: insert trip: %w", err)
		}
		if err := insertRideRequestIfAbsent(ctx, tx, req.TripID, req.PeerUserID, req.PeerPassengerCount, req.PeerLuggageUnits, req.FareEach, req.Status); err != nil {
			return nil, fmt.Errorf("tripstore: insert peer ride request: %w", err)
		}
		if err := insertRideRequestIfAbsent(ctx, tx, req.TripID, req.CallerUserID, req.CallerPassengerCount, req.CallerLuggageUnits, req.FareEach, req.Status); err != nil {
			return nil, fmt.Errorf("tripstore: insert caller ride request: %w", err)
		}

	case !tripRowExists:
		// Extend path but the trip row never made it to the store (a
		// prior partial failure). Fall back to the new-trip path and
		// backfill every known prior member.
		if err := insertTrip(ctx, tx, req.TripID, req.Status, req.FareEach, req.TotalPassengers, req.TotalLuggage, cabID); err != nil {
			return nil, fmt.Errorf("tripstore: insert backfilled trip: %w", err)
		}
		for _, m := range req.PriorMembers {
			memberExists, err := userExists(ctx, tx, m.UserID)
			if err != nil {
				return nil, fmt.Errorf("tripstore: check prior member: %w", err)
			}
			if !memberExists {
				continue // spec §4.4: skip members whose user rows are missing
			}
			if err := insertRideRequestIfAbsent(ctx, tx, req.TripID, m.UserID, m.PassengerCount, m.LuggageUnits, req.FareEach, req.Status); err != nil {
				return nil, fmt.Errorf("tripstore: backfill member %s: %w", m.UserID, err)
			}
		}
		if err := insertRideRequestIfAbsent(ctx, tx, req.TripID, req.CallerUserID, req.CallerPassengerCount, req.CallerLuggageUnits, req.FareEach, req.Status); err != nil {
			return nil, fmt.Errorf("tripstore: insert caller ride request: %w", err)
		}

	default:
		alreadyPresent, err := rideRequestExists(ctx, tx, req.TripID, req.CallerUserID)
		if err != nil {
			return nil, fmt.Errorf("tripstore: check ride request: %w", err)
		}
		if !alreadyPresent {
			if err := insertRideRequestIfAbsent(ctx, tx, req.TripID, req.CallerUserID, req.CallerPassengerCount, req.CallerLuggageUnits, req.FareEach, req.Status); err != nil {
				return nil, fmt.Errorf("tripstore: insert caller ride request: %w", err)
			}
		}
		if err := updateTrip(ctx, tx, req.TripID, req.Status, req.FareEach, req.TotalPassengers, req.TotalLuggage, cabID); err != nil {
			return nil, fmt.Errorf("tripstore: update trip: %w", err)
		}
		if err := cascadeStatusAndFare(ctx, tx, req.TripID, req.Status, req.FareEach); err != nil {
			return nil, fmt.Errorf("tripstore: cascade status/fare: %w", err)
		}
	}

	if req.Status == models.TripActive && cab != nil {
		if err := markCabBooked(ctx, tx, cab.ID); err != nil {
			return nil, fmt.Errorf("tripstore: mark cab booked: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tripstore: commit tx: %w", err)
	}

	return s.GetFullTrip(ctx, req.TripID)
}

func userExists(ctx context.Context, tx *sql.Tx, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

func tripExists(ctx context.Context, tx *sql.Tx, tripID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trips WHERE id = $1 FOR UPDATE)`, tripID).Scan(&exists)
	return exists, err
}

func rideRequestExists(ctx context.Context, tx *sql.Tx, tripID, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ride_requests WHERE trip_id = $1 AND user_id = $2)`, tripID, userID).Scan(&exists)
	return exists, err
}

func insertTrip(ctx context.Context, tx *sql.Tx, tripID string, status models.TripStatus, fareEach float64, passengers, luggage int, cabID *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trips (id, status, fare_each, no_of_passengers, total_luggage, cab_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		tripID, status, fareEach, passengers, luggage, cabID, time.Now())
	return err
}

func updateTrip(ctx context.Context, tx *sql.Tx, tripID string, status models.TripStatus, fareEach float64, passengers, luggage int, cabID *string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trips SET status = $1, fare_each = $2, no_of_passengers = $3, total_luggage = $4, cab_id = $5
		WHERE id = $6`,
		status, fareEach, passengers, luggage, cabID, tripID)
	return err
}

func insertRideRequestIfAbsent(ctx context.Context, tx *sql.Tx, tripID, userID string, passengers, luggage int, issuedPrice float64, status models.TripStatus) error {
	present, err := rideRequestExists(ctx, tx, tripID, userID)
	if err != nil {
		return err
	}
	if present {
		return nil // idempotency: spec §4.4 "skip and return the existing id"
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ride_requests (id, trip_id, user_id, no_of_passengers, luggage_capacity, issued_price, status, joined_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)`,
		tripID, userID, passengers, luggage, issuedPrice, status, time.Now())
	return err
}

func cascadeStatusAndFare(ctx context.Context, tx *sql.Tx, tripID string, status models.TripStatus, fareEach float64) error {
	_, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status = $1, issued_price = $2 WHERE trip_id = $3`, status, fareEach, tripID)
	return err
}

func markCabBooked(ctx context.Context, tx *sql.Tx, cabID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cabs SET status = $1 WHERE id = $2`, models.CabBooked, cabID)
	return err
}

// findAvailableCab prefers the smallest cab that still satisfies both
// capacity bounds (spec §4.4).
func findAvailableCab(ctx context.Context, tx *sql.Tx, minSeats, minLuggage int) (*models.Cab, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, driver_id, seats, luggage_capacity, status
		FROM cabs
		WHERE status = $1 AND seats >= $2 AND luggage_capacity >= $3
		ORDER BY seats ASC, luggage_capacity ASC
		LIMIT 1`,
		models.CabAvailable, minSeats, minLuggage)

	var c models.Cab
	err := row.Scan(&c.ID, &c.DriverID, &c.Seats, &c.LuggageCapacity, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetFullTrip re-reads a trip with its ride requests, cab, and driver
// (spec §4.4: "the engine re-reads the full trip ... after the transaction
// commits").
func (s *Store) GetFullTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var t models.Trip
	var cabID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, fare_each, no_of_passengers, total_luggage, cab_id, created_at
		FROM trips WHERE id = $1`, tripID).
		Scan(&t.ID, &t.Status, &t.FareEach, &t.NoOfPassengers, &t.TotalLuggage, &cabID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("tripstore: get trip %s: %w", tripID, err)
	}
	if cabID.Valid {
		id := cabID.String
		t.CabID = &id
		t.Cab, err = s.getCab(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Cab != nil {
			t.Driver, err = s.getDriver(ctx, t.Cab.DriverID)
			if err != nil {
				return nil, err
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trip_id, user_id, no_of_passengers, luggage_capacity, issued_price, status, joined_at
		FROM ride_requests WHERE trip_id = $1 ORDER BY joined_at ASC`, tripID)
	if err != nil {
		return nil, fmt.Errorf("tripstore: get ride requests for %s: %w", tripID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var rr models.RideRequest
		if err := rows.Scan(&rr.ID, &rr.TripID, &rr.UserID, &rr.NoOfPassengers, &rr.LuggageCapacity, &rr.IssuedPrice, &rr.Status, &rr.JoinedAt); err != nil {
			return nil, fmt.Errorf("tripstore: scan ride request: %w", err)
		}
		t.RideRequests = append(t.RideRequests, rr)
	}
	return &t, rows.Err()
}

func (s *Store) getCab(ctx context.Context, cabID string) (*models.Cab, error) {
	var c models.Cab
	err := s.db.QueryRowContext(ctx, `SELECT id, driver_id, seats, luggage_capacity, status FROM cabs WHERE id = $1`, cabID).
		Scan(&c.ID, &c.DriverID, &c.Seats, &c.LuggageCapacity, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tripstore: get cab %s: %w", cabID, err)
	}
	return &c, nil
}

func (s *Store) getDriver(ctx context.Context, driverID string) (*models.Driver, error) {
	var d models.Driver
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM drivers WHERE id = $1`, driverID).Scan(&d.ID, &d.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tripstore: get driver %s: %w", driverID, err)
	}
	return &d, nil
}

// CancelTrip marks a trip cancelled, used when Remove-from-trip collapses a
// forming trip to a single member (spec §4.5).
func (s *Store) CancelTrip(ctx context.Context, tripID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trips SET status = $1 WHERE id = $2`, models.TripCancelled, tripID)
	if err != nil {
		return fmt.Errorf("tripstore: cancel trip %s: %w", tripID, err)
	}
	return nil
}

// Package models defines the shared data shapes for the route-pooling
// matcher: pool entries, route signatures, and durable trip rows.
package models

import "time"

// Coord is a latitude/longitude pair.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// EntryStatus is the lifecycle state of a pool entry.
type EntryStatus string

const (
	StatusWaiting EntryStatus = "WAITING"
	StatusActive  EntryStatus = "ACTIVE"
)

// TripIDPrefix marks a pool entry id as belonging to a forming/sealed trip
// rather than a lone passenger.
const TripIDPrefix = "TRIP"

// RouteSignature is the concatenation of fixed-width hex cell ids traversed
// from the origin to a destination, in travel order.
type RouteSignature string

// DestinationCell returns the last W-character segment of the signature.
func (s RouteSignature) DestinationCell(cellWidth int) string {
	str := string(s)
	if len(str) < cellWidth {
		return str
	}
	return str[len(str)-cellWidth:]
}

// NumCells returns how many W-character cells the signature contains.
func (s RouteSignature) NumCells(cellWidth int) int {
	if cellWidth == 0 {
		return 0
	}
	return len(s) / cellWidth
}

// CommonPrefixCells returns the number of whole W-character cells that a and
// b share as a leading prefix.
func CommonPrefixCells(a, b RouteSignature, cellWidth int) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	cells := n / cellWidth
	as, bs := string(a), string(b)
	for k := 0; k < cells; k++ {
		start := k * cellWidth
		if as[start:start+cellWidth] != bs[start:start+cellWidth] {
			return k
		}
	}
	return cells
}

// PassengerMeta is the metadata recorded for a single waiting passenger.
type PassengerMeta struct {
	UserID          string         `json:"user_id"`
	RouteSignature  RouteSignature `json:"route_signature"`
	PassengerCount  int            `json:"passenger_count"`
	LuggageUnits    int            `json:"luggage_units"`
	Status          EntryStatus    `json:"status"`
	IssuedPrice     float64        `json:"issued_price"`
	DestinationCell string         `json:"destination_cell"`
	TotalKM         float64        `json:"total_km"`
	RegisteredAt    time.Time      `json:"registered_at"`
}

// TripMember is a passenger's original request metadata as retained inside a
// forming trip's pool metadata.
type TripMember struct {
	UserID         string    `json:"user_id"`
	PassengerCount int       `json:"passenger_count"`
	LuggageUnits   int       `json:"luggage_units"`
	IssuedPrice    float64   `json:"issued_price"`
	JoinedAt       time.Time `json:"joined_at"`
}

// TripMeta is the metadata recorded for a forming or sealed trip entry.
type TripMeta struct {
	TripID         string         `json:"trip_id"`
	RouteSignature RouteSignature `json:"route_signature"`
	PassengerCount int            `json:"passenger_count"`
	LuggageUnits   int            `json:"luggage_units"`
	Status         EntryStatus    `json:"status"`
	Members        []TripMember   `json:"members"`
	// FareEach is the per-head price locked in at the most recent join
	// event. A subsequent join anchors its pooledPrice discount on this
	// value rather than any individual member's IssuedPrice.
	FareEach float64 `json:"fare_each"`
	// DurablePending marks that the pool-side commit succeeded but the
	// Trip Store transaction failed; an out-of-band reconciler is
	// expected to scan for this flag (spec §5, §7 DurableCommitFailed).
	DurablePending bool `json:"durable_pending,omitempty"`
}

// PoolEntryKind distinguishes a Passenger entry from a Trip entry. Shape is
// never inferred from field presence at runtime (spec §9 redesign flag).
type PoolEntryKind int

const (
	KindPassenger PoolEntryKind = iota
	KindTrip
)

// PoolEntry is the tagged union of pool contents. Exactly one of Passenger /
// Trip is populated, selected by Kind.
type PoolEntry struct {
	Kind      PoolEntryKind
	EntryID   string
	Passenger *PassengerMeta
	Trip      *TripMeta
}

func (e PoolEntry) RouteSignature() RouteSignature {
	if e.Kind == KindTrip {
		return e.Trip.RouteSignature
	}
	return e.Passenger.RouteSignature
}

func (e PoolEntry) PassengerCount() int {
	if e.Kind == KindTrip {
		return e.Trip.PassengerCount
	}
	return e.Passenger.PassengerCount
}

func (e PoolEntry) LuggageUnits() int {
	if e.Kind == KindTrip {
		return e.Trip.LuggageUnits
	}
	return e.Passenger.LuggageUnits
}

func (e PoolEntry) IsTrip() bool { return e.Kind == KindTrip }

// IsTripEntryID reports whether an entry id belongs to a trip, per the
// TRIP-prefix convention (spec §3).
func IsTripEntryID(id string) bool {
	return len(id) >= len(TripIDPrefix) && id[:len(TripIDPrefix)] == TripIDPrefix
}

// CabStatus mirrors the Cabs.status enum in the durable store.
type CabStatus string

const (
	CabAvailable CabStatus = "AVAILABLE"
	CabBooked    CabStatus = "BOOKED"
)

type TripStatus string

const (
	TripWaiting   TripStatus = "WAITING"
	TripActive    TripStatus = "ACTIVE"
	TripCompleted TripStatus = "COMPLETED"
	TripCancelled TripStatus = "CANCELLED"
)

// User is the durable user row (master data owned elsewhere; read-only here).
type User struct {
	ID   string
	Name string
}

// Driver is the durable driver row (master data owned elsewhere).
type Driver struct {
	ID   string
	Name string
}

// Cab is the durable cab row.
type Cab struct {
	ID              string
	DriverID        string
	Seats           int
	LuggageCapacity int
	Status          CabStatus
}

// Trip is the durable trip row.
type Trip struct {
	ID             string
	Status         TripStatus
	FareEach       float64
	NoOfPassengers int
	TotalLuggage   int
	CabID          *string
	CreatedAt      time.Time
	RideRequests   []RideRequest
	Cab            *Cab
	Driver         *Driver
}

// RideRequest is a durable child row of Trip.
type RideRequest struct {
	ID              string
	TripID          string
	UserID          string
	NoOfPassengers  int
	LuggageCapacity int
	IssuedPrice     float64
	Status          TripStatus
	JoinedAt        time.Time
}

// MatchKind discriminates the three possible outcomes of a match attempt.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchDirect
	MatchBestDetour
)

// MatchResult is the outcome of Service.Match.
type MatchResult struct {
	Kind      MatchKind
	PeerID    string
	DetourM   float64
	SplitCell string
	TripID    string
	Trip      *Trip
}

// RideMatchedPayload is published to the peer's notification topic on a
// successful pairing.
type RideMatchedPayload struct {
	Type string `json:"type"`
	Trip *Trip  `json:"trip"`
}

// RiderLeftPayload is published when a trip member cancels out of a forming
// trip.
type RiderLeftPayload struct {
	Type            string    `json:"type"`
	TripID          string    `json:"trip_id"`
	CancelledUserID string    `json:"cancelled_user_id"`
	UpdatedTrip     *TripMeta `json:"updated_trip,omitempty"`
}

// RideRequestInput is what a caller passes in to originate a match attempt
// (the destination the passenger wants to travel to, plus capacity needs).
type RideRequestInput struct {
	UserID         string  `json:"user_id"`
	Destination    Coord   `json:"destination"`
	PassengerCount int     `json:"passenger_count"`
	LuggageUnits   int     `json:"luggage_units"`
}

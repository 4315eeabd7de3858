package matcher

import (
	"context"
	"time"

	"github.com/example/airport-cabpool/internal/ingest"
	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/routeindex"
	"github.com/example/airport-cabpool/internal/tripstore"
)

// Pool is the subset of the Pool Store the engine depends on (spec §4.2).
// pool.Store satisfies this interface structurally.
type Pool interface {
	PutMeta(ctx context.Context, entryID string, v any) error
	GetMeta(ctx context.Context, entryID string) (raw []byte, ok bool, err error)
	DelMeta(ctx context.Context, entryIDs ...string) error
	ZAdd(ctx context.Context, member string) error
	ZRem(ctx context.Context, members ...string) (removed int64, err error)
	ZRangeLex(ctx context.Context, min, max string, reverse bool, limit int64) ([]string, error)
	ZScanAll(ctx context.Context) ([]string, error)
}

// TripStore is the durable commit dependency (spec §4.4). tripstore.Store
// satisfies this interface structurally.
type TripStore interface {
	Commit(ctx context.Context, req tripstore.CommitRequest) (*models.Trip, error)
	CancelTrip(ctx context.Context, tripID string) error
}

// NotificationBus is the fire-and-forget publish dependency (spec §6).
type NotificationBus interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// RouteIndexer computes a route signature for a destination (spec §4.1).
type RouteIndexer interface {
	ComputeRoute(ctx context.Context, destination models.Coord) (routeindex.Result, error)
}

// DistanceEstimator returns the driving distance between two points, used
// by the Step-2 detour calculation (spec §4.3 step 2).
type DistanceEstimator interface {
	DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error)
}

// IDGenerator mints fresh trip ids. Abstracted so tests can supply
// deterministic ids.
type IDGenerator interface {
	NewTripID() string
}

// Clock is injected so tests can control registration timestamps.
type Clock interface {
	Now() time.Time
}

// Auditor is the best-effort audit/event stream dependency (spec's
// supplemented audit trail). ingest.Producer satisfies this structurally.
// Left nil, the engine simply skips emission.
type Auditor interface {
	Emit(ctx context.Context, ev ingest.Event) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

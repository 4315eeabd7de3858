package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/pool"
	"github.com/example/airport-cabpool/internal/routeindex"
	"github.com/example/airport-cabpool/internal/tripstore"
)

// fakePool is an in-memory stand-in for pool.Store good enough to exercise
// the lex-range scans Match relies on.
type fakePool struct {
	meta    map[string][]byte
	members map[string]struct{}
}

func newFakePool() *fakePool {
	return &fakePool{meta: map[string][]byte{}, members: map[string]struct{}{}}
}

func (p *fakePool) PutMeta(ctx context.Context, entryID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.meta[entryID] = b
	return nil
}

func (p *fakePool) GetMeta(ctx context.Context, entryID string) ([]byte, bool, error) {
	b, ok := p.meta[entryID]
	return b, ok, nil
}

func (p *fakePool) DelMeta(ctx context.Context, entryIDs ...string) error {
	for _, id := range entryIDs {
		delete(p.meta, id)
	}
	return nil
}

func (p *fakePool) ZAdd(ctx context.Context, member string) error {
	p.members[member] = struct{}{}
	return nil
}

func (p *fakePool) ZRem(ctx context.Context, members ...string) (int64, error) {
	var n int64
	for _, m := range members {
		if _, ok := p.members[m]; ok {
			delete(p.members, m)
			n++
		}
	}
	return n, nil
}

func (p *fakePool) sorted() []string {
	out := make([]string, 0, len(p.members))
	for m := range p.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (p *fakePool) ZRangeLex(ctx context.Context, min, max string, reverse bool, limit int64) ([]string, error) {
	geMin := func(s string) bool {
		if min == "-" {
			return true
		}
		if strings.HasPrefix(min, "[") {
			return s >= min[1:]
		}
		return s > min[1:] // "("
	}
	leMax := func(s string) bool {
		if max == "+" {
			return true
		}
		if strings.HasPrefix(max, "[") {
			return s <= max[1:]
		}
		return s < max[1:] // "("
	}

	all := p.sorted()
	var out []string
	for _, m := range all {
		if geMin(m) && leMax(m) {
			out = append(out, m)
		}
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *fakePool) ZScanAll(ctx context.Context) ([]string, error) { return p.sorted(), nil }

// fakeTripStore records commits without touching a real database.
type fakeTripStore struct {
	commits    []tripstore.CommitRequest
	failCommit bool
	cancelled  []string
}

func (f *fakeTripStore) Commit(ctx context.Context, req tripstore.CommitRequest) (*models.Trip, error) {
	f.commits = append(f.commits, req)
	if f.failCommit {
		return nil, tripstore.ErrUserNotFound
	}
	return &models.Trip{
		ID: req.TripID, Status: req.Status, FareEach: req.FareEach,
		NoOfPassengers: req.TotalPassengers, TotalLuggage: req.TotalLuggage,
	}, nil
}

func (f *fakeTripStore) CancelTrip(ctx context.Context, tripID string) error {
	f.cancelled = append(f.cancelled, tripID)
	return nil
}

// fakeBus records every publish; nothing is actually delivered.
type fakeBus struct {
	published []struct {
		topic   string
		payload any
	}
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload any) error {
	b.published = append(b.published, struct {
		topic   string
		payload any
	}{topic, payload})
	return nil
}

// singleResultIndexer hands back one preconfigured route regardless of the
// destination passed in; tests seed peers directly into the pool instead of
// routing them through the indexer.
type singleResultIndexer struct{ result routeindex.Result }

func (s *singleResultIndexer) ComputeRoute(ctx context.Context, dest models.Coord) (routeindex.Result, error) {
	return s.result, nil
}

// fakeDistance always returns a fixed detour distance, independent of the
// coordinates handed to it (those flow through real, unverifiable H3 math
// in tests and are irrelevant to the scenarios below).
type fakeDistance struct{ meters float64 }

func (f *fakeDistance) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	return f.meters, nil
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// cellA/B/C are real published H3 example indexes (Uber's San Francisco
// sample cell and two of its neighbours at the character level), used so
// CellCenter's underlying decode never operates on made-up bit patterns.
const cellA = "8928308280fffff"
const cellB = "8928308281fffff"
const cellC = "8928308283fffff"

func sig(cells ...string) models.RouteSignature {
	return models.RouteSignature(strings.Join(cells, ""))
}

func testService(p *fakePool, ts *fakeTripStore, bus *fakeBus, detourM float64, callerRoute routeindex.Result) *Service {
	return &Service{
		Pool: p, Trips: ts, Bus: bus,
		Indexer:  &singleResultIndexer{result: callerRoute},
		Distance: &fakeDistance{meters: detourM},
		IDs:      UUIDGenerator{},
		Clock:    fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		Config: Config{
			CellWidth: 15, MaxPassengers: 4, LuggageCapacity: 4,
			DetourMaxM: 500, NeighbourScanLimit: 10, RatePerKM: 10, PoolDiscountFactor: 0.30,
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func seedPassenger(t *testing.T, p *fakePool, userID string, s models.RouteSignature, price float64) {
	t.Helper()
	meta := models.PassengerMeta{UserID: userID, RouteSignature: s, PassengerCount: 1, LuggageUnits: 1, Status: models.StatusWaiting, IssuedPrice: price}
	if err := p.PutMeta(context.Background(), userID, &meta); err != nil {
		t.Fatal(err)
	}
	if err := p.ZAdd(context.Background(), pool.Member(s, userID)); err != nil {
		t.Fatal(err)
	}
}

func TestMatchSoloRegistersAndWaits(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	route := routeindex.Result{RouteSignature: sig(cellA), DestinationCell: cellA, TotalKM: 5}
	svc := testService(p, ts, bus, 0, route)

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u1", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchNone {
		t.Fatalf("expected no match, got %v", res.Kind)
	}
	if _, ok, _ := p.GetMeta(context.Background(), "u1"); !ok {
		t.Fatal("expected u1 to remain registered in the pool")
	}
}

func TestMatchRejectsOverCapacityBeforeRegistering(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	route := routeindex.Result{RouteSignature: sig(cellA), DestinationCell: cellA, TotalKM: 5}
	svc := testService(p, ts, bus, 0, route)

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u1", PassengerCount: svc.Config.MaxPassengers + 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchNone {
		t.Fatalf("expected the over-capacity request to be rejected, got %v", res.Kind)
	}
	if _, ok, _ := p.GetMeta(context.Background(), "u1"); ok {
		t.Fatal("an over-capacity caller must never be written to the pool")
	}
	if len(p.sorted()) != 0 {
		t.Fatal("an over-capacity caller must never add a lex member")
	}
}

func TestMatchDirectSubsetPairing(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	seedPassenger(t, p, "u1", sig(cellA), 50)

	route := routeindex.Result{RouteSignature: sig(cellA, cellB), DestinationCell: cellB, TotalKM: 12}
	svc := testService(p, ts, bus, 0, route)

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchDirect {
		t.Fatalf("expected direct match, got %v", res.Kind)
	}
	if !models.IsTripEntryID(res.TripID) {
		t.Fatalf("expected a minted trip id, got %q", res.TripID)
	}
	if len(ts.commits) != 1 || ts.commits[0].IsExtend {
		t.Fatalf("expected exactly one new-trip commit, got %+v", ts.commits)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected one notification to the peer, got %d", len(bus.published))
	}
	if _, ok, _ := p.GetMeta(context.Background(), "u1"); ok {
		t.Fatal("peer's solo entry should have been removed")
	}
	if _, ok, _ := p.GetMeta(context.Background(), "u2"); ok {
		t.Fatal("caller's solo entry should have been removed")
	}
}

// TestMatchSurfacesResultOnDurableCommitFailure pins down spec §7: a pairing
// that commits to the pool but fails its durable Postgres transaction must
// still report the formed match (trip left nil) rather than looking
// indistinguishable from no match at all.
func TestMatchSurfacesResultOnDurableCommitFailure(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{failCommit: true}
	bus := &fakeBus{}
	seedPassenger(t, p, "u1", sig(cellA), 50)

	route := routeindex.Result{RouteSignature: sig(cellA, cellB), DestinationCell: cellB, TotalKM: 12}
	svc := testService(p, ts, bus, 0, route)

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err == nil {
		t.Fatal("expected the durable commit failure to surface as an error")
	}
	var merr *Error
	if !errors.As(err, &merr) || merr.Kind != KindDurableCommitFailed {
		t.Fatalf("expected a DurableCommitFailed error, got %v", err)
	}
	if res.Kind != models.MatchDirect {
		t.Fatalf("expected the match result to still report the formed pairing, got %v", res.Kind)
	}
	if !models.IsTripEntryID(res.TripID) {
		t.Fatalf("expected a minted trip id despite the durable failure, got %q", res.TripID)
	}
	if res.PeerID != "u1" {
		t.Fatalf("expected the peer id to be surfaced, got %q", res.PeerID)
	}
	if res.Trip != nil {
		t.Fatalf("expected trip to be nil per the durable-failure contract, got %+v", res.Trip)
	}
	if len(ts.commits) != 1 {
		t.Fatalf("expected exactly one attempted commit, got %+v", ts.commits)
	}
}

// TestMatchExtendsExistingTrip exercises step 1a: the existing trip's route
// is a literal extension of the caller's (shorter) route, so the superset
// scan finds it and the caller is folded into the forming trip directly.
func TestMatchExtendsExistingTrip(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}

	tripID := "TRIPexisting"
	trip := models.TripMeta{
		TripID: tripID, RouteSignature: sig(cellA, cellB), PassengerCount: 1, LuggageUnits: 1,
		Status: models.StatusWaiting, FareEach: 40,
		Members: []models.TripMember{{UserID: "u1", PassengerCount: 1, LuggageUnits: 1, IssuedPrice: 50}},
	}
	if err := p.PutMeta(context.Background(), tripID, &trip); err != nil {
		t.Fatal(err)
	}
	if err := p.ZAdd(context.Background(), pool.Member(trip.RouteSignature, tripID)); err != nil {
		t.Fatal(err)
	}

	route := routeindex.Result{RouteSignature: sig(cellA), DestinationCell: cellA, TotalKM: 5}
	svc := testService(p, ts, bus, 0, route)

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchDirect {
		t.Fatalf("expected a direct match via the superset scan, got %v", res.Kind)
	}
	if res.TripID != tripID {
		t.Fatalf("expected the existing trip id to be reused, got %q", res.TripID)
	}
	if len(ts.commits) != 1 || !ts.commits[0].IsExtend {
		t.Fatalf("expected an extend commit, got %+v", ts.commits)
	}
}

// TestMatchSubsetScanExcludesTripEntries pins down step 1b's literal
// exclusion: a trip whose route is a prefix of the caller's is invisible to
// the subset scan, so it can only be picked up later by the best-detour
// scan in step 2.
func TestMatchSubsetScanExcludesTripEntries(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}

	tripID := "TRIPexisting"
	trip := models.TripMeta{
		TripID: tripID, RouteSignature: sig(cellA), PassengerCount: 1, LuggageUnits: 1,
		Status: models.StatusWaiting, FareEach: 40,
		Members: []models.TripMember{{UserID: "u1", PassengerCount: 1, LuggageUnits: 1, IssuedPrice: 50}},
	}
	if err := p.PutMeta(context.Background(), tripID, &trip); err != nil {
		t.Fatal(err)
	}
	if err := p.ZAdd(context.Background(), pool.Member(trip.RouteSignature, tripID)); err != nil {
		t.Fatal(err)
	}

	route := routeindex.Result{RouteSignature: sig(cellA, cellB), DestinationCell: cellB, TotalKM: 12}
	svc := testService(p, ts, bus, 900, route) // beyond DetourMaxM=500: step 2 must also miss

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchNone {
		t.Fatalf("expected the trip entry to be invisible to the subset scan, got %v", res.Kind)
	}
	if len(ts.commits) != 0 {
		t.Fatalf("no commit should occur when the trip is excluded from direct matching, got %+v", ts.commits)
	}
}

func TestMatchCapacityBlockKeepsBothWaiting(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	seedPassenger(t, p, "u1", sig(cellA), 50)

	route := routeindex.Result{RouteSignature: sig(cellA, cellB), DestinationCell: cellB, TotalKM: 12}
	svc := testService(p, ts, bus, 0, route)
	svc.Config.MaxPassengers = 1 // one seat total; pairing must be refused

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchNone {
		t.Fatalf("expected capacity to block the pairing, got %v", res.Kind)
	}
	if _, ok, _ := p.GetMeta(context.Background(), "u1"); !ok {
		t.Fatal("peer should remain registered after a capacity-blocked candidate")
	}
	if _, ok, _ := p.GetMeta(context.Background(), "u2"); !ok {
		t.Fatal("caller should remain registered")
	}
	if len(ts.commits) != 0 {
		t.Fatal("no durable commit should occur when capacity blocks the pairing")
	}
}

func TestMatchSealingRemovesTripFromPool(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	seedPassenger(t, p, "u1", sig(cellA), 50)

	route := routeindex.Result{RouteSignature: sig(cellA, cellB), DestinationCell: cellB, TotalKM: 12}
	svc := testService(p, ts, bus, 0, route)
	svc.Config.MaxPassengers = 2 // exactly filled by this pairing

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchDirect {
		t.Fatalf("expected a match, got %v", res.Kind)
	}
	if len(ts.commits) != 1 || ts.commits[0].Status != models.TripActive {
		t.Fatalf("expected a sealed (ACTIVE) durable commit, got %+v", ts.commits)
	}
	if len(p.sorted()) != 0 {
		t.Fatalf("sealed trip must not remain in the lex set, got %v", p.sorted())
	}
}

func TestMatchDetourPairingWithinThreshold(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	seedPassenger(t, p, "u1", sig(cellA, cellB), 60)

	route := routeindex.Result{RouteSignature: sig(cellA, cellC), DestinationCell: cellC, TotalKM: 12}
	svc := testService(p, ts, bus, 200, route) // within DetourMaxM=500

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchBestDetour {
		t.Fatalf("expected a best-detour match, got %v", res.Kind)
	}
	if res.DetourM != 200 {
		t.Fatalf("expected detour distance to be surfaced, got %v", res.DetourM)
	}
}

func TestMatchDetourBeyondThresholdStaysUnmatched(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	seedPassenger(t, p, "u1", sig(cellA, cellB), 60)

	route := routeindex.Result{RouteSignature: sig(cellA, cellC), DestinationCell: cellC, TotalKM: 12}
	svc := testService(p, ts, bus, 900, route) // beyond DetourMaxM=500

	res, err := svc.Match(context.Background(), models.RideRequestInput{UserID: "u2", PassengerCount: 1, LuggageUnits: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != models.MatchNone {
		t.Fatalf("expected no match beyond the detour threshold, got %v", res.Kind)
	}
}

func TestRemoveUserIsIdempotent(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	svc := testService(p, ts, bus, 0, routeindex.Result{})
	seedPassenger(t, p, "u1", sig(cellA), 50)

	if err := svc.RemoveUser(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := p.GetMeta(context.Background(), "u1"); ok {
		t.Fatal("expected u1's entry to be removed")
	}
	if err := svc.RemoveUser(context.Background(), "u1"); err != nil {
		t.Fatalf("second removal should be a no-op, got %v", err)
	}
}

func TestRemoveUserFromTripCancelsWhenOneMemberRemains(t *testing.T) {
	p := newFakePool()
	ts := &fakeTripStore{}
	bus := &fakeBus{}
	svc := testService(p, ts, bus, 0, routeindex.Result{})

	tripID := "TRIPabc"
	trip := models.TripMeta{
		TripID: tripID, RouteSignature: sig(cellA, cellB), PassengerCount: 2, LuggageUnits: 2,
		Status: models.StatusWaiting, FareEach: 30,
		Members: []models.TripMember{
			{UserID: "u1", PassengerCount: 1, LuggageUnits: 1, IssuedPrice: 50},
			{UserID: "u2", PassengerCount: 1, LuggageUnits: 1, IssuedPrice: 60},
		},
	}
	if err := p.PutMeta(context.Background(), tripID, &trip); err != nil {
		t.Fatal(err)
	}
	if err := p.ZAdd(context.Background(), pool.Member(trip.RouteSignature, tripID)); err != nil {
		t.Fatal(err)
	}

	if err := svc.RemoveUserFromTrip(context.Background(), tripID, "u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.cancelled) != 1 || ts.cancelled[0] != tripID {
		t.Fatalf("expected trip to be cancelled, got %v", ts.cancelled)
	}
	if _, ok, _ := p.GetMeta(context.Background(), tripID); ok {
		t.Fatal("cancelled trip should be removed from the pool")
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected the remaining member to be notified, got %d", len(bus.published))
	}
}

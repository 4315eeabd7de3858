// Package matcher is the core Route-Pooling Matching Engine: it turns a
// ride request into either a fresh waiting registration or an atomic pairing
// with an existing passenger or forming trip (spec §4.3).
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/airport-cabpool/internal/ingest"
	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/observability"
	"github.com/example/airport-cabpool/internal/pool"
	"github.com/example/airport-cabpool/internal/routeindex"
	"github.com/example/airport-cabpool/internal/tripstore"
)

// Config carries the tunables the engine needs at match time, loaded from
// internal/config (spec §6).
type Config struct {
	CellWidth          int
	MaxPassengers      int
	LuggageCapacity    int
	DetourMaxM         float64
	NeighbourScanLimit int64
	RatePerKM          float64
	PoolDiscountFactor float64
}

// Service is the Matching Engine. Every dependency is an interface so tests
// can substitute fakes (spec §8's "fakes, not a live Redis/Postgres").
type Service struct {
	Pool     Pool
	Trips    TripStore
	Bus      NotificationBus
	Indexer  RouteIndexer
	Distance DistanceEstimator
	IDs      IDGenerator
	Clock    Clock
	Config   Config
	Log      *slog.Logger

	// Auditor is optional; a nil Auditor disables audit emission entirely.
	Auditor Auditor
}

// NewService wires a Service with production defaults for IDs/Clock.
func NewService(p Pool, ts TripStore, bus NotificationBus, idx RouteIndexer, dist DistanceEstimator, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Pool: p, Trips: ts, Bus: bus, Indexer: idx, Distance: dist,
		IDs: UUIDGenerator{}, Clock: systemClock{}, Config: cfg, Log: log,
	}
}

func userTopic(userID string) string { return "user:" + userID }

// audit is a thin, non-fatal wrapper around Auditor.Emit: a nil Auditor or a
// failed emit never affects the caller's result, only the log.
func (s *Service) audit(ctx context.Context, kind ingest.EventKind, tripID, userID, detail string) {
	if s.Auditor == nil {
		return
	}
	ev := ingest.Event{Kind: kind, TripID: tripID, UserID: userID, Timestamp: s.Clock.Now(), Detail: detail}
	if err := s.Auditor.Emit(ctx, ev); err != nil {
		s.Log.Warn("matcher: audit emit failed", "kind", kind, "trip_id", tripID, "user_id", userID, "error", err)
	}
}

// loadEntry fetches and decodes a pool entry, selecting PassengerMeta or
// TripMeta by the TRIP-prefix convention rather than sniffing fields (spec
// §9 redesign flag).
func (s *Service) loadEntry(ctx context.Context, entryID string) (models.PoolEntry, bool, error) {
	raw, ok, err := s.Pool.GetMeta(ctx, entryID)
	if err != nil {
		return models.PoolEntry{}, false, newError(KindPoolUnavailable, err)
	}
	if !ok {
		return models.PoolEntry{}, false, nil
	}
	if models.IsTripEntryID(entryID) {
		var t models.TripMeta
		if err := json.Unmarshal(raw, &t); err != nil {
			return models.PoolEntry{}, false, fmt.Errorf("matcher: decode trip meta %s: %w", entryID, err)
		}
		return models.PoolEntry{Kind: models.KindTrip, EntryID: entryID, Trip: &t}, true, nil
	}
	var p models.PassengerMeta
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.PoolEntry{}, false, fmt.Errorf("matcher: decode passenger meta %s: %w", entryID, err)
	}
	return models.PoolEntry{Kind: models.KindPassenger, EntryID: entryID, Passenger: &p}, true, nil
}

// candidate is one entry surfaced by a lex-set scan, alongside the
// signature it was indexed under.
type candidate struct {
	entryID string
	sig     models.RouteSignature
}

func candidatesFromMembers(members []string, excludeEntryID string) []candidate {
	out := make([]candidate, 0, len(members))
	for _, m := range members {
		sig, id, ok := pool.SplitMember(m)
		if !ok || id == excludeEntryID {
			continue
		}
		out = append(out, candidate{entryID: id, sig: models.RouteSignature(sig)})
	}
	return out
}

// Match implements spec §4.3: register the caller, then search for a direct
// (prefix) overlap first and a bounded-detour overlap second, committing the
// first acceptable pairing atomically.
func (s *Service) Match(ctx context.Context, input models.RideRequestInput) (models.MatchResult, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if input.PassengerCount > s.Config.MaxPassengers || input.LuggageUnits > s.Config.LuggageCapacity {
		observability.MatchesTotal.WithLabelValues("rejected_capacity").Inc()
		return models.MatchResult{Kind: models.MatchNone}, nil
	}

	route, err := s.Indexer.ComputeRoute(ctx, input.Destination)
	if err != nil {
		return models.MatchResult{}, newError(KindIndexerUnavailable, err)
	}

	callerEntryID := input.UserID
	callerMeta := models.PassengerMeta{
		UserID:          input.UserID,
		RouteSignature:  route.RouteSignature,
		PassengerCount:  input.PassengerCount,
		LuggageUnits:    input.LuggageUnits,
		Status:          models.StatusWaiting,
		IssuedPrice:     basePrice(route.TotalKM, s.Config.RatePerKM),
		DestinationCell: route.DestinationCell,
		TotalKM:         route.TotalKM,
		RegisteredAt:    s.Clock.Now(),
	}
	if err := s.Pool.PutMeta(ctx, callerEntryID, &callerMeta); err != nil {
		return models.MatchResult{}, newError(KindPoolUnavailable, err)
	}
	callerMember := pool.Member(route.RouteSignature, callerEntryID)
	if err := s.Pool.ZAdd(ctx, callerMember); err != nil {
		return models.MatchResult{}, newError(KindPoolUnavailable, err)
	}
	s.audit(ctx, ingest.EventRouteRequestReceived, "", input.UserID, string(route.RouteSignature))

	direct, err := s.scanDirect(ctx, callerEntryID, route.RouteSignature)
	if err != nil {
		return models.MatchResult{}, err
	}

	for _, c := range direct {
		result, err := s.attemptPairing(ctx, callerEntryID, callerMember, callerMeta, c, models.MatchDirect, 0, "")
		switch {
		case err == nil:
			observability.MatchesTotal.WithLabelValues("direct").Inc()
			return result, nil
		case errors.Is(err, errCallerConsumed):
			return models.MatchResult{Kind: models.MatchNone}, nil
		case errors.Is(err, errCapacityExceeded), errors.Is(err, errStaleCandidate):
			continue
		default:
			return result, err
		}
	}

	detourCandidates := s.scanDetourNeighbourhood(ctx, callerEntryID, route.RouteSignature)
	for _, c := range detourCandidates {
		commonCells := models.CommonPrefixCells(route.RouteSignature, c.sig, s.Config.CellWidth)
		if commonCells == 0 {
			continue
		}
		splitCell := string(c.sig)[(commonCells-1)*s.Config.CellWidth : commonCells*s.Config.CellWidth]
		splitCenter, err := routeindex.CellCenter(splitCell)
		if err != nil {
			continue
		}
		detourM, err := s.Distance.DistanceMeters(ctx, splitCenter, input.Destination)
		if err != nil || detourM > s.Config.DetourMaxM {
			continue
		}

		result, err := s.attemptPairing(ctx, callerEntryID, callerMember, callerMeta, c, models.MatchBestDetour, detourM, splitCell)
		switch {
		case err == nil:
			observability.MatchesTotal.WithLabelValues("detour").Inc()
			return result, nil
		case errors.Is(err, errCallerConsumed):
			return models.MatchResult{Kind: models.MatchNone}, nil
		case errors.Is(err, errCapacityExceeded), errors.Is(err, errStaleCandidate):
			continue
		default:
			return result, err
		}
	}

	return models.MatchResult{Kind: models.MatchNone}, nil
}

// scanDirect implements spec §4.3 steps 1a/1b: a superset scan (candidates
// whose route is a prefix-extension of the caller's) and a subset scan over
// the immediate lex neighbours (candidates whose route is a prefix of the
// caller's).
func (s *Service) scanDirect(ctx context.Context, callerEntryID string, sig models.RouteSignature) ([]candidate, error) {
	limit := s.Config.NeighbourScanLimit

	supersetMin := "[" + string(sig)
	supersetMax := "[" + string(sig) + "\xff"
	superset, err := s.Pool.ZRangeLex(ctx, supersetMin, supersetMax, false, limit)
	if err != nil {
		return nil, newError(KindPoolUnavailable, err)
	}
	out := candidatesFromMembers(superset, callerEntryID)

	callerMember := pool.Member(sig, callerEntryID)
	predecessors, err := s.Pool.ZRangeLex(ctx, "-", "("+callerMember, true, limit)
	if err != nil {
		return nil, newError(KindPoolUnavailable, err)
	}
	successors, err := s.Pool.ZRangeLex(ctx, "("+callerMember, "+", false, limit)
	if err != nil {
		return nil, newError(KindPoolUnavailable, err)
	}

	for _, m := range append(predecessors, successors...) {
		candSig, id, ok := pool.SplitMember(m)
		if !ok || id == callerEntryID || models.IsTripEntryID(id) {
			continue // step 1b filters out the caller and any trip entries
		}
		if len(candSig) == 0 || len(string(sig)) < len(candSig) || string(sig)[:len(candSig)] != candSig {
			continue // caller's route must literally start with the candidate's
		}
		out = append(out, candidate{entryID: id, sig: models.RouteSignature(candSig)})
	}
	return out, nil
}

// scanDetourNeighbourhood re-uses the same lex neighbourhood as scanDirect,
// but keeps every candidate (including trip entries and non-prefix
// relations) for the best-detour evaluation in step 2. Best-effort: pool
// errors here degrade to "no detour candidates" rather than failing Match,
// since a direct match may already have satisfied the request.
func (s *Service) scanDetourNeighbourhood(ctx context.Context, callerEntryID string, sig models.RouteSignature) []candidate {
	limit := s.Config.NeighbourScanLimit
	callerMember := pool.Member(sig, callerEntryID)
	predecessors, err := s.Pool.ZRangeLex(ctx, "-", "("+callerMember, true, limit)
	if err != nil {
		return nil
	}
	successors, err := s.Pool.ZRangeLex(ctx, "("+callerMember, "+", false, limit)
	if err != nil {
		return nil
	}
	return candidatesFromMembers(append(predecessors, successors...), callerEntryID)
}

// attemptPairing implements spec §4.3.1: capacity check, atomic pool
// commit via a batched ZRem linearization, trip-id mint-or-reuse, and the
// best-effort durable commit + notification fan-out.
func (s *Service) attemptPairing(
	ctx context.Context,
	callerEntryID, callerMember string,
	callerMeta models.PassengerMeta,
	c candidate,
	kind models.MatchKind,
	detourM float64,
	splitCell string,
) (models.MatchResult, error) {
	peer, ok, err := s.loadEntry(ctx, c.entryID)
	if err != nil {
		return models.MatchResult{}, err
	}
	if !ok {
		return models.MatchResult{}, errStaleCandidate
	}

	totalPassengers := peer.PassengerCount() + callerMeta.PassengerCount
	totalLuggage := peer.LuggageUnits() + callerMeta.LuggageUnits
	if totalPassengers > s.Config.MaxPassengers || totalLuggage > s.Config.LuggageCapacity {
		return models.MatchResult{}, errCapacityExceeded
	}

	peerMember := pool.Member(peer.RouteSignature(), c.entryID)
	removed, err := s.Pool.ZRem(ctx, peerMember, callerMember)
	if err != nil {
		return models.MatchResult{}, newError(KindPoolUnavailable, err)
	}
	if removed < 2 {
		_, stillWaiting, err := s.Pool.GetMeta(ctx, callerEntryID)
		if err != nil {
			return models.MatchResult{}, newError(KindPoolUnavailable, err)
		}
		if !stillWaiting {
			return models.MatchResult{}, errCallerConsumed
		}
		observability.PoolZremRacesTotal.Inc()
		return models.MatchResult{}, errStaleCandidate
	}

	var (
		tripID        string
		members       []models.TripMember
		isExtend      bool
		priorMembers  []models.TripMember
		peerPrevPrice float64
		routeSig      models.RouteSignature
		notifyUserIDs []string
	)
	callerAsMember := models.TripMember{
		UserID: callerMeta.UserID, PassengerCount: callerMeta.PassengerCount,
		LuggageUnits: callerMeta.LuggageUnits, IssuedPrice: callerMeta.IssuedPrice, JoinedAt: s.Clock.Now(),
	}

	if peer.IsTrip() {
		tripID = peer.EntryID
		isExtend = true
		priorMembers = peer.Trip.Members
		members = append(append([]models.TripMember{}, peer.Trip.Members...), callerAsMember)
		peerPrevPrice = peer.Trip.FareEach
		for _, m := range peer.Trip.Members {
			notifyUserIDs = append(notifyUserIDs, m.UserID)
		}
	} else {
		tripID = s.IDs.NewTripID()
		isExtend = false
		peerAsMember := models.TripMember{
			UserID: peer.Passenger.UserID, PassengerCount: peer.Passenger.PassengerCount,
			LuggageUnits: peer.Passenger.LuggageUnits, IssuedPrice: peer.Passenger.IssuedPrice, JoinedAt: s.Clock.Now(),
		}
		members = []models.TripMember{peerAsMember, callerAsMember}
		peerPrevPrice = peer.Passenger.IssuedPrice
		notifyUserIDs = []string{peer.Passenger.UserID}
	}

	if len(peer.RouteSignature()) >= len(callerMeta.RouteSignature) {
		routeSig = peer.RouteSignature()
	} else {
		routeSig = callerMeta.RouteSignature
	}

	sealed := totalPassengers >= s.Config.MaxPassengers || totalLuggage >= s.Config.LuggageCapacity
	poolStatus := models.StatusWaiting
	durableStatus := models.TripWaiting
	if sealed {
		poolStatus = models.StatusActive
		durableStatus = models.TripActive
	}
	fareEach := pooledPrice(peerPrevPrice, s.Config.PoolDiscountFactor)

	if err := s.Pool.DelMeta(ctx, callerEntryID, c.entryID); err != nil {
		return models.MatchResult{}, newError(KindPoolUnavailable, err)
	}

	tripMeta := models.TripMeta{
		TripID: tripID, RouteSignature: routeSig, PassengerCount: totalPassengers,
		LuggageUnits: totalLuggage, Status: poolStatus, Members: members, FareEach: fareEach,
	}
	if err := s.Pool.PutMeta(ctx, tripID, &tripMeta); err != nil {
		return models.MatchResult{}, newError(KindPoolUnavailable, err)
	}
	if !sealed {
		if err := s.Pool.ZAdd(ctx, pool.Member(routeSig, tripID)); err != nil {
			return models.MatchResult{}, newError(KindPoolUnavailable, err)
		}
	}

	req := tripstore.CommitRequest{
		TripID: tripID, IsExtend: isExtend, PriorMembers: priorMembers,
		CallerUserID: callerMeta.UserID, CallerPassengerCount: callerMeta.PassengerCount,
		CallerLuggageUnits: callerMeta.LuggageUnits, CallerIssuedPrice: callerMeta.IssuedPrice,
		Status: durableStatus, FareEach: fareEach, TotalPassengers: totalPassengers, TotalLuggage: totalLuggage,
	}
	if !isExtend {
		req.PeerUserID = peer.Passenger.UserID
		req.PeerPassengerCount = peer.Passenger.PassengerCount
		req.PeerLuggageUnits = peer.Passenger.LuggageUnits
		req.PeerIssuedPrice = peer.Passenger.IssuedPrice
	}

	result := models.MatchResult{Kind: kind, PeerID: c.entryID, DetourM: detourM, SplitCell: splitCell, TripID: tripID}

	trip, commitErr := s.Trips.Commit(ctx, req)
	if commitErr != nil {
		tripMeta.DurablePending = true
		if err := s.Pool.PutMeta(ctx, tripID, &tripMeta); err != nil {
			s.Log.Error("matcher: failed to flag durable_pending after commit failure", "trip_id", tripID, "error", err)
		}
		observability.DurableCommitFailuresTotal.Inc()
		s.Log.Error("matcher: durable commit failed, pool state is authoritative", "trip_id", tripID, "error", commitErr)
		for _, uid := range notifyUserIDs {
			s.notifyBestEffort(ctx, uid, tripID, nil)
		}
		return result, newError(KindDurableCommitFailed, commitErr)
	}
	result.Trip = trip

	s.audit(ctx, ingest.EventMatchCommitted, tripID, callerMeta.UserID, string(kind))
	if sealed {
		s.audit(ctx, ingest.EventTripSealed, tripID, "", "")
	}
	for _, uid := range notifyUserIDs {
		s.notifyBestEffort(ctx, uid, tripID, trip)
	}
	return result, nil
}

func (s *Service) notifyBestEffort(ctx context.Context, userID, tripID string, trip *models.Trip) {
	payload := models.RideMatchedPayload{Type: "RIDE_MATCHED", Trip: trip}
	if err := s.Bus.Publish(ctx, userTopic(userID), payload); err != nil {
		observability.NotifyFailuresTotal.Inc()
		s.Log.Warn("matcher: notification publish failed", "user_id", userID, "trip_id", tripID, "error", err)
	}
}

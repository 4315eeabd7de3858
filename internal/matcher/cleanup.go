package matcher

import (
	"context"

	"github.com/example/airport-cabpool/internal/ingest"
	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/pool"
)

// RemoveUser implements spec §4.5's disconnect/cancel path for a lone
// waiting passenger: scan the lex set by "::" suffix rather than trusting a
// single derived member string, so a stray duplicate left by a lost race
// still gets swept. Idempotent — a user with no waiting entry is a no-op.
func (s *Service) RemoveUser(ctx context.Context, userID string) error {
	_, ok, err := s.Pool.GetMeta(ctx, userID)
	if err != nil {
		return newError(KindPoolUnavailable, err)
	}
	if !ok {
		return nil
	}
	members, err := s.Pool.ZScanAll(ctx)
	if err != nil {
		return newError(KindPoolUnavailable, err)
	}
	var toRemove []string
	for _, m := range members {
		_, id, ok := pool.SplitMember(m)
		if ok && id == userID {
			toRemove = append(toRemove, m)
		}
	}
	if len(toRemove) > 0 {
		if _, err := s.Pool.ZRem(ctx, toRemove...); err != nil {
			return newError(KindPoolUnavailable, err)
		}
	}
	if err := s.Pool.DelMeta(ctx, userID); err != nil {
		return newError(KindPoolUnavailable, err)
	}
	s.audit(ctx, ingest.EventUserRemoved, "", userID, "")
	return nil
}

// RemoveUserFromTrip implements spec §4.5's disconnect/cancel path for a
// member of a forming (not yet sealed) trip: splice the member out, and
// either shrink the trip in place or cancel it outright if only one member
// would remain.
func (s *Service) RemoveUserFromTrip(ctx context.Context, tripID, userID string) error {
	entry, ok, err := s.loadEntry(ctx, tripID)
	if err != nil {
		return err
	}
	if !ok || !entry.IsTrip() {
		return nil // already gone, or not a trip entry
	}
	trip := entry.Trip

	idx := -1
	for i, m := range trip.Members {
		if m.UserID == userID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}

	remaining := make([]models.TripMember, 0, len(trip.Members)-1)
	remaining = append(remaining, trip.Members[:idx]...)
	remaining = append(remaining, trip.Members[idx+1:]...)

	oldMember := pool.Member(trip.RouteSignature, tripID)

	if len(remaining) <= 1 {
		if _, err := s.Pool.ZRem(ctx, oldMember); err != nil {
			return newError(KindPoolUnavailable, err)
		}
		if err := s.Pool.DelMeta(ctx, tripID); err != nil {
			return newError(KindPoolUnavailable, err)
		}
		if err := s.Trips.CancelTrip(ctx, tripID); err != nil {
			return newError(KindDurableCommitFailed, err)
		}
		payload := models.RiderLeftPayload{Type: "RIDER_LEFT", TripID: tripID, CancelledUserID: userID}
		if len(remaining) == 1 {
			s.notifyRiderLeft(ctx, remaining[0].UserID, payload)
		}
		return nil
	}

	totalPassengers, totalLuggage := 0, 0
	for _, m := range remaining {
		totalPassengers += m.PassengerCount
		totalLuggage += m.LuggageUnits
	}
	shrunk := models.TripMeta{
		TripID: tripID, RouteSignature: trip.RouteSignature, PassengerCount: totalPassengers,
		LuggageUnits: totalLuggage, Status: trip.Status, Members: remaining, FareEach: trip.FareEach,
	}
	if err := s.Pool.PutMeta(ctx, tripID, &shrunk); err != nil {
		return newError(KindPoolUnavailable, err)
	}

	payload := models.RiderLeftPayload{Type: "RIDER_LEFT", TripID: tripID, CancelledUserID: userID, UpdatedTrip: &shrunk}
	for _, m := range remaining {
		s.notifyRiderLeft(ctx, m.UserID, payload)
	}
	return nil
}

func (s *Service) notifyRiderLeft(ctx context.Context, userID string, payload models.RiderLeftPayload) {
	if err := s.Bus.Publish(ctx, userTopic(userID), payload); err != nil {
		s.Log.Warn("matcher: rider_left notification publish failed", "user_id", userID, "trip_id", payload.TripID, "error", err)
	}
}

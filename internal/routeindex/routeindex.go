// Package routeindex linearizes a passenger's driving route into a
// comparable spatial signature: an ordered, gap-filled sequence of
// fixed-width H3 hex cell identifiers (spec §4.1).
package routeindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	h3 "github.com/uber/h3-go/v4"

	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/routing"
)

// ErrIndexerUnavailable is returned when the routing API failed or returned
// no route; callers must not mutate the pool when they see this error
// (spec §4.1 failure semantics).
var ErrIndexerUnavailable = errors.New("routeindex: indexer unavailable")

// CellWidth is the fixed width, in characters, of one hex cell identifier.
// A valid H3 cell's canonical hex representation is always 15 characters,
// which is exactly the width spec §3 calls out as its worked example.
const CellWidth = 15

// Result is the outcome of computing a route.
type Result struct {
	DestinationCell string
	RouteSignature  models.RouteSignature
	Cells           []string
	TotalKM         float64
}

// Indexer converts destinations into route signatures relative to a fixed
// origin (the airport).
type Indexer struct {
	Origin     models.Coord
	Resolution int
	Routing    *routing.Client
}

// NewIndexer builds an Indexer anchored at origin, at the given H3
// resolution (spec §6 HEX_RESOLUTION).
func NewIndexer(origin models.Coord, resolution int, routingClient *routing.Client) *Indexer {
	return &Indexer{Origin: origin, Resolution: resolution, Routing: routingClient}
}

// ComputeRoute implements the algorithm in spec §4.1: fetch the driving
// route from the origin to destination, flatten waypoints to hex cells,
// de-duplicate consecutive repeats, gap-fill between non-adjacent cells,
// and append the destination cell.
func (idx *Indexer) ComputeRoute(ctx context.Context, destination models.Coord) (Result, error) {
	route, err := idx.Routing.Directions(ctx, idx.Origin, destination)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrIndexerUnavailable, err)
	}

	waypoints := make([]models.Coord, 0, len(route.Steps)*2+1)
	for _, s := range route.Steps {
		waypoints = append(waypoints, s.Start, s.End)
	}
	waypoints = append(waypoints, destination)

	cells := make([]string, 0, len(waypoints))
	seen := make(map[string]struct{}, len(waypoints))

	appendCell := func(cellID string) {
		if len(cells) > 0 && cells[len(cells)-1] == cellID {
			return // de-dup consecutive repeats (step 3)
		}
		cells = append(cells, cellID)
		seen[cellID] = struct{}{}
	}

	var prevCell h3.Cell
	havePrev := false
	for _, wp := range waypoints {
		cell := h3.LatLngToCell(h3.NewLatLng(wp.Lat, wp.Lon), idx.Resolution)
		if havePrev && prevCell != cell {
			path, err := h3.GridPathCells(prevCell, cell)
			if err == nil {
				// path includes prevCell and cell themselves; splice
				// the interior, skipping anything already appended.
				for _, p := range path {
					pid := p.String()
					if _, dup := seen[pid]; dup {
						continue
					}
					appendCell(pid)
				}
			} else {
				appendCell(cell.String())
			}
		} else {
			appendCell(cell.String())
		}
		prevCell = cell
		havePrev = true
	}

	destCell := h3.LatLngToCell(h3.NewLatLng(destination.Lat, destination.Lon), idx.Resolution)
	destID := destCell.String()
	if len(cells) == 0 || cells[len(cells)-1] != destID {
		appendCell(destID)
	}

	sig := ""
	for _, c := range cells {
		sig += padCell(c)
	}

	return Result{
		DestinationCell: padCell(destID),
		RouteSignature:  models.RouteSignature(sig),
		Cells:           cells,
		TotalKM:         route.DistanceM / 1000.0,
	}, nil
}

// CellCenter returns the lat/lng centre of a hex cell, used by the Step-2
// detour calculation to turn a split cell / destination cell back into
// coordinates the routing API can consume (spec §4.3 step 2).
func CellCenter(cellID string) (models.Coord, error) {
	cell, err := cellFromString(cellID)
	if err != nil {
		return models.Coord{}, fmt.Errorf("routeindex: invalid cell %q: %w", cellID, err)
	}
	ll := cell.LatLng()
	return models.Coord{Lat: ll.Lat, Lon: ll.Lng}, nil
}

// cellFromString parses a cell's canonical hex string back into an h3.Cell.
// H3's string form is simply the lowercase hex encoding of the underlying
// 64-bit index, so this avoids depending on a specific parser export.
func cellFromString(id string) (h3.Cell, error) {
	v, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return 0, err
	}
	return h3.Cell(v), nil
}

func padCell(id string) string {
	if len(id) >= CellWidth {
		return id[len(id)-CellWidth:]
	}
	// zero-pad on the left so every cell segment is exactly CellWidth,
	// keeping the concatenated signature unambiguously re-segmentable.
	out := make([]byte, CellWidth)
	for i := range out {
		out[i] = '0'
	}
	copy(out[CellWidth-len(id):], id)
	return string(out)
}

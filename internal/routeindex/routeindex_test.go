package routeindex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/routing"
)

// cellA is a real published H3 example index (Uber's San Francisco sample
// cell), used so cellFromString's decode never operates on a made-up bit
// pattern.
const cellA = "8928308280fffff"

func TestPadCellZeroPadsShortIDs(t *testing.T) {
	got := padCell("abc")
	if len(got) != CellWidth {
		t.Fatalf("expected width %d, got %d (%q)", CellWidth, len(got), got)
	}
	if !strings.HasSuffix(got, "abc") {
		t.Fatalf("expected the original id preserved as a suffix, got %q", got)
	}
	if strings.Trim(got[:CellWidth-3], "0") != "" {
		t.Fatalf("expected the padding to be all zeros, got %q", got)
	}
}

func TestPadCellLeavesFullWidthIDsAlone(t *testing.T) {
	if got := padCell(cellA); got != cellA {
		t.Fatalf("expected a full-width id to pass through unchanged, got %q", got)
	}
}

func TestPadCellTruncatesOverWidthIDs(t *testing.T) {
	long := "0" + cellA // one character over CellWidth
	got := padCell(long)
	if got != cellA {
		t.Fatalf("expected truncation to keep the trailing %d characters, got %q", CellWidth, got)
	}
}

func TestCellCenterRoundTripsARealCell(t *testing.T) {
	coord, err := CellCenter(cellA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coord.Lat < -90 || coord.Lat > 90 || coord.Lon < -180 || coord.Lon > 180 {
		t.Fatalf("decoded coordinate out of range: %+v", coord)
	}
}

func TestCellCenterRejectsInvalidCell(t *testing.T) {
	if _, err := CellCenter("not-a-hex-cell"); err == nil {
		t.Fatal("expected an error for a non-hex cell id")
	}
}

// directionsServer serves a fixed routes/legs/steps payload shaped exactly
// like the wire format routing.Client expects.
func directionsServer(t *testing.T, steps [][2]models.Coord, distanceM float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type latLng struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		type location struct {
			LatLng latLng `json:"latLng"`
		}
		type step struct {
			StartLocation location `json:"startLocation"`
			EndLocation   location `json:"endLocation"`
		}
		type leg struct {
			Steps []step `json:"steps"`
		}
		var out struct {
			Routes []struct {
				Legs           []leg   `json:"legs"`
				DistanceMeters float64 `json:"distanceMeters"`
			} `json:"routes"`
		}
		var ss []step
		for _, pair := range steps {
			ss = append(ss, step{
				StartLocation: location{LatLng: latLng{Latitude: pair[0].Lat, Longitude: pair[0].Lon}},
				EndLocation:   location{LatLng: latLng{Latitude: pair[1].Lat, Longitude: pair[1].Lon}},
			})
		}
		out.Routes = []struct {
			Legs           []leg   `json:"legs"`
			DistanceMeters float64 `json:"distanceMeters"`
		}{{Legs: []leg{{Steps: ss}}, DistanceMeters: distanceM}}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			t.Fatal(err)
		}
	}))
}

func TestComputeRouteDedupsRepeatedWaypoints(t *testing.T) {
	// Every waypoint (start, end and the destination) resolves to the same
	// hex cell at this resolution, so de-dup must collapse them to one.
	sameSpot := models.Coord{Lat: 37.7955, Lon: -122.3937}
	srv := directionsServer(t, [][2]models.Coord{{sameSpot, sameSpot}}, 3000)
	defer srv.Close()

	idx := NewIndexer(sameSpot, 9, routing.NewClient(srv.URL, "", time.Second))
	result, err := idx.ComputeRoute(context.Background(), sameSpot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Cells) != 1 {
		t.Fatalf("expected de-dup to collapse to a single cell, got %v", result.Cells)
	}
	if len(result.RouteSignature) != CellWidth {
		t.Fatalf("expected a single padded segment, got length %d", len(result.RouteSignature))
	}
	if result.DestinationCell != string(result.RouteSignature) {
		t.Fatalf("expected the destination cell to equal the sole signature segment, got %q vs %q", result.DestinationCell, result.RouteSignature)
	}
	if result.TotalKM != 3 {
		t.Fatalf("expected distanceMeters/1000, got %v", result.TotalKM)
	}
}

func TestComputeRouteWrapsIndexerUnavailableOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	idx := NewIndexer(models.Coord{}, 9, routing.NewClient(srv.URL, "", time.Second))
	_, err := idx.ComputeRoute(context.Background(), models.Coord{Lat: 1, Lon: 1})
	if !errors.Is(err, ErrIndexerUnavailable) {
		t.Fatalf("expected ErrIndexerUnavailable, got %v", err)
	}
}

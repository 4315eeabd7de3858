// Package routing is a thin HTTP client for the external road-routing API
// used to obtain step-level polylines and driving distances (spec §6).
// The wire shape mirrors what spec.md documents verbatim:
// routes[0].legs[].steps[].{startLocation,endLocation}.latLng and
// routes[0].distanceMeters.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/airport-cabpool/internal/models"
)

// ErrNoRoute is returned when the routing backend has no usable route.
var ErrNoRoute = errors.New("routing: no route returned")

// Step is one leg-step's start/end coordinates.
type Step struct {
	Start models.Coord
	End   models.Coord
}

// Route is the flattened result of a directions request.
type Route struct {
	Steps         []Step
	DistanceM     float64
}

// Client queries the external driving-directions endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient builds a Client with an explicit request timeout, in the same
// shape as the teacher's OSRMClient (internal/eta/osrm.go in the lineage
// this package replaces).
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: &http.Client{Timeout: timeout}}
}

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

type routeResponse struct {
	Routes []struct {
		Legs          []leg   `json:"legs"`
		DistanceMeters float64 `json:"distanceMeters"`
	} `json:"routes"`
}

type computeRoutesRequest struct {
	Origin      requestWaypoint `json:"origin"`
	Destination requestWaypoint `json:"destination"`
	TravelMode  string          `json:"travelMode"`
}

type requestWaypoint struct {
	Location location `json:"location"`
}

// Directions requests step-level driving directions from origin to
// destination (spec §4.1 step 1).
func (c *Client) Directions(ctx context.Context, origin, destination models.Coord) (Route, error) {
	body := computeRoutesRequest{
		Origin:      requestWaypoint{Location: location{LatLng: latLng{Latitude: origin.Lat, Longitude: origin.Lon}}},
		Destination: requestWaypoint{Location: location{LatLng: latLng{Latitude: destination.Lat, Longitude: destination.Lon}}},
		TravelMode:  "DRIVE",
	}
	var out routeResponse
	if err := c.post(ctx, "/directions/v2:computeRoutes", body, &out); err != nil {
		return Route{}, err
	}
	if len(out.Routes) == 0 {
		return Route{}, ErrNoRoute
	}
	r := out.Routes[0]
	route := Route{DistanceM: r.DistanceMeters}
	for _, l := range r.Legs {
		for _, s := range l.Steps {
			route.Steps = append(route.Steps, Step{
				Start: models.Coord{Lat: s.StartLocation.LatLng.Latitude, Lon: s.StartLocation.LatLng.Longitude},
				End:   models.Coord{Lat: s.EndLocation.LatLng.Latitude, Lon: s.EndLocation.LatLng.Longitude},
			})
		}
	}
	if len(route.Steps) == 0 {
		return Route{}, ErrNoRoute
	}
	return route, nil
}

// DistanceMeters returns just the driving distance between two points,
// used by the Step-2 detour calculation (spec §4.3 step 2).
func (c *Client) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	route, err := c.Directions(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return route.DistanceM, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("routing: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("routing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Goog-Api-Key", c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("routing: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("routing: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("routing: decode response: %w", err)
	}
	return nil
}

package maps

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"supportcarr/internal/types"
)

// NewClient builds a Maps client. Extra options (such as maps.WithBaseURL)
// are applied after the API key.
func NewClient(apiKey string, opts ...maps.ClientOption) (*maps.Client, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return client, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}

// RouteService answers driving time through the Directions API.
type RouteService struct {
	client *maps.Client
}

func NewRouteService(client *maps.Client) *RouteService {
	return &RouteService{client: client}
}

// Route returns the driving duration and distance in km of the first route leg.
func (s *RouteService) Route(ctx context.Context, from, to types.Point) (time.Duration, float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}

	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, fmt.Errorf("no route found")
	}

	leg := routes[0].Legs[0]
	return leg.Duration, float64(leg.Distance.Meters) / 1000, nil
}

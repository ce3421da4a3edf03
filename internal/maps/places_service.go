package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"supportcarr/internal/types"
)

// GeocodeService resolves coordinates to a street address.
type GeocodeService struct {
	client *maps.Client
}

func NewGeocodeService(client *maps.Client) *GeocodeService {
	return &GeocodeService{client: client}
}

// ReverseGeocode returns the formatted address of the best match for p.
func (s *GeocodeService) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
	})
	if err != nil {
		return "", fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no address found for %s", latLng(p))
	}
	return results[0].FormattedAddress, nil
}

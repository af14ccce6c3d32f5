package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lox/velocast/internal/httputil"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org/reverse"
	nominatimSource     = "nominatim"
)

// ErrNoPlace is returned when a coordinate cannot be geocoded.
var ErrNoPlace = errors.New("no place name for coordinates")

// placeKeys are address components tried in order, most specific first.
var placeKeys = []string{
	"road",
	"pedestrian",
	"footway",
	"cycleway",
	"square",
	"park",
	"construction",
	"hamlet",
	"suburb",
	"city_district",
}

// Geocoder resolves counter coordinates to a street or place name through
// Nominatim. Requests are limited to one per second.
type Geocoder struct {
	client  *httputil.Client
	baseURL string
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewGeocoder(baseURL string, cfg httputil.Config, limit rate.Limit, logger *zap.Logger) *Geocoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	if limit <= 0 {
		limit = rate.Limit(1)
	}
	return &Geocoder{
		client:  httputil.New(nominatimSource, cfg),
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("geocoder"),
	}
}

type reverseResponse struct {
	DisplayName string            `json:"display_name"`
	Address     map[string]string `json:"address"`
}

// Name returns a human-readable place name for lat, lon.
func (g *Geocoder) Name(ctx context.Context, lat, lon float64) (string, error) {
	if lat == 0 || lon == 0 {
		return "", ErrNoPlace
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("format", "json")
	params.Set("zoom", "18")
	params.Set("addressdetails", "1")

	var resp reverseResponse
	if _, err := g.client.GetJSON(ctx, g.baseURL+"?"+params.Encode(), &resp); err != nil {
		return "", err
	}
	return placeName(resp, lat, lon), nil
}

func placeName(resp reverseResponse, lat, lon float64) string {
	for _, key := range placeKeys {
		if v := strings.TrimSpace(resp.Address[key]); v != "" {
			return v
		}
	}
	if resp.DisplayName != "" {
		first, _, _ := strings.Cut(resp.DisplayName, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return fmt.Sprintf("Point (%.3f, %.3f)", lat, lon)
}

// FallbackName is the display name of a counter that could not be geocoded.
func FallbackName(stationID string) string {
	return "Compteur " + stationID
}

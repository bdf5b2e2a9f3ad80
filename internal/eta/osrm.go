package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient asks an OSRM server for the driving duration of the fastest route.
type OSRMClient struct {
	baseURL string
	profile string
	http    *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	return &OSRMClient{
		baseURL: strings.TrimRight(endpoint, "/"),
		profile: "driving",
		http:    &http.Client{Timeout: timeout},
	}
}

type osrmRouteResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	// OSRM takes lon,lat pairs.
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&alternatives=false",
		o.baseURL, o.profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm: decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Code != "Ok" {
		return 0, fmt.Errorf("osrm: status %d code %q: %s", resp.StatusCode, out.Code, out.Message)
	}
	if len(out.Routes) == 0 || out.Routes[0].Duration < 0 {
		return 0, fmt.Errorf("osrm: no usable route")
	}
	return out.Routes[0].Duration, nil
}

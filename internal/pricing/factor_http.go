package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPFactorSource asks a remote pricing service for a surge multiplier.
// The service receives a FactorInput and answers {"factor": 1.25}.
type HTTPFactorSource struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPFactorSource(endpoint, key string, timeout time.Duration) *HTTPFactorSource {
	return &HTTPFactorSource{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPFactorSource) PriceFactor(ctx context.Context, in FactorInput) (float64, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Key != "" {
		req.Header.Set("Authorization", "Bearer "+h.Key)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("pricing service status %d", resp.StatusCode)
	}
	var out struct {
		Factor *float64 `json:"factor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode factor: %w", err)
	}
	if out.Factor == nil {
		return 0, fmt.Errorf("pricing service returned no factor")
	}
	return *out.Factor, nil
}

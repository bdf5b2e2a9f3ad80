package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPReranker posts a RerankInput to a ranking service that answers
// {"driverIds": ["d2", "d1"]}.
type HTTPReranker struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPReranker(endpoint, key string, timeout time.Duration) *HTTPReranker {
	return &HTTPReranker{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPReranker) Rerank(ctx context.Context, in RerankInput) ([]string, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Key != "" {
		req.Header.Set("Authorization", "Bearer "+h.Key)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service status %d", resp.StatusCode)
	}
	var out struct {
		DriverIDs []string `json:"driverIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ranking: %w", err)
	}
	return out.DriverIDs, nil
}

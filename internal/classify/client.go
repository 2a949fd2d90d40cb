// Package classify talks to the external image-classification service.
package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"example.com/greenproof/internal/domain"
)

// ErrClassifierUnavailable wraps any model-load or inference failure. The
// orchestrator falls back to a manual-approval outcome when it sees this.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Classifier is the consumed interface: one image in, a ranked label list out.
type Classifier interface {
	Classify(ctx context.Context, image domain.CapturedImage) ([]domain.Label, error)
	Warm(ctx context.Context) error
}

// Client calls the classifier service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client with the given inference timeout. Timeouts
// cover model inference latency, not model load; use Warm for cold starts.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type classifyRequest struct {
	Image string `json:"image"`
}

type classifyResponse struct {
	Labels []domain.Label `json:"labels"`
}

// Classify submits the image and returns labels ordered by descending
// confidence. Any transport or service error maps to ErrClassifierUnavailable.
func (c *Client) Classify(ctx context.Context, image domain.CapturedImage) ([]domain.Label, error) {
	body, err := json.Marshal(classifyRequest{Image: base64.StdEncoding.EncodeToString(image.Data)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrClassifierUnavailable, resp.StatusCode, data)
	}

	var payload classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}

	labels := payload.Labels
	sort.SliceStable(labels, func(i, j int) bool {
		return labels[i].Confidence > labels[j].Confidence
	})
	return labels, nil
}

// Warm asks the service to load its model ahead of the first capture.
func (c *Client) Warm(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/warmup", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: warmup status %d", ErrClassifierUnavailable, resp.StatusCode)
	}
	return nil
}

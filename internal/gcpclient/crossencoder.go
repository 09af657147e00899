package gcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// CrossEncoderAdapter calls an HTTP cross-encoder scoring service that
// accepts a query paired with candidate passages and returns one
// relevance score per passage.
type CrossEncoderAdapter struct {
	url    string
	client *http.Client
}

// NewCrossEncoderAdapter creates a CrossEncoderAdapter pointed at the
// given scoring endpoint.
func NewCrossEncoderAdapter(url string) *CrossEncoderAdapter {
	return &CrossEncoderAdapter{
		url:    url,
		client: http.DefaultClient,
	}
}

type crossEncoderRequest struct {
	Query     string   `json:"query"`
	Passages  []string `json:"passages"`
}

type crossEncoderResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one relevance score per passage, in the same order as
// the input. Retries on rate limiting the same way the LLM adapters do.
func (a *CrossEncoderAdapter) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	return withRetry(ctx, "CrossEncoderScore", func() ([]float64, error) {
		reqBody, err := json.Marshal(crossEncoderRequest{Query: query, Passages: passages})
		if err != nil {
			return nil, fmt.Errorf("gcpclient.CrossEncoderScore: marshal: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", a.url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("gcpclient.CrossEncoderScore: request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gcpclient.CrossEncoderScore: call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("gcpclient.CrossEncoderScore: status %d: %s", resp.StatusCode, body)
		}

		var out crossEncoderResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("gcpclient.CrossEncoderScore: decode: %w", err)
		}
		if len(out.Scores) != len(passages) {
			return nil, fmt.Errorf("gcpclient.CrossEncoderScore: got %d scores for %d passages", len(out.Scores), len(passages))
		}
		return out.Scores, nil
	})
}

// Package estimate fetches the scalar population/pollution estimate for a
// subject and announces the request on the subject's crossstream coordinator
// so heatmap pipelines yield while it runs.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"densitymap/pkg/crossstream"
	"densitymap/pkg/metrics"
	"densitymap/pkg/pointfetch"
)

// RemoteError is an {"status":"error"} reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "estimate: " + e.Message }

// ErrNoEstimate is returned when a 2xx body carries no number.
var ErrNoEstimate = errors.New("estimate: response has no estimate")

// Client calls /estimate.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Hub     *crossstream.Hub
	Logf    func(format string, args ...any)
}

// NewClient builds a client sharing hub with the heatmap pipelines.
func NewClient(baseURL string, hub *crossstream.Hub, logf func(string, ...any)) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Hub:     hub,
		Logf:    logf,
	}
}

// Estimate returns the scalar for p's subject and filters. The subject is
// marked busy for the whole exchange, failure included.
func (c *Client) Estimate(ctx context.Context, p pointfetch.Params) (float64, error) {
	if c.Hub != nil {
		coord := c.Hub.For(p.SubjectID)
		coord.Start()
		defer coord.Done()
	}

	v, err := c.fetch(ctx, p)
	switch {
	case err == nil:
		metrics.EstimateTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, context.Canceled):
		metrics.EstimateTotal.WithLabelValues("canceled").Inc()
	default:
		metrics.EstimateTotal.WithLabelValues("error").Inc()
		if c.Logf != nil {
			c.Logf("estimate %s: %v", p.SubjectID, err)
		}
	}
	return v, err
}

func (c *Client) fetch(ctx context.Context, p pointfetch.Params) (float64, error) {
	endpoint := c.BaseURL + "/estimate?" + p.FilterValues().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("estimate request: %w", err)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("estimate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("estimate body: %w", err)
	}
	return decode(resp.StatusCode, body)
}

func decode(status int, body []byte) (float64, error) {
	if s, err := jsonparser.GetString(body, "status"); err == nil && s == "error" {
		msg, _ := jsonparser.GetString(body, "message")
		if msg == "" {
			msg = "unknown error"
		}
		return 0, &RemoteError{Message: msg}
	}
	if status < 200 || status > 299 {
		return 0, fmt.Errorf("estimate status %d", status)
	}
	v, err := jsonparser.GetFloat(body, "estimate")
	if err != nil {
		return 0, ErrNoEstimate
	}
	return v, nil
}

// Package pointfetch performs one cancellable request against the point-set
// endpoint and hands the result to the intensity normalizer.
//
// A Session holds no per-run state, so one value can serve every run of a
// pipeline. Cancellation always surfaces as ErrCanceled, never as a
// TransportError, so callers can drop superseded results quietly.
package pointfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"densitymap/pkg/intensity"
	"densitymap/pkg/spatial"
)

const (
	defaultTimeout = 60 * time.Second
	maxBody        = 64 << 20
)

// Result is the outcome of one successful exchange.
type Result struct {
	Raw    []spatial.RawPoint
	Points []spatial.NormalizedPoint
	// Cap is the ceiling the points were normalised against.
	Cap float64
	// ServerCap is the p95 the server declared, 0 when absent.
	ServerCap float64
}

// Session talks to one server's /points endpoint.
type Session struct {
	BaseURL    string
	Client     *http.Client
	Normalizer intensity.Normalizer
	Logf       func(format string, args ...any)
}

// NewSession builds a session with the default client.
func NewSession(baseURL string, logf func(string, ...any)) *Session {
	if logf == nil {
		logf = log.Printf
	}
	return &Session{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: defaultTimeout},
		Logf:    logf,
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

// Run fetches and normalises one point set. The cap used is p.Cap when set,
// else the server-declared p95, else a local estimate.
func (s *Session) Run(ctx context.Context, p Params) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ErrCanceled
	}

	endpoint := strings.TrimRight(s.BaseURL, "/") + "/points?" + p.Values().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, &TransportError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrCanceled
		}
		return Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if ctx.Err() != nil {
			return Result{}, ErrCanceled
		}
		var detail error
		if msg := strings.TrimSpace(string(b)); msg != "" {
			detail = errors.New(msg)
		}
		return Result{}, &TransportError{Status: resp.StatusCode, Err: detail}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if ctx.Err() != nil {
		return Result{}, ErrCanceled
	}
	if err != nil {
		return Result{}, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	raw, serverCap := decodePoints(body)

	var hint *float64
	switch {
	case p.Cap > 0:
		hint = &p.Cap
	case serverCap > 0:
		hint = &serverCap
	}
	points, used := s.Normalizer.Normalize(raw, hint)

	s.logf("points %s budget=%d: %s rows from %s, cap=%.4g",
		p.SubjectID, p.PointBudget, humanize.Comma(int64(len(points))), humanize.Bytes(uint64(len(body))), used)

	return Result{Raw: raw, Points: points, Cap: used, ServerCap: serverCap}, nil
}

package pointfetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"densitymap/pkg/spatial"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestSession(url string) *Session {
	return NewSession(url, func(string, ...any) {})
}

func TestRunDecodesPointsAndServerCap(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		io.WriteString(w, `{"points":[[43.123456789,-79.1,25],[43.2,-79.2,400],[1,2]],"stats":{"p95_raw":100,"total":3}}`)
	}))
	defer srv.Close()

	p := Params{SubjectID: "lake-7", Domain: spatial.Population, PointBudget: 1200, Year: 2020}
	p = p.WithBounds(spatial.BBox{MinLat: 43, MinLon: -80, MaxLat: 44, MaxLon: -79})
	res, err := newTestSession(srv.URL).Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ServerCap != 100 || res.Cap != 100 {
		t.Fatalf("caps server=%v used=%v want 100", res.ServerCap, res.Cap)
	}
	if len(res.Points) != 3 {
		t.Fatalf("points=%d want 3", len(res.Points))
	}
	if res.Points[0].Intensity != 0.5 || res.Points[1].Intensity != 1 || res.Points[2].Intensity != 0 {
		t.Fatalf("intensities=%+v", res.Points)
	}
	gotQuery := <-queries
	for _, want := range []string{"subject_id=lake-7", "max_points=1200", "year=2020", "bbox=-80%2C43%2C-79%2C44", "domain=population"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
}

// TestRunCapPrecedence checks params cap beats server cap, which beats the
// local estimate.
func TestRunCapPrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		cap     float64
		wantCap float64
	}{
		{name: "params cap wins", body: `{"points":[[0,0,10]],"stats":{"p95_raw":40}}`, cap: 10, wantCap: 10},
		{name: "server cap", body: `{"points":[[0,0,10]],"stats":{"p95_raw":40}}`, wantCap: 40},
		{name: "no stats", body: `{"points":[[0,0,10],[0,0,20]]}`, wantCap: 10},
		{name: "zero server cap", body: `{"points":[[0,0,8]],"stats":{"p95_raw":0}}`, wantCap: 8},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			res, err := newTestSession(srv.URL).Run(context.Background(), Params{SubjectID: "s", Cap: tc.cap})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Cap != tc.wantCap {
				t.Fatalf("cap=%v want %v", res.Cap, tc.wantCap)
			}
		})
	}
}

func TestRunMalformedIsEmpty(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{}`, `{"points":null}`, `{"points":"nope"}`, `not json`, `{"points":[["a","b",1]]}`} {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		}))
		res, err := newTestSession(srv.URL).Run(context.Background(), Params{SubjectID: "s"})
		srv.Close()
		if err != nil {
			t.Fatalf("body %q: err=%v want nil", body, err)
		}
		if len(res.Points) != 0 {
			t.Fatalf("body %q: points=%d want 0", body, len(res.Points))
		}
	}
}

func TestRunTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestSession(srv.URL).Run(context.Background(), Params{SubjectID: "s"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v want *TransportError", err)
	}
	if te.Status != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", te.Status)
	}
	if IsCanceled(err) {
		t.Fatal("transport error classified as cancellation")
	}
}

// TestRunCanceledBeforeDispatch makes sure no request leaves when the context
// is already done.
func TestRunCanceledBeforeDispatch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestSession(srv.URL).Run(ctx, Params{SubjectID: "s"})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err=%v want ErrCanceled", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("requests=%d want 0", hits.Load())
	}
}

func TestRunCanceledMidFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := newTestSession(srv.URL).Run(ctx, Params{SubjectID: "s"})
	if !IsCanceled(err) {
		t.Fatalf("err=%v want cancellation", err)
	}
	var te *TransportError
	if errors.As(err, &te) {
		t.Fatalf("cancellation surfaced as transport error: %v", err)
	}
}

// TestRunIgnoresBodyAfterAbort covers a transport that ignores cancellation
// and still hands back a full body.
func TestRunIgnoresBodyAfterAbort(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := newTestSession("http://points.invalid")
	s.Client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		cancel()
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"points":[[0,0,1]]}`)),
			Header:     http.Header{},
			Request:    r,
		}, nil
	})}

	res, err := s.Run(ctx, Params{SubjectID: "s"})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err=%v want ErrCanceled", err)
	}
	if len(res.Points) != 0 {
		t.Fatalf("normalised %d points after abort", len(res.Points))
	}
}

func TestParamsEqual(t *testing.T) {
	t.Parallel()

	a := Params{SubjectID: "s", PointBudget: 10}.WithBounds(spatial.BBox{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 4})
	b := Params{SubjectID: "s", PointBudget: 10}.WithBounds(spatial.BBox{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 4})
	if !a.Equal(b) {
		t.Fatal("equal params compare unequal")
	}
	if a.Equal(b.WithBudget(11)) {
		t.Fatal("budget change ignored")
	}
	if a.Equal(Params{SubjectID: "s", PointBudget: 10}) {
		t.Fatal("nil bounds compared equal to set bounds")
	}
}

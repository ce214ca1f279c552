package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"densitymap/pkg/database"
	"densitymap/pkg/metrics"
	"densitymap/pkg/percentile"
	"densitymap/pkg/spatial"
)

const (
	DefaultMaxPoints   = 5000
	DefaultPointsLimit = 50000
)

// Store is the part of *database.Database the handlers read from.
type Store interface {
	StreamPoints(ctx context.Context, q database.PointQuery) (<-chan spatial.RawPoint, <-chan error)
	Estimate(ctx context.Context, q database.PointQuery, agg database.Aggregation) (database.EstimateResult, error)
	SubjectExtent(ctx context.Context, subjectID string) (spatial.BBox, bool, error)
	ComputeExtent(ctx context.Context, subjectID string) (spatial.BBox, bool, error)
}

// Handler serves the point-set, estimate and extent endpoints.
type Handler struct {
	DB      Store
	Cache   *ResponseCache
	Limiter *RateLimiter
	// HeavyPoints is the max_points above which a request pays the
	// limiter's cooldown.
	HeavyPoints int
	// PointsLimit caps max_points.
	PointsLimit int
	Logf        func(string, ...any)
}

// NewHandler builds a Handler. cache and limiter may be nil.
func NewHandler(db Store, cache *ResponseCache, limiter *RateLimiter, logf func(string, ...any)) *Handler {
	return &Handler{
		DB:          db,
		Cache:       cache,
		Limiter:     limiter,
		HeavyPoints: 6000,
		PointsLimit: DefaultPointsLimit,
		Logf:        logf,
	}
}

// Register attaches the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/points", h.handlePoints)
	mux.HandleFunc("/estimate", h.handleEstimate)
	mux.HandleFunc("/extent", h.handleExtent)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	filters := []string{"subject_id", "domain", "year", "radius_km", "parameter", "aggregation", "date_from", "date_to"}
	overview := map[string]any{
		"endpoints": map[string]any{
			"points": map[string]any{
				"method":      "GET",
				"path":        "/points",
				"query":       append(append([]string{}, filters...), "bbox", "max_points"),
				"description": "Point samples as [lat,lon,magnitude]. stats.p95_raw is computed over every row in the bbox before thinning to max_points.",
			},
			"estimate": map[string]any{
				"method":      "GET",
				"path":        "/estimate",
				"query":       filters,
				"description": "Scalar aggregate (sum, mean or max) of the matching magnitudes.",
			},
			"extent": map[string]any{
				"method":      "GET",
				"path":        "/extent",
				"query":       []string{"subject_id"},
				"description": "Full bounding box of a subject as minLon,minLat,maxLon,maxLat.",
			},
		},
	}
	h.respondJSON(w, http.StatusOK, overview)
}

// pointsRequest is a parsed /points or /estimate query.
type pointsRequest struct {
	query     database.PointQuery
	radiusKm  float64
	agg       database.Aggregation
	maxPoints int
}

func (h *Handler) parseRequest(v url.Values) (pointsRequest, error) {
	var pr pointsRequest
	pr.query.SubjectID = strings.TrimSpace(v.Get("subject_id"))
	if pr.query.SubjectID == "" {
		return pr, errors.New("subject_id is required")
	}
	domain, err := spatial.ParseDomain(v.Get("domain"))
	if err != nil {
		return pr, err
	}
	pr.query.Domain = string(domain)
	pr.query.Parameter = strings.TrimSpace(v.Get("parameter"))

	if s := v.Get("year"); s != "" {
		if pr.query.Year, err = strconv.Atoi(s); err != nil {
			return pr, fmt.Errorf("year: %w", err)
		}
	}
	if s := v.Get("radius_km"); s != "" {
		pr.radiusKm, err = strconv.ParseFloat(s, 64)
		if err != nil || pr.radiusKm < 0 || math.IsInf(pr.radiusKm, 0) || math.IsNaN(pr.radiusKm) {
			return pr, fmt.Errorf("radius_km %q is not a non-negative number", s)
		}
	}
	if pr.query.DateFrom, err = parseDate(v.Get("date_from"), false); err != nil {
		return pr, fmt.Errorf("date_from: %w", err)
	}
	if pr.query.DateTo, err = parseDate(v.Get("date_to"), true); err != nil {
		return pr, fmt.Errorf("date_to: %w", err)
	}
	agg, ok := database.ParseAggregation(v.Get("aggregation"))
	if !ok {
		return pr, fmt.Errorf("unknown aggregation %q", v.Get("aggregation"))
	}
	pr.agg = agg

	if s := v.Get("bbox"); s != "" {
		b, err := spatial.ParseBBox(s)
		if err != nil {
			return pr, err
		}
		pr.query.Bounds = &b
	}

	limit := h.PointsLimit
	if limit <= 0 {
		limit = DefaultPointsLimit
	}
	pr.maxPoints = clampInt(parseIntDefault(v.Get("max_points"), DefaultMaxPoints), 1, limit)
	return pr, nil
}

// parseDate accepts unix seconds or YYYY-MM-DD. A bare date used as an upper
// bound covers the whole day.
func parseDate(s string, end bool) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither unix seconds nor YYYY-MM-DD", s)
	}
	if end {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t.Unix(), nil
}

// resolveBuffer turns radius_km into a box around the subject's extent.
func (h *Handler) resolveBuffer(ctx context.Context, pr *pointsRequest) error {
	if pr.radiusKm <= 0 {
		return nil
	}
	ext, ok, err := h.DB.SubjectExtent(ctx, pr.query.SubjectID)
	if err != nil && !errors.Is(err, database.ErrUnknownSubject) {
		return err
	}
	if !ok {
		if ext, ok, err = h.DB.ComputeExtent(ctx, pr.query.SubjectID); err != nil {
			return err
		}
	}
	if !ok {
		return nil
	}
	buf := ext.ExpandedKm(pr.radiusKm)
	pr.query.Buffer = &buf
	return nil
}

type pointsStats struct {
	P95Raw   *float64 `json:"p95_raw,omitempty"`
	Total    int      `json:"total"`
	Returned int      `json:"returned"`
}

type pointsResponse struct {
	Points [][3]float64 `json:"points"`
	Stats  pointsStats  `json:"stats"`
}

func (h *Handler) handlePoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pr, err := h.parseRequest(r.URL.Query())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), KindFor(pr.maxPoints, h.HeavyPoints))
	if err != nil {
		h.respondError(w, http.StatusRequestTimeout, "request cancelled")
		return
	}
	defer permit.Release()
	if permit.Waited > time.Second {
		w.Header().Set("X-Queue-Wait", permit.Waited.Truncate(time.Millisecond).String())
	}

	key := "points?" + canonicalKey(pr, true)
	body, err := h.cached(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		return h.loadPoints(ctx, pr)
	})
	if err != nil {
		h.logf("points %s: %v", pr.query.SubjectID, err)
		h.respondError(w, http.StatusInternalServerError, "points unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// loadPoints reads every matching row, derives p95 from the positive
// magnitudes and only then thins to the budget, so every budget for the same
// filters and bbox declares the same cap.
func (h *Handler) loadPoints(ctx context.Context, pr pointsRequest) ([]byte, error) {
	if err := h.resolveBuffer(ctx, &pr); err != nil {
		return nil, err
	}
	rows, errCh := h.DB.StreamPoints(ctx, pr.query)
	var all []spatial.RawPoint
	for p := range rows {
		if !spatial.Finite(p.Lat, p.Lon) || math.IsNaN(p.Magnitude) || math.IsInf(p.Magnitude, 0) {
			continue
		}
		all = append(all, p)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	resp := pointsResponse{Points: make([][3]float64, 0, min(len(all), pr.maxPoints))}
	resp.Stats.Total = len(all)
	mags := make([]float64, 0, len(all))
	for _, p := range all {
		if p.Magnitude > 0 {
			mags = append(mags, p.Magnitude)
		}
	}
	if len(mags) > 0 {
		est := percentile.Estimator{Rand: seededSource(canonicalKey(pr, false))}
		p95 := est.P95(mags)
		resp.Stats.P95Raw = &p95
	}
	for _, p := range strideThin(all, pr.maxPoints) {
		resp.Points = append(resp.Points, [3]float64{p.Lat, p.Lon, p.Magnitude})
	}
	resp.Stats.Returned = len(resp.Points)
	metrics.PointsServedTotal.WithLabelValues(pr.query.Domain).Add(float64(len(resp.Points)))
	return json.Marshal(resp)
}

// strideThin keeps n points spread evenly over the input order.
func strideThin(points []spatial.RawPoint, n int) []spatial.RawPoint {
	if n <= 0 || len(points) <= n {
		return points
	}
	out := make([]spatial.RawPoint, n)
	step := float64(len(points)) / float64(n)
	for i := range out {
		out[i] = points[int(float64(i)*step)]
	}
	return out
}

// seededSource makes reservoir sampling repeatable per query so a preview
// and a final with the same filters agree on the cap.
func seededSource(key string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	pr, err := h.parseRequest(r.URL.Query())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestGeneral)
	if err != nil {
		h.respondError(w, http.StatusRequestTimeout, "request cancelled")
		return
	}
	defer permit.Release()

	key := "estimate?" + canonicalKey(pr, false)
	body, err := h.cached(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		if err := h.resolveBuffer(ctx, &pr); err != nil {
			return nil, err
		}
		res, err := h.DB.Estimate(ctx, pr.query, pr.agg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"estimate": res.Value, "count": res.Count, "aggregation": pr.agg})
	})
	if err != nil {
		h.logf("estimate %s: %v", pr.query.SubjectID, err)
		h.respondError(w, http.StatusInternalServerError, "estimate unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *Handler) handleExtent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	ext, ok, err := h.DB.SubjectExtent(r.Context(), id)
	if err != nil && !errors.Is(err, database.ErrUnknownSubject) {
		h.logf("extent %s: %v", id, err)
		h.respondError(w, http.StatusInternalServerError, "extent unavailable")
		return
	}
	if !ok {
		if ext, ok, err = h.DB.ComputeExtent(r.Context(), id); err != nil {
			h.logf("extent %s: %v", id, err)
			h.respondError(w, http.StatusInternalServerError, "extent unavailable")
			return
		}
	}
	if !ok {
		h.respondError(w, http.StatusNotFound, "subject has no points")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"subject_id": id, "bbox": ext.String(), "extent": ext})
}

func (h *Handler) cached(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if h.Cache == nil {
		return loader(ctx)
	}
	return h.Cache.Get(ctx, key, loader)
}

// canonicalKey renders the parsed query in a fixed order. withPage adds the
// bbox and budget; without it the key names the filters only.
func canonicalKey(pr pointsRequest, withPage bool) string {
	v := url.Values{}
	q := pr.query
	v.Set("subject_id", q.SubjectID)
	v.Set("domain", q.Domain)
	v.Set("parameter", q.Parameter)
	v.Set("year", strconv.Itoa(q.Year))
	v.Set("date_from", strconv.FormatInt(q.DateFrom, 10))
	v.Set("date_to", strconv.FormatInt(q.DateTo, 10))
	v.Set("radius_km", strconv.FormatFloat(pr.radiusKm, 'f', -1, 64))
	v.Set("aggregation", string(pr.agg))
	if q.Bounds != nil {
		v.Set("bbox", q.Bounds.String())
	}
	if withPage {
		v.Set("max_points", strconv.Itoa(pr.maxPoints))
	}
	return v.Encode()
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if candidate := strings.TrimSpace(strings.Split(forwarded, ",")[0]); candidate != "" {
			return candidate
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

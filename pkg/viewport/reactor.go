// Package viewport turns bursts of pan/zoom events into single refetches.
package viewport

import (
	"sync"
	"time"

	"densitymap/pkg/metrics"
	"densitymap/pkg/spatial"
)

// DefaultDebounce is the quiet period after the last event before a refetch.
const DefaultDebounce = 200 * time.Millisecond

// View is the visible map region.
type View struct {
	Bounds spatial.BBox
	Zoom   float64
}

// Timer is the part of *time.Timer the reactor needs.
type Timer interface {
	Stop() bool
}

// Clock schedules debounced work. Tests swap in a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Coverage reports what the pipeline already holds for the current subject.
type Coverage interface {
	// Extent is the subject's full footprint when known.
	Extent() (spatial.BBox, bool)
	// Covered is the box of the last settled final fetch.
	Covered() (spatial.BBox, bool)
}

// Options configures a Reactor.
type Options struct {
	Domain   spatial.Domain
	Debounce time.Duration
	Tiers    *Tiers
	Clock    Clock
	Coverage Coverage
	Logf     func(format string, args ...any)
}

// Reactor debounces viewport changes and calls trigger with the latest view
// and its budget.
type Reactor struct {
	domain   spatial.Domain
	debounce time.Duration
	tiers    Tiers
	clock    Clock
	coverage Coverage
	trigger  func(View, int)
	logf     func(format string, args ...any)

	mu      sync.Mutex
	enabled bool
	timer   Timer
	gen     uint64
	pending View
}

// New builds a disabled reactor. trigger runs on the clock's goroutine.
func New(trigger func(View, int), opts Options) *Reactor {
	r := &Reactor{
		domain:   opts.Domain,
		debounce: opts.Debounce,
		clock:    opts.Clock,
		coverage: opts.Coverage,
		trigger:  trigger,
		logf:     opts.Logf,
	}
	if r.debounce <= 0 {
		r.debounce = DefaultDebounce
	}
	if opts.Tiers != nil {
		r.tiers = *opts.Tiers
	} else {
		r.tiers = DefaultTiers(opts.Domain)
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	if r.logf == nil {
		r.logf = func(string, ...any) {}
	}
	return r
}

// Budget returns the point budget for zoom z.
func (r *Reactor) Budget(z float64) int { return r.tiers.Budget(z) }

// Enable starts reacting to Observe calls.
func (r *Reactor) Enable() {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
}

// Disable drops any pending refetch and ignores further events.
func (r *Reactor) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Observe records a viewport change and restarts the debounce window.
func (r *Reactor) Observe(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	r.pending = v
	r.gen++
	gen := r.gen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(r.debounce, func() { r.fire(gen) })
}

func (r *Reactor) fire(gen uint64) {
	r.mu.Lock()
	if !r.enabled || gen != r.gen {
		r.mu.Unlock()
		return
	}
	v := r.pending
	r.timer = nil
	r.mu.Unlock()

	if r.skip(v) {
		metrics.ViewportSkippedTotal.WithLabelValues(string(r.domain)).Inc()
		r.logf("viewport %s: extent already covered, skip refetch", v.Bounds)
		return
	}
	r.trigger(v, r.tiers.Budget(v.Zoom))
}

// skip is true when the view contains the subject's whole extent and the last
// settled fetch already covered it. Population only.
func (r *Reactor) skip(v View) bool {
	if r.domain != spatial.Population || r.coverage == nil {
		return false
	}
	extent, ok := r.coverage.Extent()
	if !ok || !v.Bounds.Contains(extent) {
		return false
	}
	covered, ok := r.coverage.Covered()
	return ok && covered.Contains(extent)
}

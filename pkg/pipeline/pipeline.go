// Package pipeline wires one heatmap instance together: the progressive
// controller, the viewport reactor and the subject's crossstream coordinator.
//
// A Pipeline is what UI toggles talk to. Population and pollution each get
// their own Pipeline; they share nothing except, when they render the same
// subject, the coordinator both yield to.
package pipeline

import (
	"log"
	"sync"

	"densitymap/pkg/crossstream"
	"densitymap/pkg/logger"
	"densitymap/pkg/metrics"
	"densitymap/pkg/pointfetch"
	"densitymap/pkg/progressive"
	"densitymap/pkg/spatial"
	"densitymap/pkg/viewport"
)

// Options configures a Pipeline.
type Options struct {
	Domain  spatial.Domain
	Fetcher progressive.Fetcher
	// Coordinator may be nil when no sibling estimate shares the subject.
	Coordinator *crossstream.Coordinator
	// Sink receives rendered frames. Its callbacks must not call back into
	// the pipeline synchronously.
	Sink progressive.Callbacks

	PreviewCeiling int
	PreviewDivisor int
	Viewport       viewport.Options
	Logs           *logger.Buffer
	Logf           func(format string, args ...any)
}

// Pipeline is the enable/disable/setParams control surface for one instance.
type Pipeline struct {
	domain spatial.Domain
	ctrl   *progressive.Controller
	react  *viewport.Reactor
	coord  *crossstream.Coordinator
	sink   progressive.Callbacks
	logf   func(format string, args ...any)
	unsub  func()

	// runMu serialises dispatch decisions. It is never taken from inside a
	// controller callback.
	runMu sync.Mutex

	mu       sync.Mutex
	enabled  bool
	deferred bool
	params   pointfetch.Params
	extent   map[string]spatial.BBox
	covered  *coverage
	lastCap  float64
}

type coverage struct {
	filter pointfetch.Params
	bounds spatial.BBox
}

// worldBox stands in for an unclipped fetch.
var worldBox = spatial.BBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}

// New builds a disabled pipeline.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		domain: opts.Domain,
		coord:  opts.Coordinator,
		sink:   opts.Sink,
		logf:   opts.Logf,
		extent: make(map[string]spatial.BBox),
	}
	if p.logf == nil {
		p.logf = log.Printf
	}
	p.ctrl = progressive.New(opts.Fetcher, progressive.Options{
		Domain:         opts.Domain,
		PreviewCeiling: opts.PreviewCeiling,
		PreviewDivisor: opts.PreviewDivisor,
		Logs:           opts.Logs,
	})

	vo := opts.Viewport
	vo.Domain = opts.Domain
	vo.Coverage = p
	if vo.Logf == nil {
		vo.Logf = p.logf
	}
	p.react = viewport.New(p.onViewport, vo)

	if p.coord != nil {
		p.unsub = p.coord.Subscribe(p.onCoordinator)
	}
	return p
}

// Enable turns the layer on and dispatches params right away.
func (p *Pipeline) Enable(params pointfetch.Params) {
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
	p.react.Enable()
	p.dispatch(params)
}

// Disable turns the layer off and abandons any run in flight.
func (p *Pipeline) Disable() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	p.enabled = false
	p.deferred = false
	p.mu.Unlock()
	p.react.Disable()
	p.ctrl.Abort()
}

// SetParams replaces the query and re-runs immediately when enabled.
func (p *Pipeline) SetParams(params pointfetch.Params) { p.dispatch(params) }

// Params returns the most recently requested params.
func (p *Pipeline) Params() pointfetch.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// Enabled reports whether the layer is on.
func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Deferred reports whether a run is being held for a sibling estimate.
func (p *Pipeline) Deferred() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deferred
}

// ViewportChanged feeds a pan/zoom event into the debouncer.
func (p *Pipeline) ViewportChanged(v viewport.View) { p.react.Observe(v) }

// SetExtent records the full footprint of a subject.
func (p *Pipeline) SetExtent(subjectID string, b spatial.BBox) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extent[subjectID] = b
}

// Extent implements viewport.Coverage for the current subject.
func (p *Pipeline) Extent() (spatial.BBox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.extent[p.params.SubjectID]
	return b, ok
}

// Covered implements viewport.Coverage: the bounds of the last settled final
// for the current filters.
func (p *Pipeline) Covered() (spatial.BBox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.covered == nil || !p.covered.filter.Equal(filterOf(p.params)) {
		return spatial.BBox{}, false
	}
	return p.covered.bounds, true
}

// LastCap is the cap of the last delivered frame.
func (p *Pipeline) LastCap() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCap
}

// Close detaches from the coordinator and stops everything.
func (p *Pipeline) Close() {
	p.Disable()
	if p.unsub != nil {
		p.unsub()
	}
}

func (p *Pipeline) onViewport(v viewport.View, budget int) {
	p.mu.Lock()
	next := p.params.WithBounds(v.Bounds).WithBudget(budget)
	p.mu.Unlock()
	p.dispatch(next)
}

// dispatch records params and starts a run unless the layer is off or the
// sibling estimate holds the subject.
func (p *Pipeline) dispatch(params pointfetch.Params) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	p.params = params
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	if p.coord != nil && p.coord.Busy() {
		p.deferred = true
		p.mu.Unlock()
		metrics.DeferredTotal.WithLabelValues(string(p.domain)).Inc()
		p.logf("%s heatmap: %s busy with estimate, deferring", p.domain, params.SubjectID)
		return
	}
	p.deferred = false
	p.mu.Unlock()

	p.ctrl.Start(params, p.callbacks())
}

func (p *Pipeline) onCoordinator(ev crossstream.Event) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	params := p.params
	if ev == crossstream.EventStart {
		p.deferred = true
		p.mu.Unlock()
		p.ctrl.Abort()
		metrics.DeferredTotal.WithLabelValues(string(p.domain)).Inc()
		return
	}
	p.deferred = false
	p.mu.Unlock()

	p.ctrl.Start(params, p.callbacks())
}

func (p *Pipeline) callbacks() progressive.Callbacks {
	return progressive.Callbacks{
		OnIntermediate: func(f progressive.Frame) {
			p.mu.Lock()
			p.lastCap = f.Cap
			p.mu.Unlock()
			if p.sink.OnIntermediate != nil {
				p.sink.OnIntermediate(f)
			}
		},
		OnFinal: func(f progressive.Frame) {
			bounds := worldBox
			if f.Params.Bounds != nil {
				bounds = *f.Params.Bounds
			}
			p.mu.Lock()
			p.lastCap = f.Cap
			p.covered = &coverage{filter: filterOf(f.Params), bounds: bounds}
			p.mu.Unlock()
			if p.sink.OnFinal != nil {
				p.sink.OnFinal(f)
			}
		},
		OnError: func(msg string) {
			if p.sink.OnError != nil {
				p.sink.OnError(msg)
			}
		},
	}
}

// filterOf strips the per-run fields so coverage survives pans and budget
// changes but not a different subject, year or parameter.
func filterOf(params pointfetch.Params) pointfetch.Params {
	params.Bounds = nil
	params.PointBudget = 0
	params.Cap = 0
	return params
}

// Package progressive runs the two-phase preview/final refinement for one
// heatmap instance.
//
// A Controller owns at most one live Handle. Start replaces it and aborts the
// previous one before returning, and every callback is delivered under the
// handle's lock after re-checking that the handle is still live. Once Abort or
// a newer Start has returned, the superseded run can no longer reach the sink
// even if its network exchange completes anyway.
//
// Callbacks run on the controller's worker goroutine while the handle is
// locked. They must return promptly and must not call back into the same
// controller or handle; hand such work off to another goroutine instead.
package progressive

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"densitymap/pkg/logger"
	"densitymap/pkg/metrics"
	"densitymap/pkg/pointfetch"
	"densitymap/pkg/spatial"
)

const (
	DefaultPreviewCeiling = 1200
	DefaultPreviewDivisor = 4

	errorMessage = "heatmap data could not be loaded"
)

// Fetcher is the network side of one phase. *pointfetch.Session satisfies it.
type Fetcher interface {
	Run(ctx context.Context, p pointfetch.Params) (pointfetch.Result, error)
}

// Frame is one batch handed to the rendering sink.
type Frame struct {
	Points []spatial.NormalizedPoint
	Cap    float64
	Params pointfetch.Params
}

// Callbacks is the rendering sink. Nil members are skipped.
type Callbacks struct {
	OnIntermediate func(Frame)
	OnFinal        func(Frame)
	OnError        func(message string)
}

// Options tunes a Controller. Zero values fall back to defaults.
type Options struct {
	Domain         spatial.Domain
	PreviewCeiling int
	PreviewDivisor int
	Logs           *logger.Buffer
	Now            func() time.Time
}

// Controller enforces single-flight over preview/final runs.
type Controller struct {
	fetch   Fetcher
	domain  string
	ceiling int
	divisor int
	logs    *logger.Buffer
	now     func() time.Time

	mu      sync.Mutex
	current *Handle
	seq     uint64
}

// New builds a controller around f.
func New(f Fetcher, opts Options) *Controller {
	c := &Controller{
		fetch:   f,
		domain:  string(opts.Domain),
		ceiling: opts.PreviewCeiling,
		divisor: opts.PreviewDivisor,
		logs:    opts.Logs,
		now:     opts.Now,
	}
	if c.domain == "" {
		c.domain = "heatmap"
	}
	if c.ceiling <= 0 {
		c.ceiling = DefaultPreviewCeiling
	}
	if c.divisor <= 0 {
		c.divisor = DefaultPreviewDivisor
	}
	if c.logs == nil {
		c.logs = logger.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// PreviewBudget is min(ceiling, full/divisor).
func (c *Controller) PreviewBudget(full int) int {
	return min(c.ceiling, full/c.divisor)
}

// Start aborts the current run, if any, and launches a new one for p.
func (c *Controller) Start(p pointfetch.Params, cb Callbacks) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Abort()
	}
	c.seq++
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:     c.domain + "#" + strconv.FormatUint(c.seq, 10),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.current = h

	preview := c.PreviewBudget(p.PointBudget)
	if preview <= 0 || preview >= p.PointBudget {
		h.state = FinalInFlight
	} else {
		h.state = PreviewInFlight
	}
	c.logs.Begin(h.id)
	go c.run(h, p, preview, cb)
	return h
}

// Abort stops the current run. It is a no-op when nothing is running.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Abort()
	}
}

// Current returns the live handle or nil.
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) run(h *Handle, p pointfetch.Params, preview int, cb Callbacks) {
	defer close(h.done)
	defer h.cancel()

	if preview <= 0 || preview >= p.PointBudget {
		res, err := c.phase(h, "final", p)
		if err != nil {
			c.fail(h, err, cb)
			return
		}
		c.settle(h, res, p, cb)
		return
	}

	pp := p.WithBudget(preview)
	res, err := c.phase(h, "preview", pp)
	if err != nil {
		c.fail(h, err, cb)
		return
	}
	frame := Frame{Points: res.Points, Cap: res.Cap, Params: pp}
	if !c.deliver(h, FinalInFlight, func() {
		if cb.OnIntermediate != nil {
			cb.OnIntermediate(frame)
		}
	}) {
		return
	}
	c.logs.Append(h.id, fmt.Sprintf("preview delivered %d points cap=%.4g", len(res.Points), res.Cap))

	fp := p
	if fp.Cap <= 0 && res.ServerCap > 0 {
		fp.Cap = res.ServerCap
	}
	res, err = c.phase(h, "final", fp)
	if err != nil {
		c.fail(h, err, cb)
		return
	}
	c.settle(h, res, fp, cb)
}

func (c *Controller) phase(h *Handle, phase string, p pointfetch.Params) (pointfetch.Result, error) {
	if h.ctx.Err() != nil {
		return pointfetch.Result{}, pointfetch.ErrCanceled
	}
	c.logs.Append(h.id, fmt.Sprintf("%s dispatch subject=%s budget=%d cap=%g", phase, p.SubjectID, p.PointBudget, p.Cap))
	started := c.now()
	res, err := c.fetch.Run(h.ctx, p)
	metrics.FetchDurationMs.WithLabelValues(c.domain, phase).Observe(float64(c.now().Sub(started).Milliseconds()))
	switch {
	case err == nil:
		metrics.FetchTotal.WithLabelValues(c.domain, phase, "ok").Inc()
	case pointfetch.IsCanceled(err):
		metrics.FetchTotal.WithLabelValues(c.domain, phase, "canceled").Inc()
	default:
		metrics.FetchTotal.WithLabelValues(c.domain, phase, "error").Inc()
	}
	return res, err
}

func (c *Controller) settle(h *Handle, res pointfetch.Result, p pointfetch.Params, cb Callbacks) {
	frame := Frame{Points: res.Points, Cap: res.Cap, Params: p}
	if !c.deliver(h, Settled, func() {
		if cb.OnFinal != nil {
			cb.OnFinal(frame)
		}
	}) {
		return
	}
	c.logs.Success(h.id, fmt.Sprintf("final %d points cap=%.4g", len(res.Points), res.Cap))
}

func (c *Controller) fail(h *Handle, err error, cb Callbacks) {
	if pointfetch.IsCanceled(err) || h.ctx.Err() != nil {
		h.markAborted()
		c.logs.Discard(h.id)
		return
	}
	if !c.deliver(h, Settled, func() {
		if cb.OnError != nil {
			cb.OnError(errorMessage)
		}
	}) {
		return
	}
	c.logs.FlushError(h.id, err)
}

// deliver runs fn under the handle lock if the handle is still live and moves
// it to next. It reports whether fn ran.
func (c *Controller) deliver(h *Handle, next State, fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Aborted || h.ctx.Err() != nil {
		metrics.StaleSuppressedTotal.WithLabelValues(c.domain).Inc()
		c.logs.Discard(h.id)
		return false
	}
	h.state = next
	fn()
	return true
}

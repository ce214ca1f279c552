package api

import (
	"context"
	"time"
)

// RequestKind separates cheap lookups from large point downloads.
type RequestKind int

const (
	// RequestGeneral covers /estimate, /extent and small /points pages.
	// They still queue per IP so one client cannot flood the store.
	RequestGeneral RequestKind = iota
	// RequestHeavy covers /points with a large max_points. Each one is
	// followed by a cooldown before the same IP may start another.
	RequestHeavy
)

// KindFor classifies a /points request by its budget.
func KindFor(maxPoints, heavyThreshold int) RequestKind {
	if heavyThreshold > 0 && maxPoints > heavyThreshold {
		return RequestHeavy
	}
	return RequestGeneral
}

// RateLimiter serialises requests per client IP. Each IP gets its own
// goroutine that hands out one Permit at a time and exits once the IP has
// nothing queued. An IP still inside its heavy cooldown keeps that deadline
// after its worker exits.
type RateLimiter struct {
	heavyCooldown time.Duration
	requests      chan keyedRequest
	finished      chan finishedRequest
	active        chan chan int
	now           func() time.Time
}

type finishedRequest struct {
	ip        string
	heavyDone time.Time
}

type ipWorker struct {
	requests  chan ipRequest
	pending   int
	heavyDone time.Time
}

type keyedRequest struct {
	ip  string
	req ipRequest
}

type ipRequest struct {
	ctx      context.Context
	kind     RequestKind
	arrived  time.Time
	response chan acquireResponse
}

type acquireResponse struct {
	release      chan struct{}
	waitDuration time.Duration
	err          error
}

// Permit is one acquired slot. Release it when the response is written.
type Permit struct {
	release chan struct{}
	// Waited is how long the request queued, cooldown included.
	Waited time.Duration
}

// Release frees the slot. Extra calls are no-ops.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewRateLimiter starts the dispatcher goroutine.
func NewRateLimiter(heavyCooldown time.Duration) *RateLimiter {
	limiter := &RateLimiter{
		heavyCooldown: heavyCooldown,
		requests:      make(chan keyedRequest),
		finished:      make(chan finishedRequest),
		active:        make(chan chan int),
		now:           time.Now,
	}
	go limiter.loop()
	return limiter
}

// Acquire waits for the IP's slot. A nil limiter admits everything.
func (l *RateLimiter) Acquire(ctx context.Context, ip string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return &Permit{}, nil
	}

	respCh := make(chan acquireResponse, 1)
	req := ipRequest{ctx: ctx, kind: kind, arrived: l.now(), response: respCh}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- keyedRequest{ip: ip, req: req}:
	}

	select {
	case <-ctx.Done():
		// Every queued request gets exactly one reply; free the slot if it
		// arrives after we gave up.
		go func() {
			if resp := <-respCh; resp.release != nil {
				close(resp.release)
			}
		}()
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.err != nil {
			return nil, resp.err
		}
		return &Permit{release: resp.release, Waited: resp.waitDuration}, nil
	}
}

func (l *RateLimiter) loop() {
	workers := make(map[string]*ipWorker)
	cooling := make(map[string]time.Time)
	prune := time.NewTicker(max(l.heavyCooldown, time.Minute))
	defer prune.Stop()

	for {
		select {
		case keyed := <-l.requests:
			w, ok := workers[keyed.ip]
			if !ok {
				w = &ipWorker{requests: make(chan ipRequest), heavyDone: cooling[keyed.ip]}
				delete(cooling, keyed.ip)
				workers[keyed.ip] = w
				go l.runIPWorker(keyed.ip, w.requests, w.heavyDone)
			}
			w.pending++
			// The worker may be busy; hand off without stalling other IPs.
			go func(ip string, ch chan ipRequest, req ipRequest) {
				select {
				case ch <- req:
				case <-req.ctx.Done():
					req.response <- acquireResponse{err: req.ctx.Err()}
					l.finished <- finishedRequest{ip: ip}
				}
			}(keyed.ip, w.requests, keyed.req)

		case done := <-l.finished:
			w := workers[done.ip]
			if done.heavyDone.After(w.heavyDone) {
				w.heavyDone = done.heavyDone
			}
			if w.pending--; w.pending > 0 {
				continue
			}
			if !w.heavyDone.IsZero() && l.now().Before(w.heavyDone.Add(l.heavyCooldown)) {
				cooling[done.ip] = w.heavyDone
			}
			close(w.requests)
			delete(workers, done.ip)

		case now := <-prune.C:
			for ip, heavyDone := range cooling {
				if !now.Before(heavyDone.Add(l.heavyCooldown)) {
					delete(cooling, ip)
				}
			}

		case reply := <-l.active:
			reply <- len(workers)
		}
	}
}

// activeIPs reports how many per-IP workers are running.
func (l *RateLimiter) activeIPs() int {
	reply := make(chan int)
	l.active <- reply
	return <-reply
}

func (l *RateLimiter) runIPWorker(ip string, requests <-chan ipRequest, lastHeavyFinish time.Time) {
	for req := range requests {
		l.serve(req, &lastHeavyFinish)
		l.finished <- finishedRequest{ip: ip, heavyDone: lastHeavyFinish}
	}
}

func (l *RateLimiter) serve(req ipRequest, lastHeavyFinish *time.Time) {
	if err := req.ctx.Err(); err != nil {
		req.response <- acquireResponse{err: err}
		return
	}

	if req.kind == RequestHeavy && !lastHeavyFinish.IsZero() {
		readyAt := lastHeavyFinish.Add(l.heavyCooldown)
		if wait := readyAt.Sub(l.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-req.ctx.Done():
				timer.Stop()
				req.response <- acquireResponse{err: req.ctx.Err()}
				return
			case <-timer.C:
			}
		}
	}

	release := make(chan struct{})
	waited := max(l.now().Sub(req.arrived), 0)
	select {
	case <-req.ctx.Done():
		req.response <- acquireResponse{err: req.ctx.Err()}
		return
	case req.response <- acquireResponse{release: release, waitDuration: waited}:
	}

	// The handler always releases, even after its context ends.
	<-release

	if req.kind == RequestHeavy {
		*lastHeavyFinish = l.now()
	}
}

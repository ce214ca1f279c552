package progressive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"densitymap/pkg/logger"
	"densitymap/pkg/pointfetch"
	"densitymap/pkg/spatial"
)

type reply struct {
	res pointfetch.Result
	err error
}

type call struct {
	params pointfetch.Params
	reply  chan reply
}

// scriptedFetcher hands every request to the test through calls. When
// ignoreCancel is set it keeps waiting for a reply after the context ends,
// like a transport that cannot interrupt bytes already on the wire.
type scriptedFetcher struct {
	calls        chan call
	ignoreCancel bool
}

func newScripted(ignoreCancel bool) *scriptedFetcher {
	return &scriptedFetcher{calls: make(chan call, 16), ignoreCancel: ignoreCancel}
}

func (f *scriptedFetcher) Run(ctx context.Context, p pointfetch.Params) (pointfetch.Result, error) {
	c := call{params: p, reply: make(chan reply, 1)}
	f.calls <- c
	if f.ignoreCancel {
		r := <-c.reply
		return r.res, r.err
	}
	select {
	case r := <-c.reply:
		return r.res, r.err
	case <-ctx.Done():
		return pointfetch.Result{}, pointfetch.ErrCanceled
	}
}

func (f *scriptedFetcher) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch")
	}
	return call{}
}

func (f *scriptedFetcher) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected fetch budget=%d", c.params.PointBudget)
	case <-time.After(20 * time.Millisecond):
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
	frames []Frame
}

func (r *recorder) callbacks(tag string) Callbacks {
	return Callbacks{
		OnIntermediate: func(f Frame) { r.add(tag+":intermediate", f) },
		OnFinal:        func(f Frame) { r.add(tag+":final", f) },
		OnError:        func(msg string) { r.add(tag+":error", Frame{}) },
	}
}

func (r *recorder) add(ev string, f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.frames = append(r.frames, f)
}

func (r *recorder) snapshot() ([]string, []Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]Frame(nil), r.frames...)
}

func points(n int, mag float64) pointfetch.Result {
	pts := make([]spatial.NormalizedPoint, n)
	return pointfetch.Result{Points: pts, Cap: mag, ServerCap: mag}
}

func wait(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run %s did not finish", h.ID())
	}
}

func newController(f Fetcher) *Controller {
	return New(f, Options{Domain: spatial.Population, Logs: logger.New(func(string, ...any) {})})
}

func TestPreviewBudget(t *testing.T) {
	t.Parallel()

	c := newController(newScripted(false))
	cases := []struct {
		full, want int
	}{
		{full: 8000, want: 1200},
		{full: 4000, want: 1000},
		{full: 2500, want: 625},
		{full: 3, want: 0},
		{full: 0, want: 0},
	}
	for _, tc := range cases {
		if got := c.PreviewBudget(tc.full); got != tc.want {
			t.Fatalf("PreviewBudget(%d)=%d want %d", tc.full, got, tc.want)
		}
	}
}

// TestTwoPhaseOrdering runs preview then final and checks the server cap from
// the preview is pinned on the final request.
func TestTwoPhaseOrdering(t *testing.T) {
	t.Parallel()

	f := newScripted(false)
	c := newController(f)
	rec := &recorder{}
	h := c.Start(pointfetch.Params{SubjectID: "s", PointBudget: 8000}, rec.callbacks("a"))

	pc := f.next(t)
	if pc.params.PointBudget != 1200 {
		t.Fatalf("preview budget=%d want 1200", pc.params.PointBudget)
	}
	pc.reply <- reply{res: points(1200, 42)}

	fc := f.next(t)
	if fc.params.PointBudget != 8000 {
		t.Fatalf("final budget=%d want 8000", fc.params.PointBudget)
	}
	if fc.params.Cap != 42 {
		t.Fatalf("final cap=%v want 42 carried from preview", fc.params.Cap)
	}
	fc.reply <- reply{res: points(8000, 42)}
	wait(t, h)

	events, frames := rec.snapshot()
	if fmt.Sprint(events) != "[a:intermediate a:final]" {
		t.Fatalf("events=%v", events)
	}
	if len(frames[0].Points) != 1200 || len(frames[1].Points) != 8000 {
		t.Fatalf("frame sizes %d,%d", len(frames[0].Points), len(frames[1].Points))
	}
	if h.State() != Settled {
		t.Fatalf("state=%v want settled", h.State())
	}
}

func TestExplicitCapWins(t *testing.T) {
	t.Parallel()

	f := newScripted(false)
	c := newController(f)
	h := c.Start(pointfetch.Params{SubjectID: "s", PointBudget: 4000, Cap: 7}, Callbacks{})
	f.next(t).reply <- reply{res: points(10, 42)}
	fc := f.next(t)
	if fc.params.Cap != 7 {
		t.Fatalf("final cap=%v want 7", fc.params.Cap)
	}
	fc.reply <- reply{res: points(10, 7)}
	wait(t, h)
}

// TestSinglePhaseWhenBudgetsCoincide skips the duplicate request for tiny
// budgets and reports the only result as final.
func TestSinglePhaseWhenBudgetsCoincide(t *testing.T) {
	t.Parallel()

	for _, full := range []int{0, 3} {
		f := newScripted(false)
		c := newController(f)
		rec := &recorder{}
		h := c.Start(pointfetch.Params{SubjectID: "s", PointBudget: full}, rec.callbacks("a"))
		call := f.next(t)
		if call.params.PointBudget != full {
			t.Fatalf("budget=%d want %d", call.params.PointBudget, full)
		}
		call.reply <- reply{res: points(2, 1)}
		wait(t, h)
		f.none(t)

		if events, _ := rec.snapshot(); fmt.Sprint(events) != "[a:final]" {
			t.Fatalf("full=%d events=%v", full, events)
		}
	}
}

// TestSupersededRunIsSilent starts a second run while the first preview is in
// flight; the first run's late response must never reach the sink.
func TestSupersededRunIsSilent(t *testing.T) {
	t.Parallel()

	f := newScripted(true)
	c := newController(f)
	rec := &recorder{}

	first := c.Start(pointfetch.Params{SubjectID: "old", PointBudget: 8000}, rec.callbacks("old"))
	oldPreview := f.next(t)

	second := c.Start(pointfetch.Params{SubjectID: "new", PointBudget: 8000}, rec.callbacks("new"))
	if first.State() != Aborted {
		t.Fatalf("first state=%v want aborted", first.State())
	}
	oldPreview.reply <- reply{res: points(1200, 5)}
	wait(t, first)

	newPreview := f.next(t)
	if newPreview.params.SubjectID != "new" {
		t.Fatalf("second run dispatched %q", newPreview.params.SubjectID)
	}
	newPreview.reply <- reply{res: points(1200, 9)}
	f.next(t).reply <- reply{res: points(8000, 9)}
	wait(t, second)
	f.none(t)

	events, _ := rec.snapshot()
	if fmt.Sprint(events) != "[new:intermediate new:final]" {
		t.Fatalf("events=%v", events)
	}
}

func TestErrorSettlesWithoutRetry(t *testing.T) {
	t.Parallel()

	f := newScripted(false)
	c := newController(f)
	rec := &recorder{}
	h := c.Start(pointfetch.Params{SubjectID: "s", PointBudget: 8000}, rec.callbacks("a"))
	f.next(t).reply <- reply{err: &pointfetch.TransportError{Status: 500}}
	wait(t, h)
	f.none(t)

	events, _ := rec.snapshot()
	if fmt.Sprint(events) != "[a:error]" {
		t.Fatalf("events=%v", events)
	}
	if h.State() != Settled {
		t.Fatalf("state=%v want settled", h.State())
	}
}

func TestFinalErrorAfterPreview(t *testing.T) {
	t.Parallel()

	f := newScripted(false)
	c := newController(f)
	rec := &recorder{}
	h := c.Start(pointfetch.Params{SubjectID: "s", PointBudget: 8000}, rec.callbacks("a"))
	f.next(t).reply <- reply{res: points(3, 1)}
	f.next(t).reply <- reply{err: errors.New("connection reset")}
	wait(t, h)

	events, _ := rec.snapshot()
	if fmt.Sprint(events) != "[a:intermediate a:error]" {
		t.Fatalf("events=%v", events)
	}
}

// TestAbortIsNotAnError checks cancellation never reaches OnError.
func TestAbortIsNotAnError(t *testing.T) {
	t.Parallel()

	f := newScripted(false)
	c := newController(f)
	rec := &recorder{}
	h := c.Start(pointfetch.Params{SubjectID: "s", PointBudget: 8000}, rec.callbacks("a"))
	f.next(t)
	c.Abort()
	wait(t, h)
	f.none(t)

	if events, _ := rec.snapshot(); len(events) != 0 {
		t.Fatalf("events=%v want none", events)
	}
	if h.State() != Aborted {
		t.Fatalf("state=%v want aborted", h.State())
	}
}

// TestAbortWaitsForDelivery holds the sink inside OnIntermediate and checks
// Abort does not return until it is done, and that the final never fires.
func TestAbortWaitsForDelivery(t *testing.T) {
	t.Parallel()

	f := newScripted(true)
	c := newController(f)
	entered := make(chan struct{})
	release := make(chan struct{})
	var finals int
	var mu sync.Mutex
	h := c.Start(pointfetch.Params{SubjectID: "s", PointBudget: 8000}, Callbacks{
		OnIntermediate: func(Frame) {
			close(entered)
			<-release
		},
		OnFinal: func(Frame) {
			mu.Lock()
			finals++
			mu.Unlock()
		},
	})
	f.next(t).reply <- reply{res: points(1, 1)}
	<-entered

	aborted := make(chan struct{})
	go func() {
		h.Abort()
		close(aborted)
	}()
	select {
	case <-aborted:
		t.Fatal("Abort returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-aborted
	wait(t, h)

	mu.Lock()
	defer mu.Unlock()
	if finals != 0 {
		t.Fatalf("finals=%d want 0", finals)
	}
}

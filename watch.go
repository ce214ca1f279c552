package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"densitymap/pkg/config"
	"densitymap/pkg/crossstream"
	"densitymap/pkg/estimate"
	"densitymap/pkg/logger"
	"densitymap/pkg/pipeline"
	"densitymap/pkg/pointfetch"
	"densitymap/pkg/progressive"
	"densitymap/pkg/spatial"
	"densitymap/pkg/viewport"
)

const watchFrameTimeout = 2 * time.Minute

// runWatch drives one pipeline against a remote server: an initial run
// racing a sibling estimate, then one viewport event. Frames are logged.
func runWatch(ctx context.Context, cfg *config.Config, baseURL string) error {
	if *watchSubject == "" {
		return errors.New("-subject is required")
	}
	layer, err := spatial.ParseDomain(*watchLayer)
	if err != nil {
		return err
	}
	var bounds *spatial.BBox
	if *watchBBox != "" {
		b, err := spatial.ParseBBox(*watchBBox)
		if err != nil {
			return err
		}
		bounds = &b
	}

	session := pointfetch.NewSession(baseURL, log.Printf)
	hub := crossstream.NewHub()
	tiers := cfg.TiersFor(layer)

	frames := make(chan string, 16)
	emit := func(s string) {
		select {
		case frames <- s:
		default:
		}
	}
	sink := progressive.Callbacks{
		OnIntermediate: func(f progressive.Frame) {
			log.Printf("%s preview: %s points cap=%.4g", layer, humanize.Comma(int64(len(f.Points))), f.Cap)
		},
		OnFinal: func(f progressive.Frame) {
			log.Printf("%s final: %s points cap=%.4g", layer, humanize.Comma(int64(len(f.Points))), f.Cap)
			emit("final")
		},
		OnError: func(msg string) {
			log.Printf("%s error: %s", layer, msg)
			emit("error")
		},
	}

	p := pipeline.New(pipeline.Options{
		Domain:         layer,
		Fetcher:        session,
		Coordinator:    hub.For(*watchSubject),
		Sink:           sink,
		PreviewCeiling: cfg.Preview.Ceiling,
		PreviewDivisor: cfg.Preview.Divisor,
		Viewport:       viewport.Options{Debounce: cfg.Debounce, Tiers: tiers},
		Logs:           logger.Default(),
		Logf:           log.Printf,
	})
	defer p.Close()

	if ext, ok, err := session.Extent(ctx, *watchSubject); err != nil {
		log.Printf("extent %s: %v", *watchSubject, err)
	} else if ok {
		p.SetExtent(*watchSubject, ext)
		log.Printf("extent %s: %s", *watchSubject, ext)
	}

	params := pointfetch.Params{
		SubjectID:     *watchSubject,
		Domain:        layer,
		Year:          *watchYear,
		ParameterCode: *watchParameter,
		PointBudget:   tiers.Budget(*watchZoom),
	}
	if bounds != nil {
		params = params.WithBounds(*bounds)
	}
	p.Enable(params)

	est := estimate.NewClient(baseURL, hub, log.Printf)
	go func() {
		v, err := est.Estimate(ctx, params)
		if err != nil {
			log.Printf("estimate %s: %v", *watchSubject, err)
			return
		}
		log.Printf("estimate %s: %s", *watchSubject, humanize.Commaf(v))
	}()

	if err := waitFrame(ctx, frames, watchFrameTimeout); err != nil {
		return err
	}

	if bounds != nil {
		p.ViewportChanged(viewport.View{Bounds: *bounds, Zoom: *watchZoom})
		// A covered viewport is skipped and never produces a frame.
		if err := waitFrame(ctx, frames, cfg.Debounce+5*time.Second); err != nil {
			log.Printf("viewport event: no new frame (%v)", err)
		}
	}
	logger.Default().Sync()
	return nil
}

func waitFrame(ctx context.Context, frames <-chan string, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("no frame within %s", timeout)
	case kind := <-frames:
		if kind == "error" {
			return errors.New("heatmap data could not be loaded")
		}
		return nil
	}
}

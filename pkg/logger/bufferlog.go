// Package logger keeps a per-run in-memory log buffer.
//
// Detail lines for a pipeline run are buffered while the run is in flight.
// If the run fails the buffer is replayed followed by the error; if it settles
// normally the buffer is dropped and a single summary line is written.
//
// All state lives in one goroutine fed by a command channel, so callers never
// block on each other and no mutex is needed.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actDiscard
	actSync
)

type cmd struct {
	act     action
	runID   string
	message string
	err     error
	when    time.Time
	done    chan struct{}
}

// Buffer owns the per-run buffers for one output sink.
type Buffer struct {
	ch     chan cmd
	printf func(format string, args ...any)
}

// New starts a buffer writing through printf. A nil printf uses log.Printf.
func New(printf func(format string, args ...any)) *Buffer {
	if printf == nil {
		printf = log.Printf
	}
	b := &Buffer{ch: make(chan cmd, 128), printf: printf}
	go b.runloop()
	return b
}

// Begin starts buffering for runID.
func (b *Buffer) Begin(runID string) { b.ch <- cmd{act: actBegin, runID: runID, when: time.Now()} }

// Append adds a detail line. Lines for runs without a buffer go straight out.
func (b *Buffer) Append(runID, msg string) {
	b.ch <- cmd{act: actAppend, runID: runID, message: msg, when: time.Now()}
}

// Success drops the buffer and writes one summary line.
func (b *Buffer) Success(runID, summary string) {
	b.ch <- cmd{act: actSuccess, runID: runID, message: summary, when: time.Now()}
}

// FlushError replays the buffer and then the error.
func (b *Buffer) FlushError(runID string, err error) {
	b.ch <- cmd{act: actFlushErr, runID: runID, err: err, when: time.Now()}
}

// Discard drops the buffer silently. Superseded runs end here.
func (b *Buffer) Discard(runID string) { b.ch <- cmd{act: actDiscard, runID: runID} }

// Sync returns once every command sent before it has been handled.
func (b *Buffer) Sync() {
	done := make(chan struct{})
	b.ch <- cmd{act: actSync, done: done}
	<-done
}

func (b *Buffer) runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range b.ch {
		switch c.act {
		case actBegin:
			buffers[c.runID] = &bytes.Buffer{}

		case actAppend:
			if buf := buffers[c.runID]; buf != nil {
				_, _ = buf.WriteString(c.when.Format("15:04:05.000") + " " + c.message + "\n")
			} else {
				b.printf("%s", c.message)
			}

		case actSuccess:
			b.printf("[%-14s] ✔ %s", c.runID, c.message)
			delete(buffers, c.runID)

		case actFlushErr:
			if buf := buffers[c.runID]; buf != nil {
				lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
				for _, ln := range lines {
					if ln != "" {
						b.printf("%s", ln)
					}
				}
				delete(buffers, c.runID)
			}
			b.printf("[%-14s][ERROR] %v", c.runID, c.err)

		case actDiscard:
			delete(buffers, c.runID)

		case actSync:
			close(c.done)
		}
	}
}

var std = New(nil)

// Default returns the process-wide buffer that writes through log.Printf.
func Default() *Buffer { return std }

// Begin starts buffering for runID on the process-wide buffer.
func Begin(runID string) { std.Begin(runID) }

// Append adds a detail line on the process-wide buffer.
func Append(runID, msg string) { std.Append(runID, msg) }

// Success writes a summary line on the process-wide buffer.
func Success(runID, summary string) { std.Success(runID, summary) }

// FlushError replays runID's buffer on the process-wide buffer.
func FlushError(runID string, err error) { std.FlushError(runID, err) }

// Discard drops runID's buffer on the process-wide buffer.
func Discard(runID string) { std.Discard(runID) }

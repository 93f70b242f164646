// SPDX-License-Identifier: MIT

// Package cursor coalesces high-frequency cursor samples into at most one
// emitted update per window. Intermediate positions are disposable: only
// the newest sample inside a window survives.
package cursor

import (
	"sync"
	"time"

	"github.com/puzzleparty/backplane/internal/metrics"
)

// Sample is one raw cursor position from a client.
type Sample struct {
	X float64
	Y float64
}

// Emit delivers a coalesced sample downstream. Called from the throttle's
// own goroutine, never concurrently.
type Emit func(Sample)

// Throttle is a per-connection latest-wins coalescer.
type Throttle struct {
	in        chan Sample
	window    time.Duration
	emit      Emit
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a throttle emitting at most once per window.
func New(window time.Duration, emit Emit) *Throttle {
	t := &Throttle{
		in:     make(chan Sample, 1),
		window: window,
		emit:   emit,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Offer hands a sample to the throttle without blocking. When the slot is
// occupied the older sample is replaced; the producer never waits.
func (t *Throttle) Offer(s Sample) {
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		select {
		case t.in <- s:
			return
		default:
		}
		select {
		case <-t.in:
			metrics.CursorDroppedTotal.Inc()
		default:
		}
	}
}

// Close stops the throttle and waits for its goroutine. A pending sample
// is flushed so the final position is never lost.
func (t *Throttle) Close() {
	t.closeOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Throttle) run() {
	defer close(t.done)

	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	var pending *Sample
	flush := func() {
		if pending != nil {
			t.emit(*pending)
			metrics.CursorEmittedTotal.Inc()
			pending = nil
		}
	}

	for {
		select {
		case <-t.stop:
			select {
			case s := <-t.in:
				if pending != nil {
					metrics.CursorDroppedTotal.Inc()
				}
				pending = &s
			default:
			}
			flush()
			return
		case s := <-t.in:
			if pending != nil {
				metrics.CursorDroppedTotal.Inc()
			}
			pending = &s
		case <-ticker.C:
			flush()
		}
	}
}

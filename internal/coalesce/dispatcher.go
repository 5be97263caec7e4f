// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package coalesce batches concurrent recommendation requests. Callers
// block on Recommend; a dispatch tick drains the queue, groups waiters
// by customer so each customer is ranked once per tick, and fans the
// result back out.
package coalesce

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/metrics"
	"github.com/finlab/recurate/internal/recommend"
)

// Ranker produces one customer's ranking.
type Ranker interface {
	Recommend(ctx context.Context, custNo string) ([]recommend.ScoredItem, error)
}

// Config holds the dispatch settings.
type Config struct {
	// Interval is the dispatch tick period. Default: 1s
	Interval time.Duration

	// Workers bounds concurrent rankings per tick. Default: 8
	Workers int

	// Rate limits rankings per second across ticks. Zero disables the
	// limiter.
	Rate float64
}

// Result is what a waiter receives from its dispatch.
type result struct {
	items []recommend.ScoredItem
	err   error
}

type waiter struct {
	custNo string
	ctx    context.Context
	reply  chan result
}

// Dispatcher is the coalescing request queue. It implements
// suture.Service; run it under the supervision tree.
type Dispatcher struct {
	cfg     Config
	ranker  Ranker
	limiter *rate.Limiter

	mu    sync.Mutex
	queue []waiter
}

// New creates a dispatcher around the ranker.
func New(cfg Config, ranker Ranker) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 8
	}
	d := &Dispatcher{cfg: cfg, ranker: ranker}
	if cfg.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return d
}

func (d *Dispatcher) String() string { return "coalesce-dispatcher" }

// Serve runs the dispatch loop until the context is cancelled. Pending
// waiters are failed on shutdown so no caller hangs.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	logging.Ctx(ctx).Info().
		Dur("interval", d.cfg.Interval).
		Int("workers", d.cfg.Workers).
		Float64("rate", d.cfg.Rate).
		Msg("coalesce dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.failPending(ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			d.dispatch(ctx)
		}
	}
}

// Recommend enqueues the customer and blocks until the next dispatch
// completes or the caller's context ends. A caller that gives up is
// skipped by the dispatch; its slot costs nothing.
func (d *Dispatcher) Recommend(ctx context.Context, custNo string) ([]recommend.ScoredItem, error) {
	w := waiter{custNo: custNo, ctx: ctx, reply: make(chan result, 1)}

	d.mu.Lock()
	d.queue = append(d.queue, w)
	depth := len(d.queue)
	d.mu.Unlock()
	metrics.CoalesceQueueDepth.Set(float64(depth))

	select {
	case res := <-w.reply:
		return res.items, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch drains the queue and ranks each distinct customer once,
// bounded by the worker count.
func (d *Dispatcher) dispatch(ctx context.Context) {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	metrics.CoalesceBatchSize.Observe(float64(len(batch)))
	metrics.CoalesceQueueDepth.Set(0)
	if len(batch) == 0 {
		return
	}

	groups := make(map[string][]waiter)
	for _, w := range batch {
		groups[w.custNo] = append(groups[w.custNo], w)
	}

	logging.Ctx(ctx).Debug().
		Int("waiters", len(batch)).
		Int("customers", len(groups)).
		Msg("dispatching coalesced batch")

	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup
	for custNo, ws := range groups {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.deliver(ws, result{err: err})
				continue
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(custNo string, ws []waiter) {
			defer func() {
				<-sem
				wg.Done()
			}()

			alive := false
			for _, w := range ws {
				if w.ctx.Err() == nil {
					alive = true
					break
				}
			}
			if !alive {
				return
			}

			items, err := d.ranker.Recommend(ctx, custNo)
			d.deliver(ws, result{items: items, err: err})
		}(custNo, ws)
	}
	wg.Wait()
}

// deliver fans the result out without blocking; a waiter that already
// left keeps its buffered slot unread.
func (d *Dispatcher) deliver(ws []waiter, res result) {
	for _, w := range ws {
		select {
		case w.reply <- res:
		default:
		}
	}
}

// failPending errors out every queued waiter.
func (d *Dispatcher) failPending(err error) {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()
	metrics.CoalesceQueueDepth.Set(0)

	d.deliver(pending, result{err: err})
}

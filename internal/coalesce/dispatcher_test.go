// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package coalesce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlab/recurate/internal/recommend"
)

type countingRanker struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newCountingRanker() *countingRanker {
	return &countingRanker{calls: make(map[string]int)}
}

func (r *countingRanker) Recommend(_ context.Context, custNo string) ([]recommend.ScoredItem, error) {
	r.mu.Lock()
	r.calls[custNo]++
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return []recommend.ScoredItem{{ItemID: "c-" + custNo, Score: 1.0}}, nil
}

func (r *countingRanker) callCount(custNo string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[custNo]
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcherDeliversPerCaller(t *testing.T) {
	ranker := newCountingRanker()
	d := New(Config{Interval: 10 * time.Millisecond, Workers: 4}, ranker)
	startDispatcher(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([][]recommend.ScoredItem, 6)
	errs := make([]error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			custNo := "100001"
			if i%2 == 1 {
				custNo = "100002"
			}
			results[i], errs[i] = d.Recommend(ctx, custNo)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 6; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
		want := "c-100001"
		if i%2 == 1 {
			want = "c-100002"
		}
		assert.Equal(t, want, results[i][0].ItemID)
	}
}

func TestDispatcherCoalescesSameCustomer(t *testing.T) {
	ranker := newCountingRanker()
	// A long interval so every caller lands in the same tick.
	d := New(Config{Interval: 100 * time.Millisecond, Workers: 4}, ranker)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Recommend(ctx, "100001")
		}()
	}
	// Start serving after all callers are queued.
	time.Sleep(20 * time.Millisecond)
	startDispatcher(t, d)
	wg.Wait()

	assert.Equal(t, 1, ranker.callCount("100001"), "one tick ranks each customer once")
}

func TestDispatcherCallerCancellation(t *testing.T) {
	ranker := newCountingRanker()
	d := New(Config{Interval: time.Hour, Workers: 1}, ranker)
	startDispatcher(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Recommend(ctx, "100001")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ranker.callCount("100001"))
}

func TestDispatcherPropagatesRankerError(t *testing.T) {
	ranker := newCountingRanker()
	ranker.err = errors.New("rule contract violation")
	d := New(Config{Interval: 10 * time.Millisecond, Workers: 1}, ranker)
	startDispatcher(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Recommend(ctx, "100001")
	require.Error(t, err)
}

func TestDispatcherShutdownFailsPending(t *testing.T) {
	ranker := newCountingRanker()
	d := New(Config{Interval: time.Hour, Workers: 1}, ranker)

	serveCtx, serveCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Serve(serveCtx)
		close(done)
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Recommend(context.Background(), "100001")
		errCh <- err
	}()

	// Let the waiter enqueue, then shut down.
	time.Sleep(20 * time.Millisecond)
	serveCancel()
	<-done

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending waiter should not hang across shutdown")
	}
}

func TestDispatcherDefaults(t *testing.T) {
	d := New(Config{}, newCountingRanker())
	assert.Equal(t, time.Second, d.cfg.Interval)
	assert.Equal(t, 8, d.cfg.Workers)
	assert.Nil(t, d.limiter)

	d = New(Config{Rate: 10}, newCountingRanker())
	assert.NotNil(t, d.limiter)
}

// Package engine coordinates the measurement pipeline: a bounded pool of
// fetch workers, a deferred retry scheduler, and shared counters the progress
// view and metrics observe.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
	"github.com/SYSNET-LUMS/urlmeter/internal/fetch"
	"github.com/SYSNET-LUMS/urlmeter/internal/ledger"
	"github.com/SYSNET-LUMS/urlmeter/internal/monitoring"
	"github.com/SYSNET-LUMS/urlmeter/internal/retry"
)

const pendingPollInterval = 200 * time.Millisecond

// Options configures a run.
type Options struct {
	Concurrency int
	Limits      retry.Limits

	// RequestsPerSec applies a global polite rate limit before each fetch.
	// Zero disables it.
	RequestsPerSec float64

	// Chunking processes groups in NumChunks shuffled waves, waiting for each
	// wave (including its retries) to finish before starting the next.
	Chunking  bool
	NumChunks int
}

// Counters is the shared run state the reporter and the observability server
// read. Pending counts submitted items that are not yet final, including
// items waiting out a retry delay.
type Counters struct {
	Pending   atomic.Int64
	Completed atomic.Int64
	Total     atomic.Int64
}

// Engine owns the worker pool and drives a work set to completion.
type Engine struct {
	opts      Options
	fetcher   fetch.Fetcher
	ledger    ledger.Ledger
	cache     *ledger.RedisCache // optional, may be nil
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	limiter   *rate.Limiter // nil when unlimited
	completed map[domain.Pair]struct{}

	slots     *SlotManager
	sched     *retry.Scheduler
	counters  Counters
	taskQueue chan domain.WorkItem
	wg        sync.WaitGroup
	runCtx    context.Context
}

// New wires an engine. completed is the resume set: pairs in it are filtered
// out before submission and never fetched.
func New(
	opts Options,
	fetcher fetch.Fetcher,
	led ledger.Ledger,
	cache *ledger.RedisCache,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	completed map[domain.Pair]struct{},
) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.NumChunks < 1 {
		opts.NumChunks = 1
	}
	if completed == nil {
		completed = make(map[domain.Pair]struct{})
	}
	e := &Engine{
		opts:      opts,
		fetcher:   fetcher,
		ledger:    led,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		completed: completed,
		slots:     NewSlotManager(opts.Concurrency),
		sched:     retry.NewScheduler(),
		taskQueue: make(chan domain.WorkItem, opts.Concurrency*2),
	}
	if opts.RequestsPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	return e
}

// Counters exposes the shared run counters to observers.
func (e *Engine) Counters() *Counters {
	return &e.counters
}

// Slots exposes the slot state map to observers.
func (e *Engine) Slots() *SlotManager {
	return e.slots
}

// Run drives the whole work set to completion and returns when every
// submitted item is final or the context is cancelled. On cancellation no new
// work is submitted, in-flight fetches finish naturally, and waiting retries
// are discarded.
func (e *Engine) Run(ctx context.Context, groups []domain.Group) error {
	e.runCtx = ctx

	var total int64
	for _, g := range groups {
		for _, item := range g.Items {
			if _, done := e.completed[item.Pair()]; !done {
				total++
			}
		}
	}
	e.counters.Total.Store(total)

	for i := 0; i < e.opts.Concurrency; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	if e.opts.Chunking {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		waves := PartitionGroups(groups, e.opts.NumChunks, rng)
		for i, wave := range waves {
			if ctx.Err() != nil {
				break
			}
			n := e.submitGroups(ctx, wave)
			if n == 0 {
				e.logger.Info("wave has no remaining work, skipping",
					zap.Int("wave", i+1), zap.Int("waves", len(waves)))
				continue
			}
			e.logger.Info("wave submitted",
				zap.Int("wave", i+1), zap.Int("waves", len(waves)), zap.Int("items", n))
			e.waitPending(ctx)
		}
	} else {
		n := e.submitGroups(ctx, groups)
		e.logger.Info("submitted all initial tasks", zap.Int("items", n))
		e.waitPending(ctx)
	}

	// The scheduler writes into the task queue, so it must stop before the
	// queue closes.
	e.sched.Stop()
	close(e.taskQueue)
	e.wg.Wait()
	return ctx.Err()
}

// submitGroups enqueues every not-yet-completed item, accounting it in the
// pending counter before the queue accepts it. Returns how many were
// submitted.
func (e *Engine) submitGroups(ctx context.Context, groups []domain.Group) int {
	n := 0
	for _, g := range groups {
		for _, item := range g.Items {
			if _, done := e.completed[item.Pair()]; done {
				continue
			}
			if ctx.Err() != nil {
				return n
			}
			e.counters.Pending.Add(1)
			e.metrics.PendingItems.Inc()
			select {
			case e.taskQueue <- item:
				n++
			case <-ctx.Done():
				e.counters.Pending.Add(-1)
				e.metrics.PendingItems.Dec()
				return n
			}
		}
	}
	return n
}

// waitPending blocks until the pending count reaches zero. Both initial
// submissions and retries are accounted there, so a wave is not finished
// while its retries are still outstanding.
func (e *Engine) waitPending(ctx context.Context) {
	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()
	for {
		if e.counters.Pending.Load() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for item := range e.taskQueue {
		if e.runCtx.Err() != nil {
			// Run aborted: queued items are discarded, not processed.
			e.counters.Pending.Add(-1)
			e.metrics.PendingItems.Dec()
			continue
		}
		e.process(item)
	}
}

// process performs one attempt end to end: slot, fetch, decision, ledger row,
// and either completion accounting or a deferred retry. Every exit path
// releases the slot, and a bug while handling one item is contained here as a
// final attempt with a diagnostic note.
func (e *Engine) process(item domain.WorkItem) {
	slot := e.slots.Acquire()
	accounted := false
	defer func() {
		if r := recover(); r != nil {
			note := fmt.Sprintf("worker error: %v", r)
			e.logger.Error("unexpected worker failure",
				zap.String("group", item.GroupID), zap.String("url", item.URL), zap.Any("panic", r))
			e.metrics.ErrorsTotal.WithLabelValues("worker_panic").Inc()
			if !accounted {
				e.finalize(item, domain.CompletionRecord{
					GroupID:  item.GroupID,
					PromptID: item.PromptID,
					Category: item.Category,
					URL:      item.URL,
					IsCited:  item.IsCited,
					Note:     note,
					Attempt:  item.Attempt,
					Final:    true,
				})
			}
		}
		e.slots.Release(slot)
	}()

	e.slots.SetWorking(slot, item.URL)

	if e.limiter != nil {
		if err := e.limiter.Wait(e.runCtx); err != nil {
			// Cancelled while waiting for the rate limiter; the item is
			// abandoned like any other queued work after cancellation.
			accounted = true
			e.counters.Pending.Add(-1)
			e.metrics.PendingItems.Dec()
			return
		}
	}

	e.metrics.InFlight.Inc()
	// The fetch deliberately ignores the run context: on interrupt, in-flight
	// requests finish naturally, bounded by the fetcher's own timeout.
	outcome := e.fetcher.Fetch(context.Background(), item.URL)
	e.metrics.InFlight.Dec()
	e.metrics.ObserveFetch(outcome.StatusCode, outcome.Bytes, outcome.Err != "")

	decision := retry.Decide(outcome, item.Attempt, e.opts.Limits)
	rec := domain.CompletionRecord{
		GroupID:  item.GroupID,
		PromptID: item.PromptID,
		Category: item.Category,
		URL:      item.URL,
		Status:   outcome.StatusCode,
		Bytes:    outcome.Bytes,
		IsCited:  item.IsCited,
		Note:     decision.Note,
		Attempt:  item.Attempt,
		Final:    decision.Final,
	}

	if decision.Final {
		accounted = true
		e.finalize(item, rec)
		return
	}

	e.appendRecord(rec)
	e.logAttempt(rec)
	e.metrics.ObserveRetry(outcome.StatusCode)

	next := item
	next.Attempt++
	// The retry keeps this item's pending token, so the counter cannot reach
	// zero while the retry is waiting out its delay.
	accounted = true
	e.sched.Schedule(decision.Delay, func() {
		select {
		case e.taskQueue <- next:
		case <-e.runCtx.Done():
			e.counters.Pending.Add(-1)
			e.metrics.PendingItems.Dec()
		}
	})
}

// finalize writes the final row and settles the item's counters.
func (e *Engine) finalize(item domain.WorkItem, rec domain.CompletionRecord) {
	e.appendRecord(rec)
	e.logAttempt(rec)
	e.counters.Completed.Add(1)
	e.counters.Pending.Add(-1)
	e.metrics.PendingItems.Dec()

	if e.cache != nil {
		if err := e.cache.MarkCompleted(context.Background(), item.Pair()); err != nil {
			e.logger.Warn("completion cache mark failed",
				zap.String("url", item.URL), zap.Error(err))
		}
	}
}

func (e *Engine) appendRecord(rec domain.CompletionRecord) {
	// Durability must not depend on the run context: rows for naturally
	// finishing fetches are written even after an interrupt.
	if err := e.ledger.Append(context.Background(), rec); err != nil {
		e.logger.Error("ledger append failed",
			zap.String("group", rec.GroupID), zap.String("url", rec.URL), zap.Error(err))
		e.metrics.ErrorsTotal.WithLabelValues("ledger_append").Inc()
	}
}

// logAttempt writes the per-attempt diagnostic line. The message shape is
// load-bearing: resume parses these lines when the ledger is incomplete.
func (e *Engine) logAttempt(rec domain.CompletionRecord) {
	e.logger.Info(fmt.Sprintf(
		"job result: %s :: %s :: attempt=%d status=%d bytes=%d is_cited=%t final=%t note=%s",
		rec.GroupID, rec.URL, rec.Attempt, rec.Status, rec.Bytes, rec.IsCited, rec.Final, rec.Note))
}

// Package livequery mirrors a database query into a reactive list that is
// reloaded whenever a change is announced on one of its topics.
package livequery

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"go.uber.org/zap"
)

// Feed is the subscribe side of the change feed.
type Feed interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan changefeed.Event, func())
}

// Loader runs the query and returns the full result set.
type Loader[T any] func(ctx context.Context) ([]T, error)

// Config describes a live query.
type Config[T any] struct {
	Name    string
	Feed    Feed
	Topics  []string
	Load    Loader[T]
	OnError func(error)
	Logger  *zap.Logger
}

// Query is a running live query. Every successful reload replaces Items
// wholesale; a failed reload keeps the previous list and sets Degraded.
//
// Subscribers of Items and Degraded run on the query goroutine and must not
// call Close synchronously.
type Query[T any] struct {
	name     string
	items    *reactive.Value[[]T]
	degraded *reactive.Value[error]
	load     Loader[T]
	onError  func(error)
	logger   *zap.Logger

	reloadMu   sync.Mutex
	mu         sync.Mutex
	closed     bool
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Start subscribes to the configured topics, performs the initial load and
// keeps reloading until ctx ends or Close is called.
func Start[T any](ctx context.Context, cfg Config[T]) *Query[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queryCtx, cancel := context.WithCancel(ctx)
	q := &Query[T]{
		name:     cfg.Name,
		items:    reactive.NewValue[[]T](nil),
		degraded: reactive.NewValue[error](nil),
		load:     cfg.Load,
		onError:  cfg.OnError,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	stream, unsubscribe := cfg.Feed.Subscribe(queryCtx, cfg.Topics...)
	metrics.LiveQueries.WithLabelValues(q.name).Inc()
	q.reload(queryCtx)

	go func() {
		defer close(q.done)
		defer metrics.LiveQueries.WithLabelValues(q.name).Dec()
		defer unsubscribe()
		for {
			select {
			case <-queryCtx.Done():
				return
			case _, ok := <-stream:
				if !ok {
					return
				}
				q.reload(queryCtx)
			}
		}
	}()
	return q
}

// Items is the live result list.
func (q *Query[T]) Items() *reactive.Value[[]T] {
	return q.items
}

// Degraded holds the most recent load error, or nil once a load succeeds.
func (q *Query[T]) Degraded() *reactive.Value[error] {
	return q.degraded
}

// Refresh reruns the query immediately.
func (q *Query[T]) Refresh(ctx context.Context) {
	q.reload(ctx)
}

// Close stops the query. No further updates are applied after Close returns.
func (q *Query[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.generation++
	q.mu.Unlock()
	q.cancel()
}

// Done is closed once the background goroutine has exited.
func (q *Query[T]) Done() <-chan struct{} {
	return q.done
}

func (q *Query[T]) reload(ctx context.Context) {
	q.reloadMu.Lock()
	defer q.reloadMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	generation := q.generation
	q.mu.Unlock()

	items, err := q.load(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || generation != q.generation {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		q.logger.Warn("live query reload failed", zap.String("query", q.name), zap.Error(err))
		metrics.LiveQueryErrors.WithLabelValues(q.name).Inc()
		q.degraded.Set(err)
		if q.onError != nil {
			q.onError(err)
		}
		return
	}
	if q.degraded.Get() != nil {
		q.degraded.Set(nil)
	}
	q.items.Set(items)
}

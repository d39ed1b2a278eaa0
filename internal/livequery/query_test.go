package livequery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestQueryLoadsInitiallyAndReloadsOnEvent(t *testing.T) {
	feed := changefeed.NewDispatcher()
	var mu sync.Mutex
	source := []string{"a"}

	query := Start(context.Background(), Config[string]{
		Name:   "test",
		Feed:   feed,
		Topics: []string{changefeed.TopicTags},
		Load: func(ctx context.Context) ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), source...), nil
		},
	})
	defer query.Close()

	if got := query.Items().Get(); len(got) != 1 {
		t.Fatalf("expected initial load of 1 item, got %v", got)
	}

	mu.Lock()
	source = []string{"a", "b", "c"}
	mu.Unlock()
	feed.Publish(changefeed.Event{Topic: changefeed.TopicTags, Kind: changefeed.KindCreated})

	waitFor(t, func() bool { return len(query.Items().Get()) == 3 })
}

func TestQueryDiscardsEventsAfterClose(t *testing.T) {
	feed := changefeed.NewDispatcher()
	var loads atomic.Int32

	query := Start(context.Background(), Config[int]{
		Name:   "test",
		Feed:   feed,
		Topics: []string{changefeed.OwnerSnippets("user-1")},
		Load: func(ctx context.Context) ([]int, error) {
			n := loads.Add(1)
			return []int{int(n)}, nil
		},
	})

	var updates atomic.Int32
	unsubscribe := query.Items().Subscribe(func([]int) { updates.Add(1) })
	defer unsubscribe()
	baseline := updates.Load()

	query.Close()
	feed.Publish(changefeed.Event{Topic: changefeed.OwnerSnippets("user-1"), Kind: changefeed.KindUpdated})

	select {
	case <-query.Done():
	case <-time.After(time.Second):
		t.Fatal("expected query goroutine to exit")
	}
	query.Refresh(context.Background())

	if updates.Load() != baseline {
		t.Fatalf("expected no updates after close, got %d more", updates.Load()-baseline)
	}
	if got := query.Items().Get(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected items to stay at initial load, got %v", got)
	}
}

func TestQueryReportsErrorsAndRecovers(t *testing.T) {
	feed := changefeed.NewDispatcher()
	var fail atomic.Bool
	fail.Store(true)
	var reported atomic.Int32

	query := Start(context.Background(), Config[string]{
		Name:   "test",
		Feed:   feed,
		Topics: []string{changefeed.TopicTags},
		Load: func(ctx context.Context) ([]string, error) {
			if fail.Load() {
				return nil, errors.New("database is locked")
			}
			return []string{"ok"}, nil
		},
		OnError: func(error) { reported.Add(1) },
	})
	defer query.Close()

	if query.Degraded().Get() == nil {
		t.Fatal("expected degraded state after failed initial load")
	}
	if reported.Load() != 1 {
		t.Fatalf("expected one reported error, got %d", reported.Load())
	}

	fail.Store(false)
	feed.Publish(changefeed.Event{Topic: changefeed.TopicTags, Kind: changefeed.KindUpdated})

	waitFor(t, func() bool { return query.Degraded().Get() == nil && len(query.Items().Get()) == 1 })
}

package reactive

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestValueSubscribeReceivesCurrentAndUpdates(t *testing.T) {
	value := NewValue(1)
	var seen []int
	unsubscribe := value.Subscribe(func(next int) {
		seen = append(seen, next)
	})

	value.Set(2)
	value.Update(func(current int) int { return current * 10 })
	unsubscribe()
	unsubscribe()
	value.Set(99)

	expected := []int{1, 2, 20}
	if len(seen) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, seen)
	}
	for i := range expected {
		if seen[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, seen)
		}
	}
	if value.Get() != 99 {
		t.Fatalf("expected value 99, got %d", value.Get())
	}
}

func TestDerive2RecomputesFromEitherSource(t *testing.T) {
	words := NewValue([]string{"go", "gin", "zap"})
	prefix := NewValue("")

	filtered, stop := Derive2(words, prefix, func(list []string, p string) []string {
		out := make([]string, 0, len(list))
		for _, word := range list {
			if strings.HasPrefix(word, p) {
				out = append(out, word)
			}
		}
		return out
	})
	defer stop()

	if len(filtered.Get()) != 3 {
		t.Fatalf("expected 3 words, got %v", filtered.Get())
	}
	prefix.Set("g")
	if len(filtered.Get()) != 2 {
		t.Fatalf("expected 2 words, got %v", filtered.Get())
	}
	words.Set([]string{"gorm", "viper"})
	if got := filtered.Get(); len(got) != 1 || got[0] != "gorm" {
		t.Fatalf("expected [gorm], got %v", got)
	}

	stop()
	prefix.Set("v")
	if got := filtered.Get(); len(got) != 1 || got[0] != "gorm" {
		t.Fatalf("expected derived value to stop tracking, got %v", got)
	}
}

func TestDerive2SettlesOnLatestSources(t *testing.T) {
	a := NewValue(0)
	b := NewValue(0)

	var held atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	derived, stop := Derive2(a, b, func(x, y int) [2]int {
		if x == 1 && y == 0 && held.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return [2]int{x, y}
	})
	defer stop()

	aDone := make(chan struct{})
	go func() {
		a.Set(1)
		close(aDone)
	}()
	<-entered

	bDone := make(chan struct{})
	go func() {
		b.Set(1)
		close(bDone)
	}()
	select {
	case <-bDone:
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-aDone
	<-bDone

	if got := derived.Get(); got != [2]int{1, 1} {
		t.Fatalf("derived=%v but sources are a=%d b=%d", got, a.Get(), b.Get())
	}
}

package snippets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Snippet{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type testEnv struct {
	db      *gorm.DB
	feed    *changefeed.Dispatcher
	service *Service
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	db := newTestDatabase(t)
	feed := changefeed.NewDispatcher()
	service, err := NewService(ServiceConfig{
		Database:  db,
		Clock:     newSteppingClock().Now,
		Feed:      feed,
		Hasher:    auth.NewPasswordHasher(bcrypt.MinCost),
		AppOrigin: "https://codevault.example/",
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return testEnv{db: db, feed: feed, service: service}
}

func userContext(id string) context.Context {
	return identity.WithUser(context.Background(), identity.User{
		ID:          id,
		Email:       id + "@example.com",
		DisplayName: strings.ToUpper(id[:1]) + id[1:],
	})
}

func mustCreate(t *testing.T, service *Service, ctx context.Context, draft Draft) Snippet {
	t.Helper()
	snippet, err := service.Create(ctx, draft)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return snippet
}

func sampleDraft(title string, tags ...string) Draft {
	return Draft{
		Title:    title,
		Code:     "fmt.Println(\"" + title + "\")",
		Language: "go",
		Tags:     tags,
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

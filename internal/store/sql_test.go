package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// clock is a settable time source for deterministic timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupTestStore(t *testing.T) (*SQLStore, *clock) {
	t.Helper()

	clk := &clock{t: time.Unix(1_760_000_000, 0)}
	dbPath := filepath.Join(t.TempDir(), "topaibot_test.db")

	s, err := Open(context.Background(), Options{Driver: "sqlite3", DSN: dbPath, MaxOpenConns: 4}, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func TestUpsertContactCreatesAndMergesName(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertContact(ctx, "258841234567", "")
	if err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}

	clk.Advance(time.Minute)
	id2, err := s.UpsertContact(ctx, "258841234567", "Ana")
	if err != nil {
		t.Fatalf("UpsertContact with name: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert returned different ids: %d vs %d", id1, id2)
	}

	clk.Advance(time.Minute)
	if _, err := s.UpsertContact(ctx, "258841234567", "  "); err != nil {
		t.Fatalf("UpsertContact blank name: %v", err)
	}

	c, err := s.GetContact(ctx, "258841234567")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if c.Name != "Ana" {
		t.Errorf("name = %q, blank upsert must not clear it", c.Name)
	}
	if want := clk.Now().Unix(); c.LastInteractionAt.Unix() != want {
		t.Errorf("last interaction = %d, want %d", c.LastInteractionAt.Unix(), want)
	}
	if c.CreatedAt.Unix() != clk.Now().Add(-2*time.Minute).Unix() {
		t.Errorf("created_at moved on upsert: %v", c.CreatedAt)
	}
}

func TestGetContactNotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	if _, err := s.GetContact(context.Background(), "1"); !errors.Is(err, ErrContactNotFound) {
		t.Errorf("err = %v, want ErrContactNotFound", err)
	}
}

func TestAppendInteractionCreatesMissingContact(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.AppendInteraction(ctx, "258840000000", "Olá", "free_text"); err != nil {
		t.Fatalf("AppendInteraction: %v", err)
	}
	if _, err := s.GetContact(ctx, "258840000000"); err != nil {
		t.Fatalf("contact should exist after append: %v", err)
	}

	recent, err := s.RecentInteractions(ctx, "258840000000", 5)
	if err != nil {
		t.Fatalf("RecentInteractions: %v", err)
	}
	if len(recent) != 1 || recent[0].Text != "Olá" || recent[0].Intent != "free_text" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestRecentInteractionsOrderAndLimit(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()
	phone := "258841234567"

	for _, text := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		if err := s.AppendInteraction(ctx, phone, text, ""); err != nil {
			t.Fatalf("AppendInteraction(%s): %v", text, err)
		}
		clk.Advance(10 * time.Second)
	}
	// Same-second records fall back to insertion order.
	if err := s.AppendInteraction(ctx, phone, "m8", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendInteraction(ctx, phone, "m9", ""); err != nil {
		t.Fatal(err)
	}

	recent, err := s.RecentInteractions(ctx, phone, 5)
	if err != nil {
		t.Fatalf("RecentInteractions: %v", err)
	}
	want := []string{"m9", "m8", "m7", "m6", "m5"}
	if len(recent) != len(want) {
		t.Fatalf("got %d records, want %d", len(recent), len(want))
	}
	for i, w := range want {
		if recent[i].Text != w {
			t.Errorf("recent[%d] = %q, want %q", i, recent[i].Text, w)
		}
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].CreatedAt.After(recent[i-1].CreatedAt) {
			t.Errorf("records not descending at %d", i)
		}
	}

	none, err := s.RecentInteractions(ctx, "999", 5)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown contact: %v, %v", none, err)
	}
}

func TestCountInteractionsSince(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()
	phone := "258841234567"

	start := clk.Now()
	for i := 0; i < 3; i++ {
		if err := s.AppendInteraction(ctx, phone, "old", ""); err != nil {
			t.Fatal(err)
		}
	}
	clk.Advance(2 * time.Hour)
	for i := 0; i < 4; i++ {
		if err := s.AppendInteraction(ctx, phone, "new", ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendInteraction(ctx, "111", "other contact", ""); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountInteractionsSince(ctx, phone, clk.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountInteractionsSince: %v", err)
	}
	if n != 4 {
		t.Errorf("count last hour = %d, want 4", n)
	}

	n, err = s.CountInteractionsSince(ctx, phone, start)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("count since start = %d, want 7", n)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s, _ := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestClosedStoreErrorsAreUnavailable(t *testing.T) {
	s, _ := setupTestStore(t)
	s.Close()

	_, err := s.CountInteractionsSince(context.Background(), "1", time.Now())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Op != "count interactions" {
		t.Errorf("err = %#v, want *Error with op", err)
	}
}

func TestConcurrentAppendsRespectPool(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AppendInteraction(ctx, "258841234567", "hi", "")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	if open := s.Stats().OpenConnections; open > 4 {
		t.Errorf("open connections = %d, exceeds ceiling 4", open)
	}
	n, err := s.CountInteractionsSince(ctx, "258841234567", time.Unix(0, 0))
	if err != nil || n != 20 {
		t.Errorf("count = %d, %v; want 20", n, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "mysql"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Options{Driver: "pgx"}); err == nil {
		t.Fatal("expected error for pgx without dsn")
	}
}

func TestRebind(t *testing.T) {
	got := postgresDialect.rebind("SELECT a FROM t WHERE x = ? AND y >= ? LIMIT ?")
	want := "SELECT a FROM t WHERE x = $1 AND y >= $2 LIMIT $3"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	if sqliteDialect.rebind("x = ?") != "x = ?" {
		t.Error("sqlite dialect must not rebind")
	}
}

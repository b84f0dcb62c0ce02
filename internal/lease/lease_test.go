package lease

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE d_polling_lease (
		channel_id TEXT NOT NULL,
		connector_id INTEGER NOT NULL,
		server_id TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		PRIMARY KEY (channel_id, connector_id)
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func TestAcquire_SucceedsWhenUnheld(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := New(db, "srv-a", time.Second)

	h, ok, err := m.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok || h == nil {
		t.Fatalf("Acquire() = (%v, %v), want (handle, true)", h, ok)
	}
}

func TestAcquire_FailsWhileHeldByAnotherServer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := New(db, "srv-a", time.Hour)
	b := New(db, "srv-b", time.Hour)

	if _, ok, err := a.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0}); err != nil || !ok {
		t.Fatalf("Acquire(a): ok=%v err=%v", ok, err)
	}

	h, ok, err := b.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil {
		t.Fatalf("Acquire(b): %v", err)
	}
	if ok || h != nil {
		t.Fatalf("Acquire(b) = (%v, %v), want (nil, false) while srv-a holds an unexpired lease", h, ok)
	}
}

func TestAcquire_SucceedsAfterExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := New(db, "srv-a", time.Millisecond)
	b := New(db, "srv-b", time.Hour)

	if _, ok, err := a.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0}); err != nil || !ok {
		t.Fatalf("Acquire(a): ok=%v err=%v", ok, err)
	}

	time.Sleep(20 * time.Millisecond)

	h, ok, err := b.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil {
		t.Fatalf("Acquire(b): %v", err)
	}
	if !ok || h == nil {
		t.Fatalf("Acquire(b) = (%v, %v), want (handle, true) after srv-a's lease expired", h, ok)
	}
}

func TestRenew_ExtendsExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := New(db, "srv-a", 50*time.Millisecond)

	h, ok, err := m.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	firstExpiry := h.ExpiresAt

	time.Sleep(10 * time.Millisecond)
	renewed, err := m.Renew(ctx, h)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !renewed {
		t.Fatalf("Renew() = false, want true")
	}
	if !h.ExpiresAt.After(firstExpiry) {
		t.Fatalf("ExpiresAt did not advance after Renew")
	}
}

func TestRenew_FailsAfterRelease(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := New(db, "srv-a", time.Hour)

	h, ok, err := m.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	renewed, err := m.Renew(ctx, h)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed {
		t.Fatalf("Renew() = true after Release, want false")
	}
}

func TestRelease_AllowsImmediateReacquireByAnotherServer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := New(db, "srv-a", time.Hour)
	b := New(db, "srv-b", time.Hour)

	h, ok, err := a.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil || !ok {
		t.Fatalf("Acquire(a): ok=%v err=%v", ok, err)
	}
	if err := a.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	h2, ok, err := b.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil {
		t.Fatalf("Acquire(b): %v", err)
	}
	if !ok || h2 == nil {
		t.Fatalf("Acquire(b) = (%v, %v), want (handle, true) immediately after release", h2, ok)
	}
}

func TestStartRenewal_KeepsLeaseAliveAcrossRenewals(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := New(db, "srv-a", 60*time.Millisecond)

	h, ok, err := m.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0})
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	lost := make(chan struct{})
	m.StartRenewal(ctx, h, func() { close(lost) })
	defer m.StopRenewal(h.Key)

	select {
	case <-lost:
		t.Fatalf("onLost fired while lease should still be held")
	case <-time.After(200 * time.Millisecond):
	}

	b := New(db, "srv-b", time.Hour)
	if _, ok, err := b.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0}); err != nil {
		t.Fatalf("Acquire(b): %v", err)
	} else if ok {
		t.Fatalf("Acquire(b) succeeded while srv-a's renewal loop should be keeping the lease alive")
	}
}

func TestChannelsAreIndependentKeys(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := New(db, "srv-a", time.Hour)
	b := New(db, "srv-b", time.Hour)

	if _, ok, err := a.Acquire(ctx, Key{Channel: "c1", ConnectorID: 0}); err != nil || !ok {
		t.Fatalf("Acquire(a, c1): ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.Acquire(ctx, Key{Channel: "c2", ConnectorID: 0}); err != nil || !ok {
		t.Fatalf("Acquire(b, c2): ok=%v err=%v", ok, err)
	}
}

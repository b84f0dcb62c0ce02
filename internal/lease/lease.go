// Package lease implements the Polling Lease Manager (C5): exclusive
// ownership of a polling source connector's poll cycle across cluster
// instances, backed by the d_polling_lease table.
package lease

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ridgelinehealth/bridge/internal/engineerr"
)

// Key identifies a lease: one polling source connector within one channel.
type Key struct {
	Channel     string
	ConnectorID int
}

// Handle is returned by Acquire and must be passed to Renew/Release. It
// carries the lease's expiry so callers can detect loss without a round
// trip.
type Handle struct {
	Key       Key
	ServerID  string
	ExpiresAt time.Time
}

// Manager acquires, renews, and releases polling leases against
// d_polling_lease. One row per Key; acquisition is a conditional upsert
// that only succeeds if the row is unheld, expired, or already held by
// this server.
type Manager struct {
	db       *sql.DB
	serverID string
	ttl      time.Duration

	mu      sync.Mutex
	handles map[Key]*Handle
	cancels map[Key]context.CancelFunc
	done    map[Key]chan struct{}
}

// New constructs a Manager bound to db for the given serverID, with ttl
// applied to every lease it acquires.
func New(db *sql.DB, serverID string, ttl time.Duration) *Manager {
	return &Manager{
		db:       db,
		serverID: serverID,
		ttl:      ttl,
		handles: make(map[Key]*Handle),
		cancels: make(map[Key]context.CancelFunc),
		done:    make(map[Key]chan struct{}),
	}
}

// Acquire attempts to take the lease for key. It succeeds if no row
// exists, the row belongs to this server already, or the existing row's
// expiry has passed. Returns (nil, false, nil) if another server holds an
// unexpired lease.
func (m *Manager) Acquire(ctx context.Context, key Key) (*Handle, bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, engineerr.New(engineerr.KindTransient, "lease.Acquire.begin", err)
	}
	defer tx.Rollback()

	now := time.Now()
	expiry := now.Add(m.ttl)

	// A conditional upsert replaces the old SELECT ... FOR UPDATE-then-branch:
	// postgres and sqlite both support ON CONFLICT DO UPDATE ... WHERE, but
	// neither agrees on row-locking grammar, so the WHERE clause on the
	// conflict action is what does the "unheld or expired" check atomically.
	// When the row exists and is held by someone else with time left, the
	// conflict action's WHERE is false, nothing is updated, and RETURNING
	// yields no row — the same "not acquired, not an error" outcome the old
	// branch returned explicitly.
	var holder string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO d_polling_lease (channel_id, connector_id, server_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, connector_id) DO UPDATE SET
			server_id = $6, acquired_at = $7, expires_at = $8
		WHERE d_polling_lease.server_id = $9 OR d_polling_lease.expires_at < $10
		RETURNING server_id`,
		key.Channel, key.ConnectorID, m.serverID, now, expiry,
		m.serverID, now, expiry,
		m.serverID, now,
	).Scan(&holder)

	switch {
	case err == sql.ErrNoRows:
		// Another server holds an unexpired lease: not acquired, not an error.
		return nil, false, nil
	case err != nil:
		return nil, false, engineerr.New(engineerr.KindTransient, "lease.Acquire.upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, engineerr.New(engineerr.KindTransient, "lease.Acquire.commit", err)
	}

	h := &Handle{Key: key, ServerID: m.serverID, ExpiresAt: expiry}
	m.mu.Lock()
	m.handles[key] = h
	m.mu.Unlock()
	return h, true, nil
}

// Renew extends an already-held lease's expiry by ttl. It fails (without
// error) if the lease has since been taken over by another server — the
// caller must treat this as lease loss (engineerr.KindContention) and
// abandon the in-flight poll cycle.
func (m *Manager) Renew(ctx context.Context, h *Handle) (bool, error) {
	now := time.Now()
	expiry := now.Add(m.ttl)

	res, err := m.db.ExecContext(ctx, `
		UPDATE d_polling_lease SET expires_at = $1
		WHERE channel_id = $2 AND connector_id = $3 AND server_id = $4`,
		expiry, h.Key.Channel, h.Key.ConnectorID, h.ServerID,
	)
	if err != nil {
		return false, engineerr.New(engineerr.KindTransient, "lease.Renew", err).Withf("channel=%s connector=%d", h.Key.Channel, h.Key.ConnectorID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engineerr.New(engineerr.KindTransient, "lease.Renew.rows_affected", err)
	}
	if n == 0 {
		return false, nil
	}
	h.ExpiresAt = expiry
	return true, nil
}

// Release gives up a held lease, clearing the row's ownership so another
// server can acquire it without waiting for expiry.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	m.StopRenewal(h.Key)
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM d_polling_lease WHERE channel_id = $1 AND connector_id = $2 AND server_id = $3`,
		h.Key.Channel, h.Key.ConnectorID, h.ServerID,
	)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "lease.Release", err).Withf("channel=%s connector=%d", h.Key.Channel, h.Key.ConnectorID)
	}
	m.mu.Lock()
	delete(m.handles, h.Key)
	m.mu.Unlock()
	return nil
}

// StartRenewal launches a background goroutine that renews h every
// ttl/3 until StopRenewal is called, ctx is cancelled, or a renewal
// reports lease loss (onLost is invoked exactly once in that case).
func (m *Manager) StartRenewal(ctx context.Context, h *Handle, onLost func()) {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancels[h.Key] = cancel
	m.done[h.Key] = done
	m.mu.Unlock()

	interval := m.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.Renew(renewCtx, h)
				if err != nil || !ok {
					if onLost != nil {
						onLost()
					}
					return
				}
			}
		}
	}()
}

// StopRenewal cancels a running renewal goroutine for key, if any, and
// waits for it to exit.
func (m *Manager) StopRenewal(key Key) {
	m.mu.Lock()
	cancel, ok := m.cancels[key]
	done := m.done[key]
	if ok {
		delete(m.cancels, key)
		delete(m.done, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	<-done
}

// All returns every lease row currently tracked, for diagnostics/health
// reporting.
func (m *Manager) All(ctx context.Context) ([]Handle, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT channel_id, connector_id, server_id, expires_at FROM d_polling_lease`)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "lease.All", err)
	}
	defer rows.Close()

	var out []Handle
	for rows.Next() {
		var h Handle
		if err := rows.Scan(&h.Key.Channel, &h.Key.ConnectorID, &h.ServerID, &h.ExpiresAt); err != nil {
			return nil, engineerr.New(engineerr.KindTransient, "lease.All.scan", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "lease.All.iterate", err)
	}
	return out, nil
}

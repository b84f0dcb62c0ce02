// Package sequence implements the Sequence Allocator (C2): gap-free,
// monotonically increasing per-channel message ids, handed out from
// in-memory blocks that are claimed from the database in batches so that
// steady-state allocation never touches the network.
package sequence

import (
	"context"
	"database/sql"
	"sync"

	"github.com/ridgelinehealth/bridge/internal/engineerr"
)

// block is the in-memory allocation window for one channel: the next id to
// hand out, and the first id past the end of the claimed range.
type block struct {
	next int64
	end  int64 // exclusive
}

// Allocator hands out gap-free sequence ids per channel. One mutex per
// channel id serializes NextID calls for that channel; different channels
// never contend with each other.
type Allocator struct {
	db        *sql.DB
	blockSize int64

	mu     sync.Mutex // guards the locks map itself, not allocation
	locks  map[string]*sync.Mutex
	blocks map[string]*block
}

// New returns an Allocator that claims blocks of blockSize ids at a time.
// blockSize must be >= 1; callers should apply their own configured floor
// before constructing (see internal/tuning's SequenceBlockMinSize).
func New(db *sql.DB, blockSize int64) *Allocator {
	if blockSize < 1 {
		blockSize = 1
	}
	return &Allocator{
		db:        db,
		blockSize: blockSize,
		locks:     make(map[string]*sync.Mutex),
		blocks:    make(map[string]*block),
	}
}

func (a *Allocator) lockFor(channel string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		a.locks[channel] = l
	}
	return l
}

// NextID returns the next sequence id for channel, claiming a new block
// from the database if the current in-memory window is exhausted. The
// channel's mutex is held across the claim's transaction round trip, so
// concurrent callers for the same channel serialize rather than race to
// claim duplicate blocks.
func (a *Allocator) NextID(ctx context.Context, channel string) (int64, error) {
	lock := a.lockFor(channel)
	lock.Lock()
	defer lock.Unlock()

	b, ok := a.blocks[channel]
	if !ok || b.next >= b.end {
		claimed, err := a.claimBlock(ctx, channel)
		if err != nil {
			return 0, err
		}
		b = claimed
		a.blocks[channel] = b
	}

	id := b.next
	b.next++
	return id, nil
}

// claimBlock advances the channel's counter by blockSize inside a
// transaction and records the claim in sequence_blocks for auditability.
// The counter advance is a single upsert that returns the new value
// atomically, so concurrent instances never claim overlapping ranges
// without relying on any backend-specific row-locking clause (postgres
// and sqlite diverge on locking grammar but agree on ON CONFLICT ...
// RETURNING).
func (a *Allocator) claimBlock(ctx context.Context, channel string) (*block, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "sequence.claimBlock", err).Withf("channel=%s", channel)
	}
	defer tx.Rollback()

	var end int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sequence_counters (channel_id, next_value)
		VALUES ($1, $2)
		ON CONFLICT (channel_id) DO UPDATE SET next_value = sequence_counters.next_value + $3
		RETURNING next_value`,
		channel, 1+a.blockSize, a.blockSize,
	).Scan(&end)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "sequence.claimBlock.upsert", err).Withf("channel=%s", channel)
	}

	current := end - a.blockSize
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sequence_blocks (channel_id, start_value, end_value) VALUES ($1, $2, $3)`,
		channel, current, end,
	); err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "sequence.claimBlock.audit", err).Withf("channel=%s", channel)
	}

	if err := tx.Commit(); err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "sequence.claimBlock.commit", err).Withf("channel=%s", channel)
	}

	return &block{next: current, end: end}, nil
}

// Outstanding reports the remaining capacity of the in-memory block for a
// channel, for diagnostics; it returns 0 if no block has been claimed yet.
func (a *Allocator) Outstanding(channel string) int64 {
	lock := a.lockFor(channel)
	lock.Lock()
	defer lock.Unlock()
	b, ok := a.blocks[channel]
	if !ok {
		return 0
	}
	if b.next >= b.end {
		return 0
	}
	return b.end - b.next
}

// Package registry implements the Server Registry & Quorum component (C4):
// register/heartbeat/discover peers against the d_servers table, and
// compute cluster quorum from the rows it sees.
package registry

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/ridgelinehealth/bridge/internal/engineerr"
)

// Status is a server row's lifecycle state.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusShadow  Status = "SHADOW"
)

// Node is one row of the server registry.
type Node struct {
	ServerID      string
	Hostname      string
	Port          int
	APIURL        string
	StartedAt     time.Time
	LastHeartbeat time.Time
	Status        Status
}

// Registry registers this instance, maintains its heartbeat, and answers
// membership/quorum queries against the database-backed d_servers table.
// Modeled on the teacher's ConnectionManager: a background goroutine owns
// the heartbeat ticker, stopped via context cancellation and a WaitGroup.
type Registry struct {
	db       *sql.DB
	serverID string
	hostname string
	port     int
	apiURL   string

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	quorumEnabled     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	lastErr error
}

// Config configures a Registry instance.
type Config struct {
	ServerID          string
	Hostname          string
	Port              int
	APIURL            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	QuorumEnabled     bool
}

// New constructs a Registry bound to db. Register must be called before
// StartHeartbeat.
func New(db *sql.DB, cfg Config) *Registry {
	return &Registry{
		db:                db,
		serverID:          cfg.ServerID,
		hostname:          cfg.Hostname,
		port:              cfg.Port,
		apiURL:            cfg.APIURL,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		quorumEnabled:     cfg.QuorumEnabled,
	}
}

// ServerID returns this instance's own registry identity.
func (r *Registry) ServerID() string {
	return r.serverID
}

// Register idempotently upserts this server's row. Repeated calls only
// update last_heartbeat and status, matching the round-trip property that register
// is idempotent.
func (r *Registry) Register(ctx context.Context, status Status) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO d_servers (server_id, hostname, port, api_url, started_at, last_heartbeat, status)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (server_id) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			status = EXCLUDED.status`,
		r.serverID, r.hostname, r.port, r.apiURL, now, string(status),
	)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "registry.Register", err).Withf("server=%s", r.serverID)
	}
	return nil
}

// Deregister sets this server's status to OFFLINE.
func (r *Registry) Deregister(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE d_servers SET status = $1 WHERE server_id = $2`, string(StatusOffline), r.serverID)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "registry.Deregister", err).Withf("server=%s", r.serverID)
	}
	return nil
}

// StartHeartbeat launches a background goroutine that touches
// last_heartbeat every heartbeatInterval until StopHeartbeat is called
// or ctx is cancelled.
func (r *Registry) StartHeartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.touch(hbCtx); err != nil {
					r.mu.Lock()
					r.lastErr = err
					r.mu.Unlock()
				}
			}
		}
	}()
}

// StopHeartbeat cancels the background ticker and waits for it to exit.
func (r *Registry) StopHeartbeat() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) touch(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE d_servers SET last_heartbeat = $1 WHERE server_id = $2`, time.Now(), r.serverID)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "registry.touch", err).Withf("server=%s", r.serverID)
	}
	return nil
}

// LastHeartbeatError returns the most recent heartbeat error, if any, for
// health reporting.
func (r *Registry) LastHeartbeatError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Nodes returns every row in the registry.
func (r *Registry) Nodes(ctx context.Context) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT server_id, hostname, port, api_url, started_at, last_heartbeat, status FROM d_servers`)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "registry.Nodes", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var status string
		if err := rows.Scan(&n.ServerID, &n.Hostname, &n.Port, &n.APIURL, &n.StartedAt, &n.LastHeartbeat, &status); err != nil {
			return nil, engineerr.New(engineerr.KindTransient, "registry.Nodes.scan", err)
		}
		n.Status = Status(status)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "registry.Nodes.iterate", err)
	}
	return nodes, nil
}

// IsAlive reports whether id is ONLINE with a heartbeat inside
// heartbeatTimeout.
func (r *Registry) IsAlive(ctx context.Context, id string) (bool, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.ServerID == id {
			return n.Status == StatusOnline && time.Since(n.LastHeartbeat) <= r.heartbeatTimeout, nil
		}
	}
	return false, nil
}

// OfflineNodes returns nodes whose status is ONLINE but whose heartbeat has
// expired — candidates for reaping.
func (r *Registry) OfflineNodes(ctx context.Context) ([]Node, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	var stale []Node
	for _, n := range nodes {
		if n.Status == StatusOnline && time.Since(n.LastHeartbeat) > r.heartbeatTimeout {
			stale = append(stale, n)
		}
	}
	return stale, nil
}

// Quorum is the result of a quorum computation: total voting members,
// alive members, the minimum required for quorum, and whether it holds.
type Quorum struct {
	Total       int
	Alive       int
	MinRequired int
	HasQuorum   bool
}

// ComputeQuorum counts ONLINE+SHADOW rows as total voting members and
// ONLINE-with-fresh-heartbeat rows as alive, per spec: minRequired =
// ceil(total/2). When quorum enforcement is disabled, HasQuorum is always
// true regardless of the count — single-instance deployments always
// satisfy quorum.
func (r *Registry) ComputeQuorum(ctx context.Context) (Quorum, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return Quorum{}, err
	}

	var total, alive int
	for _, n := range nodes {
		if n.Status == StatusOnline || n.Status == StatusShadow {
			total++
		}
		if n.Status == StatusOnline && time.Since(n.LastHeartbeat) <= r.heartbeatTimeout {
			alive++
		}
	}
	minRequired := int(math.Ceil(float64(total) / 2))

	q := Quorum{Total: total, Alive: alive, MinRequired: minRequired}
	if !r.quorumEnabled {
		q.HasQuorum = true
		return q, nil
	}
	q.HasQuorum = alive >= minRequired
	return q, nil
}

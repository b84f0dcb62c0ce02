// Package health implements Health & Shutdown (C10): the three liveness/
// readiness/startup signals spec.md §4.10 describes, the per-channel status
// endpoint, and the shutdown sequencing that flips readiness before
// deregistering from the cluster and draining in-flight work. Extends the
// teacher's health.Server pattern (one net/http mux, JSON responses) with
// the extra signals this domain's load balancer needs.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ridgelinehealth/bridge/internal/engine"
	"github.com/ridgelinehealth/bridge/internal/registry"
	"github.com/ridgelinehealth/bridge/internal/runtime"
	"github.com/ridgelinehealth/bridge/pkg/report"
)

// Server serves the three health signals plus per-channel status, and
// drives the shutdown sequence.
type Server struct {
	engine   *engine.Controller
	registry *registry.Registry
	addr     string
	startup  atomic.Bool
	shutting atomic.Bool
}

// NewServer constructs a Server. reg may be nil for a single-instance
// deployment with cluster coexistence disabled, in which case readiness
// never blocks on quorum and shutdown skips deregistration.
func NewServer(eng *engine.Controller, reg *registry.Registry, port int) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{
		engine:   eng,
		registry: reg,
		addr:     fmt.Sprintf(":%d", port),
	}
}

// MarkStartupComplete declares the initial deploy-set has reached STARTED
// (or startup is otherwise explicitly complete), flipping the startup
// signal positive.
func (s *Server) MarkStartupComplete() {
	s.startup.Store(true)
}

// Start begins serving the health endpoints. Blocking; run in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleReadiness)
	mux.HandleFunc("GET /api/health/live", s.handleLiveness)
	mux.HandleFunc("GET /api/health/startup", s.handleStartup)
	mux.HandleFunc("GET /api/health/channels/{id}", s.handleChannel)
	mux.HandleFunc("GET /api/health/digest", s.handleDigest)

	slog.Info("starting health server", "address", s.addr)
	return http.ListenAndServe(s.addr, mux)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	if !s.startup.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"startupComplete": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"startupComplete": true})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.startup.Load() || s.shutting.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":        false,
			"startup":      s.startup.Load(),
			"shuttingDown": s.shutting.Load(),
		})
		return
	}

	hasQuorum := true
	var quorum registry.Quorum
	if s.registry != nil {
		var err error
		quorum, err = s.registry.ComputeQuorum(r.Context())
		if err != nil {
			slog.Error("readiness check: quorum computation failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		hasQuorum = quorum.HasQuorum
	}

	status := http.StatusOK
	if !hasQuorum {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  hasQuorum,
		"quorum": quorum,
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch, ok := s.engine.GetDeployedChannel(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not deployed", "channelId": id})
		return
	}

	state := ch.State.Current()
	status := http.StatusOK
	if state != runtime.StateStarted {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"channelId": id, "state": string(state)})
}

// handleDigest serves the operator digest from pkg/report: cluster
// membership/quorum, per-channel statistics, and current state. Rendered
// as HTML when ?format=html is given, Markdown otherwise.
func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	digest := report.Digest{
		GeneratedAt: time.Now(),
	}

	if s.registry != nil {
		nodes, err := s.registry.Nodes(ctx)
		if err != nil {
			slog.Error("digest: failed to list registry nodes", "error", err)
		}
		for _, n := range nodes {
			digest.ServerID = s.registry.ServerID()
			digest.Nodes = append(digest.Nodes, report.NodeSummary{
				ServerID:      n.ServerID,
				Status:        string(n.Status),
				LastHeartbeat: n.LastHeartbeat,
			})
		}
		if quorum, err := s.registry.ComputeQuorum(ctx); err == nil {
			digest.Quorum = report.QuorumSummary{
				Total:       quorum.Total,
				Alive:       quorum.Alive,
				MinRequired: quorum.MinRequired,
				HasQuorum:   quorum.HasQuorum,
			}
		} else {
			slog.Error("digest: failed to compute quorum", "error", err)
		}
	}

	for _, id := range s.engine.DeployedChannelIDs() {
		ch, ok := s.engine.GetDeployedChannel(id)
		if !ok {
			continue
		}
		stat := report.ChannelStat{ChannelID: id, State: string(ch.State.Current())}
		if st, err := s.engine.Store().StatsForChannel(ctx, id); err == nil {
			stat.Received, stat.Queued, stat.Sent, stat.Filtered, stat.Errored = st.Received, st.Queued, st.Sent, st.Filtered, st.Errored
		} else {
			slog.Error("digest: failed to load channel stats", "channel", id, "error", err)
		}
		digest.Channels = append(digest.Channels, stat)
	}

	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, digest.RenderHTML())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, digest.Markdown())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(body); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

// Shutdown runs the spec's shutdown sequence: readiness flips negative
// immediately (handleReadiness checks s.shutting first), then the instance
// deregisters from the cluster and the heartbeat is stopped after that
// attempt (a failed deregistration is logged and the heartbeat still stops),
// then every deployed channel is stopped, bounded by drainTimeout.
func (s *Server) Shutdown(ctx context.Context, drainTimeout time.Duration) {
	s.shutting.Store(true)
	slog.Info("shutdown: readiness now negative")

	if s.registry != nil {
		deregCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.registry.Deregister(deregCtx); err != nil {
			slog.Error("shutdown: deregister failed", "error", err)
		}
		cancel()
		s.registry.StopHeartbeat()
		slog.Info("shutdown: deregistered from cluster, heartbeat stopped")
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.engine.StopAll(drainCtx)
		close(done)
	}()
	select {
	case <-done:
		slog.Info("shutdown: all channels stopped")
	case <-drainCtx.Done():
		slog.Warn("shutdown: drain timeout elapsed with channels still stopping")
	}
}

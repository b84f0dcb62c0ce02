// Package dispatch implements the Channel Registry & Remote Dispatcher
// (C6): which server in the cluster a channel is deployed on, and posting
// a message to that peer's internal dispatch endpoint when a message
// arrives on this server for a channel deployed elsewhere.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ridgelinehealth/bridge/internal/engineerr"
	"github.com/ridgelinehealth/bridge/internal/tuning"
	"github.com/ridgelinehealth/bridge/internal/varmap"
)

// Deployment records which server a channel is currently deployed on.
type Deployment struct {
	ChannelID string
	ServerID  string
	APIURL    string
}

// Registry tracks (channel, server) deployment assignments in memory,
// refreshed by the engine controller on every deploy/undeploy. Modeled on
// the teacher's ClusterConnection registry: a guard-mutex over a plain map,
// no persistence of its own (the source of truth is d_servers plus each
// server's own deployed-channel set, reconciled by the caller).
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]Deployment
}

// NewRegistry constructs an empty deployment registry.
func NewRegistry() *Registry {
	return &Registry{deployments: make(map[string]Deployment)}
}

// Set records that channelID is deployed on the given server.
func (r *Registry) Set(d Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[d.ChannelID] = d
}

// Remove clears a channel's deployment record (on undeploy).
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deployments, channelID)
}

// Lookup returns the deployment record for channelID, if any.
func (r *Registry) Lookup(channelID string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[channelID]
	return d, ok
}

// DispatchRequest is the body posted to a peer's internal dispatch
// endpoint: POST /api/internal/dispatch.
type DispatchRequest struct {
	ChannelID string     `json:"channelId"`
	RawData   string     `json:"rawData"`
	SourceMap varmap.Map `json:"sourceMap,omitempty"`
}

// DispatchResponse is the success body returned by the peer.
type DispatchResponse struct {
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
}

// Dispatcher posts raw messages to the peer server that owns a channel's
// deployment, authenticating with the shared cluster secret header.
type Dispatcher struct {
	client *http.Client
	secret string
}

// New builds a Dispatcher whose pooled *http.Transport is sized from the
// supplied HTTP tuning knobs, mirroring the teacher's ConnectionManager's
// shared transport across all peer connections.
func New(cfg tuning.HTTPTuning, secret string) *Dispatcher {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.IdleConnTimeoutSeconds) * time.Second,
	}
	return &Dispatcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.DispatchTimeoutSeconds) * time.Second,
		},
		secret: secret,
	}
}

// Dispatch posts rawData (with its source map) to peer's internal dispatch
// endpoint. A 403 response is surfaced as engineerr.KindAuth (the peer
// rejected the cluster secret); any other non-200 or transport failure is
// engineerr.KindTransient, retryable by the destination queue.
func (d *Dispatcher) Dispatch(ctx context.Context, peer Deployment, rawData string, sourceMap varmap.Map) (*DispatchResponse, error) {
	reqBody := DispatchRequest{ChannelID: peer.ChannelID, RawData: rawData, SourceMap: sourceMap}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, engineerr.New(engineerr.KindSend, "dispatch.Dispatch.marshal", err)
	}

	url := fmt.Sprintf("%s/api/internal/dispatch", peer.APIURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, engineerr.New(engineerr.KindSend, "dispatch.Dispatch.new_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cluster-Secret", d.secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "dispatch.Dispatch.do", err).Withf("peer=%s channel=%s", peer.ServerID, peer.ChannelID)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var out DispatchResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, engineerr.New(engineerr.KindTransient, "dispatch.Dispatch.unmarshal", err)
		}
		return &out, nil
	case http.StatusForbidden:
		return nil, engineerr.New(engineerr.KindAuth, "dispatch.Dispatch", fmt.Errorf("peer rejected cluster secret")).Withf("peer=%s status=%d body=%s", peer.ServerID, resp.StatusCode, body)
	default:
		return nil, engineerr.New(engineerr.KindTransient, "dispatch.Dispatch", fmt.Errorf("unexpected status")).Withf("peer=%s status=%d body=%s", peer.ServerID, resp.StatusCode, body)
	}
}

// Guard validates the X-Cluster-Secret header on an inbound internal
// dispatch request, for use by the HTTP handler that implements the peer
// side of POST /api/internal/dispatch.
func Guard(secret string, got string) error {
	if got == "" || got != secret {
		return engineerr.New(engineerr.KindAuth, "dispatch.Guard", fmt.Errorf("missing or invalid cluster secret"))
	}
	return nil
}

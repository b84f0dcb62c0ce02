// Package engine implements the Engine Controller (C9): the top-level
// Deploy/Undeploy/Start/Stop/Pause/Resume surface that owns every deployed
// channel's runtime state, its destination worker goroutines, and the
// routing decision between processing a message locally and relaying it to
// the instance that owns the channel. Construction and orchestration style
// mirrors the teacher's top-level `main.go` wiring (build config, build
// registries, wire them together, run), packaged as a reusable type.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ridgelinehealth/bridge/internal/dispatch"
	"github.com/ridgelinehealth/bridge/internal/engineerr"
	"github.com/ridgelinehealth/bridge/internal/mode"
	"github.com/ridgelinehealth/bridge/internal/runtime"
	"github.com/ridgelinehealth/bridge/internal/sequence"
	"github.com/ridgelinehealth/bridge/internal/store"
	"github.com/ridgelinehealth/bridge/internal/tuning"
	"github.com/ridgelinehealth/bridge/internal/varmap"
)

// ChannelSpec is everything the controller needs to deploy one channel: its
// scripts, destinations, and an optional source connector to run locally.
// A peer instance that only relays ingest to the owning server never
// supplies SourceConnector.
type ChannelSpec struct {
	ID                   string
	Preprocessor         runtime.Script
	Postprocessor        runtime.Script
	SourceFilter         runtime.Script
	SourceTransformer    runtime.Script
	DestinationSetFilter func(vars varmap.Map, destinations []runtime.DestinationConfig) []runtime.DestinationConfig
	AttachmentHandler    runtime.AttachmentHandler
	AutoResponder        runtime.AutoResponder
	ResponseSelector     runtime.ResponseSelection
	Destinations         []runtime.DestinationConfig
	SourceConnector      runtime.SourceConnector

	// DestinationWorkers is the number of poll/process goroutines run per
	// destination queue; 0 defaults to 1.
	DestinationWorkers int
}

type deployedChannel struct {
	spec    ChannelSpec
	channel *runtime.Channel
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Controller owns every deployed channel on this instance.
type Controller struct {
	store      store.Store
	sequence   *sequence.Allocator
	dispatcher *dispatch.Dispatcher
	deployment *dispatch.Registry
	mode       *mode.Controller
	serverID   string
	apiURL     string
	tuning     *tuning.Config
	encryption store.EncryptionBoundary

	mu       sync.RWMutex
	channels map[string]*deployedChannel
}

// Config gathers the collaborators the controller is built from.
type Config struct {
	Store      store.Store
	Sequence   *sequence.Allocator
	Dispatcher *dispatch.Dispatcher
	Deployment *dispatch.Registry
	Mode       *mode.Controller
	ServerID   string
	APIURL     string
	Tuning     *tuning.Config

	// Encryption is the content encryption boundary (pkg/crypto.Boundary
	// in production). Nil disables encryption, matching an unset
	// MIRTH_CLUSTER_SECRET.
	Encryption store.EncryptionBoundary
}

// New constructs a Controller. Mode and Deployment may be nil for a
// single-instance deployment with cluster coexistence disabled.
func New(cfg Config) *Controller {
	return &Controller{
		store:      cfg.Store,
		sequence:   cfg.Sequence,
		dispatcher: cfg.Dispatcher,
		deployment: cfg.Deployment,
		mode:       cfg.Mode,
		serverID:   cfg.ServerID,
		apiURL:     cfg.APIURL,
		tuning:     cfg.Tuning,
		encryption: cfg.Encryption,
		channels:   make(map[string]*deployedChannel),
	}
}

// Deploy registers spec's channel in UNDEPLOYED->STOPPED, building its
// runtime.Channel and destination queues. Deploying an already-deployed
// channel ID replaces its spec only if the existing channel is stopped.
func (c *Controller) Deploy(ctx context.Context, spec ChannelSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.channels[spec.ID]; ok {
		if existing.channel.State.Current() != runtime.StateStopped && existing.channel.State.Current() != runtime.StateUndeployed {
			return engineerr.New(engineerr.KindConfig, "engine.Deploy", fmt.Errorf("channel %s must be stopped before redeploy", spec.ID))
		}
	}

	for i := range spec.Destinations {
		d := &spec.Destinations[i]
		if d.Queue == nil {
			capacity := 100
			if c.tuning != nil {
				capacity = c.tuning.Queue.DestinationBufferSize
			}
			d.Queue = runtime.NewQueue(capacity, nil)
		}
	}

	ch := &runtime.Channel{
		ID:                   spec.ID,
		State:                runtime.NewStateMachine(),
		Preprocessor:         spec.Preprocessor,
		Postprocessor:        spec.Postprocessor,
		SourceFilter:         spec.SourceFilter,
		SourceTransformer:    spec.SourceTransformer,
		DestinationSetFilter: spec.DestinationSetFilter,
		AttachmentHandler:    spec.AttachmentHandler,
		AutoResponder:        spec.AutoResponder,
		ResponseSelector:     spec.ResponseSelector,
		Destinations:         spec.Destinations,
		Store:                c.store,
		Sequence:             c.sequence,
		ServerID:             c.serverID,
		Encryption:           c.encryption,
	}
	if err := ch.State.Transition(runtime.StateStopped); err != nil {
		return err
	}

	c.channels[spec.ID] = &deployedChannel{spec: spec, channel: ch}
	if c.deployment != nil && c.apiURL != "" {
		c.deployment.Set(dispatch.Deployment{ChannelID: spec.ID, ServerID: c.serverID, APIURL: c.apiURL})
	}
	slog.Info("channel deployed", "channel", spec.ID, "destinations", len(spec.Destinations))
	return nil
}

// Undeploy removes channelID's deployment. The channel must be STOPPED or
// UNDEPLOYED; callers must Stop it first.
func (c *Controller) Undeploy(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dc, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	state := dc.channel.State.Current()
	if state != runtime.StateStopped && state != runtime.StateUndeployed {
		return engineerr.New(engineerr.KindConfig, "engine.Undeploy", fmt.Errorf("channel %s must be stopped before undeploy, is %s", channelID, state))
	}
	if err := dc.channel.State.Transition(runtime.StateUndeployed); err != nil {
		return err
	}
	delete(c.channels, channelID)
	if c.deployment != nil {
		c.deployment.Remove(channelID)
	}
	slog.Info("channel undeployed", "channel", channelID)
	return nil
}

// Start moves channelID from STOPPED to STARTED, starting its destination
// worker goroutines and its source connector if one was supplied. Starting
// an already-started channel is a no-op.
func (c *Controller) Start(ctx context.Context, channelID string) error {
	c.mu.Lock()
	dc, ok := c.channels[channelID]
	c.mu.Unlock()
	if !ok {
		return engineerr.New(engineerr.KindConfig, "engine.Start", fmt.Errorf("channel %s not deployed", channelID))
	}

	if dc.channel.State.Current() == runtime.StateStarted {
		return nil
	}
	if err := dc.channel.State.Transition(runtime.StateStarting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	dc.cancel = cancel

	workers := dc.spec.DestinationWorkers
	if workers <= 0 {
		workers = 1
	}
	pollTimeout := 5 * time.Second
	if c.tuning != nil && c.tuning.Queue.CheckoutTimeoutSeconds > 0 {
		pollTimeout = time.Duration(c.tuning.Queue.CheckoutTimeoutSeconds) * time.Second
	}

	for i := range dc.channel.Destinations {
		d := &dc.channel.Destinations[i]
		if !d.Enabled || d.Queue == nil {
			continue
		}
		for w := 0; w < workers; w++ {
			dc.wg.Add(1)
			go c.runDestinationWorker(runCtx, &dc.wg, dc.channel, d, pollTimeout)
		}
	}

	if dc.spec.SourceConnector != nil {
		if err := dc.spec.SourceConnector.Start(runCtx); err != nil {
			cancel()
			dc.channel.State.Transition(runtime.StateStopping)
			dc.channel.State.Transition(runtime.StateStopped)
			return engineerr.New(engineerr.KindTransient, "engine.Start.sourceConnector", err)
		}
	}

	if err := dc.channel.State.Transition(runtime.StateStarted); err != nil {
		return err
	}
	slog.Info("channel started", "channel", channelID)
	return nil
}

// runDestinationWorker is the per-destination poll/process loop, tracked by
// the channel's WaitGroup and cancelled by the channel's context, matching
// the teacher's runConnection/wg.Add/wg.Done fan-out shape.
func (c *Controller) runDestinationWorker(ctx context.Context, wg *sync.WaitGroup, ch *runtime.Channel, d *runtime.DestinationConfig, pollTimeout time.Duration) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		item, ok := d.Queue.PollWithTimeout(ctx, pollTimeout)
		if !ok {
			continue
		}
		if err := ch.ProcessDestinationItem(ctx, d, item); err != nil {
			slog.Error("destination item processing failed", "channel", ch.ID, "destination", d.Name, "error", err)
		}
	}
}

// Stop moves channelID to STOPPED, cancelling its worker context, waiting
// for in-flight workers to finish, stopping its destination queues, and
// stopping its source connector. Stopping an already-stopped channel is a
// no-op.
func (c *Controller) Stop(ctx context.Context, channelID string) error {
	c.mu.Lock()
	dc, ok := c.channels[channelID]
	c.mu.Unlock()
	if !ok {
		return engineerr.New(engineerr.KindConfig, "engine.Stop", fmt.Errorf("channel %s not deployed", channelID))
	}

	state := dc.channel.State.Current()
	if state == runtime.StateStopped || state == runtime.StateUndeployed {
		return nil
	}
	if err := dc.channel.State.Transition(runtime.StateStopping); err != nil {
		return err
	}

	if dc.cancel != nil {
		dc.cancel()
	}
	dc.wg.Wait()
	for i := range dc.channel.Destinations {
		if q := dc.channel.Destinations[i].Queue; q != nil {
			q.Stop()
		}
	}
	if dc.spec.SourceConnector != nil {
		if err := dc.spec.SourceConnector.Stop(ctx); err != nil {
			slog.Error("source connector stop failed", "channel", channelID, "error", err)
		}
	}

	if err := dc.channel.State.Transition(runtime.StateStopped); err != nil {
		return err
	}
	slog.Info("channel stopped", "channel", channelID)
	return nil
}

// Pause moves a STARTED channel to PAUSED, pausing its source connector
// (destination workers keep draining already-queued work).
func (c *Controller) Pause(ctx context.Context, channelID string) error {
	dc, err := c.lookup(channelID)
	if err != nil {
		return err
	}
	if dc.channel.State.Current() == runtime.StatePaused {
		return nil
	}
	if err := dc.channel.State.Transition(runtime.StatePausing); err != nil {
		return err
	}
	if dc.spec.SourceConnector != nil {
		if err := dc.spec.SourceConnector.Pause(ctx); err != nil {
			return engineerr.New(engineerr.KindTransient, "engine.Pause.sourceConnector", err)
		}
	}
	if err := dc.channel.State.Transition(runtime.StatePaused); err != nil {
		return err
	}
	slog.Info("channel paused", "channel", channelID)
	return nil
}

// Resume moves a PAUSED channel back to STARTED, resuming its source
// connector.
func (c *Controller) Resume(ctx context.Context, channelID string) error {
	dc, err := c.lookup(channelID)
	if err != nil {
		return err
	}
	if dc.channel.State.Current() == runtime.StateStarted {
		return nil
	}
	if err := dc.channel.State.Transition(runtime.StateResuming); err != nil {
		return err
	}
	if dc.spec.SourceConnector != nil {
		if err := dc.spec.SourceConnector.Resume(ctx); err != nil {
			return engineerr.New(engineerr.KindTransient, "engine.Resume.sourceConnector", err)
		}
	}
	if err := dc.channel.State.Transition(runtime.StateStarted); err != nil {
		return err
	}
	slog.Info("channel resumed", "channel", channelID)
	return nil
}

// DispatchRawMessage routes raw into channelID's pipeline: processed
// locally when this instance owns (or is not coexistence-gated for) the
// channel, otherwise relayed to the owning peer via the remote dispatcher.
// Mirrors spec.md's requirement that source connectors and the remote
// dispatch endpoint share one entry point into the pipeline.
func (c *Controller) DispatchRawMessage(ctx context.Context, channelID string, raw []byte, sourceMap varmap.Map) (*runtime.DispatchResult, error) {
	dc, err := c.lookup(channelID)
	if err == nil {
		state := dc.channel.State.Current()
		if state != runtime.StateStarted {
			return nil, engineerr.New(engineerr.KindValidation, "engine.DispatchRawMessage", fmt.Errorf("channel %s is not started (state=%s)", channelID, state))
		}
		return dc.channel.ProcessRawMessage(ctx, raw, sourceMap)
	}

	if c.deployment == nil || c.dispatcher == nil {
		return nil, engineerr.New(engineerr.KindConfig, "engine.DispatchRawMessage", fmt.Errorf("channel %s not deployed locally and no remote dispatcher configured", channelID))
	}
	peer, found := c.deployment.Lookup(channelID)
	if !found {
		return nil, engineerr.New(engineerr.KindConfig, "engine.DispatchRawMessage", fmt.Errorf("channel %s not deployed on any known instance", channelID))
	}
	resp, err := c.dispatcher.Dispatch(ctx, peer, string(raw), sourceMap)
	if err != nil {
		return nil, err
	}
	return &runtime.DispatchResult{MsgID: resp.MessageID, Status: resp.Status}, nil
}

// GetDeployedChannel returns the runtime.Channel deployed under channelID
// on this instance, if any.
func (c *Controller) GetDeployedChannel(channelID string) (*runtime.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dc, ok := c.channels[channelID]
	if !ok {
		return nil, false
	}
	return dc.channel, true
}

// Store returns the message store this controller persists through, for
// collaborators (the operator digest) that need to read aggregate stats
// the controller itself has no reason to expose a richer API for.
func (c *Controller) Store() store.Store {
	return c.store
}

// DeployedChannelIDs lists every channel currently deployed on this
// instance, for health reporting and admin inspection.
func (c *Controller) DeployedChannelIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every deployed channel, in no particular order, used
// during process shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if err := c.Stop(ctx, id); err != nil {
			slog.Error("failed to stop channel during shutdown", "channel", id, "error", err)
		}
	}
}

func (c *Controller) lookup(channelID string) (*deployedChannel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dc, ok := c.channels[channelID]
	if !ok {
		return nil, engineerr.New(engineerr.KindConfig, "engine.lookup", fmt.Errorf("channel %s not deployed", channelID))
	}
	return dc, nil
}

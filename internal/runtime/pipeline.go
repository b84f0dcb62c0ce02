package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ridgelinehealth/bridge/internal/engineerr"
	"github.com/ridgelinehealth/bridge/internal/sequence"
	"github.com/ridgelinehealth/bridge/internal/store"
	"github.com/ridgelinehealth/bridge/internal/varmap"
)

// defaultResponseWaitTimeout bounds how long ProcessRawMessage blocks for
// a destination-aware ResponseSelector when the channel doesn't configure
// its own ResponseWaitTimeout.
const defaultResponseWaitTimeout = 30 * time.Second

// DestinationConfig is one channel destination's scripts, connector, and
// retry policy.
type DestinationConfig struct {
	MetadataID        int
	Name              string
	Enabled           bool
	Filter            Script
	Transformer       Script
	Connector         DestinationConnector
	ConnectorProps    map[string]string
	ResponseValidator ResponseValidator
	SendTimeout       time.Duration
	Retry             *RetryTracker
	Queue             *Queue
}

// ResponseSelection picks which of the source/destination outcomes is
// reported back to the source connector as the channel's response, per
// spec §4.8's response selection rules.
type ResponseSelection string

const (
	ResponseSource      ResponseSelection = "source"
	ResponseFirst       ResponseSelection = "first_destination"
	ResponseLast        ResponseSelection = "last_destination"
	ResponseErrorBiased ResponseSelection = "error_biased"
)

// Channel is one deployed channel's pipeline: its state machine, scripts,
// destinations, and the store it persists through.
type Channel struct {
	ID    string
	State *StateMachine

	Preprocessor         Script
	Postprocessor        Script
	SourceFilter         Script
	SourceTransformer    Script
	DestinationSetFilter func(vars varmap.Map, destinations []DestinationConfig) []DestinationConfig
	AttachmentHandler    AttachmentHandler
	AutoResponder        AutoResponder
	ResponseSelector     ResponseSelection
	// ResponseWaitTimeout bounds how long ProcessRawMessage blocks for a
	// destination-aware ResponseSelector (first_destination,
	// last_destination, error_biased) to observe its destination's
	// outcome before falling back to the source-derived response. Zero
	// means defaultResponseWaitTimeout.
	ResponseWaitTimeout time.Duration

	Destinations []DestinationConfig

	Store      store.Store
	Sequence   *sequence.Allocator
	ServerID   string
	Encryption store.EncryptionBoundary

	respMu      sync.Mutex
	respWaiters map[int64]*responseWaiter
}

// destinationOutcome is one destination's terminal result, reported by
// ProcessDestinationItem to any responseWaiter registered for the message.
type destinationOutcome struct {
	metadataID int
	status     string
	response   []byte
}

// responseWaiter collects destination outcomes for one in-flight message
// so ProcessRawMessage can honor a destination-aware ResponseSelector even
// though destinations are processed asynchronously off their queues, with
// no other channel of communication back to the source pipeline call.
type responseWaiter struct {
	need map[int]struct{}
	got  map[int]destinationOutcome
	done chan struct{}
	once sync.Once
}

func newResponseWaiter(need []int) *responseWaiter {
	w := &responseWaiter{
		need: make(map[int]struct{}, len(need)),
		got:  make(map[int]destinationOutcome, len(need)),
		done: make(chan struct{}),
	}
	for _, id := range need {
		w.need[id] = struct{}{}
	}
	if len(need) == 0 {
		close(w.done)
	}
	return w
}

func (w *responseWaiter) record(outcome destinationOutcome) {
	w.got[outcome.metadataID] = outcome
	delete(w.need, outcome.metadataID)
	if len(w.need) == 0 {
		w.once.Do(func() { close(w.done) })
	}
}

// responseWaitSet reports which routed destinations' outcomes
// ProcessRawMessage must wait on before it can honor c.ResponseSelector,
// or nil when the selector needs nothing beyond the source outcome.
func (c *Channel) responseWaitSet(routed []DestinationConfig) []int {
	if len(routed) == 0 {
		return nil
	}
	switch c.ResponseSelector {
	case ResponseFirst:
		return []int{routed[0].MetadataID}
	case ResponseLast:
		return []int{routed[len(routed)-1].MetadataID}
	case ResponseErrorBiased:
		ids := make([]int, len(routed))
		for i, d := range routed {
			ids[i] = d.MetadataID
		}
		return ids
	default:
		return nil
	}
}

// pickDestinationResponse selects the reported outcome c.ResponseSelector
// calls for once the wait in ProcessRawMessage resolves (by completion or
// timeout). ok is false when the needed outcome never arrived, in which
// case the caller keeps its source-derived response.
func (c *Channel) pickDestinationResponse(w *responseWaiter, routed []DestinationConfig) (destinationOutcome, bool) {
	if len(routed) == 0 {
		return destinationOutcome{}, false
	}
	switch c.ResponseSelector {
	case ResponseFirst:
		o, ok := w.got[routed[0].MetadataID]
		return o, ok
	case ResponseLast:
		o, ok := w.got[routed[len(routed)-1].MetadataID]
		return o, ok
	case ResponseErrorBiased:
		for _, d := range routed {
			if o, ok := w.got[d.MetadataID]; ok && o.status == string(store.StatusError) {
				return o, true
			}
		}
		o, ok := w.got[routed[len(routed)-1].MetadataID]
		return o, ok
	default:
		return destinationOutcome{}, false
	}
}

// reportDestinationOutcome is called by ProcessDestinationItem at each
// terminal outcome so any waiter registered for msgID can make progress.
// A no-op when nothing is waiting (the common case for ResponseSource).
func (c *Channel) reportDestinationOutcome(msgID int64, metadataID int, status string, response []byte) {
	c.respMu.Lock()
	w := c.respWaiters[msgID]
	c.respMu.Unlock()
	if w == nil {
		return
	}
	w.record(destinationOutcome{metadataID: metadataID, status: status, response: response})
}

// DispatchResult is what ProcessRawMessage returns to its caller (the
// engine controller's dispatchRawMessage entry point).
type DispatchResult struct {
	MsgID    int64
	Response []byte
	Status   string
}

const sourceMetadataID = 0

// ProcessRawMessage runs the 10-step source pipeline from spec §4.8 on one
// raw message. It is the only path by which a message enters a channel,
// whether delivered locally by a source connector or relayed from a peer
// by the remote dispatcher.
func (c *Channel) ProcessRawMessage(ctx context.Context, raw []byte, sourceMap varmap.Map) (*DispatchResult, error) {
	return c.processMessage(ctx, raw, sourceMap, nil)
}

// ProcessBatch drives a batch adaptor to completion, running the full
// source pipeline on each sub-message it yields and recording the
// adaptor's sequence id on every resulting message row per spec §4.8's
// batch-ingest paragraph. Cleanup always runs, even if a sub-message
// fails partway through.
func (c *Channel) ProcessBatch(ctx context.Context, adaptor BatchAdaptor, sourceMap varmap.Map) ([]*DispatchResult, error) {
	defer func() {
		if err := adaptor.Cleanup(); err != nil {
			slog.Warn("batch cleanup failed", "channel", c.ID, "error", err)
		}
	}()

	seq := int64(adaptor.SequenceID())
	var results []*DispatchResult
	for {
		raw, ok := adaptor.NextMessage()
		if !ok {
			return results, nil
		}
		res, err := c.processMessage(ctx, raw, sourceMap, &seq)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if adaptor.IsComplete() {
			return results, nil
		}
	}
}

// processMessage is the 10-step source pipeline from spec §4.8 shared by
// ProcessRawMessage and ProcessBatch. batchSeqID is non-nil when raw is
// one sub-message of a batch ingest, and is recorded on the Message row.
func (c *Channel) processMessage(ctx context.Context, raw []byte, sourceMap varmap.Map, batchSeqID *int64) (*DispatchResult, error) {
	if sourceMap == nil {
		sourceMap = varmap.Map{}
	}

	// Step 1: allocate msgId.
	msgID, err := c.Sequence.NextID(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	// Step 2: create Message + connector-message rows (source + each
	// enabled destination) in RECEIVED.
	now := time.Now()
	if err := c.Store.CreateMessage(ctx, &store.Message{ChannelID: c.ID, MsgID: msgID, ServerID: c.ServerID, BatchSeqID: batchSeqID, CreatedAt: now}); err != nil {
		return nil, err
	}
	if err := c.upsertConnectorMessage(ctx, msgID, sourceMetadataID, store.StatusReceived, ""); err != nil {
		return nil, err
	}
	enabledDestinations := c.enabledDestinations()
	for _, d := range enabledDestinations {
		if err := c.upsertConnectorMessage(ctx, msgID, d.MetadataID, store.StatusReceived, ""); err != nil {
			return nil, err
		}
	}
	if err := c.incStat(ctx, sourceMetadataID, store.StatReceived); err != nil {
		return nil, err
	}

	// Step 3: attachment extraction.
	handler := c.AttachmentHandler
	if handler == nil {
		handler = NoopAttachmentHandler{}
	}
	rewritten, attachments, err := handler.ExtractAttachments(ctx, c.ID, msgID, raw)
	if err != nil {
		return nil, engineerr.New(engineerr.KindScript, "runtime.ProcessRawMessage.attachments", err)
	}
	for _, a := range attachments {
		if err := c.Store.PutAttachment(ctx, &store.AttachmentRow{ChannelID: c.ID, MsgID: msgID, AttachmentID: a.ID, Type: a.Type, Bytes: a.Bytes}); err != nil {
			return nil, err
		}
	}
	raw = rewritten

	// Step 4: persist source RAW.
	if err := c.putContent(ctx, msgID, sourceMetadataID, store.ContentRaw, raw, ""); err != nil {
		return nil, err
	}

	// Step 5: preprocessor. Persist PROCESSED_RAW.
	processed := raw
	if c.Preprocessor != nil {
		res := c.Preprocessor(ctx, raw, sourceMap)
		if res.Outcome == Error {
			return c.failSource(ctx, msgID, sourceMetadataID, res.Err, "preprocessor")
		}
		processed = res.Payload
	}
	if err := c.putContent(ctx, msgID, sourceMetadataID, store.ContentProcessedRaw, processed, ""); err != nil {
		return nil, err
	}

	// Step 6: source filter.
	if c.SourceFilter != nil {
		res := c.SourceFilter(ctx, processed, sourceMap)
		if res.Outcome == Filtered {
			if err := c.upsertConnectorMessage(ctx, msgID, sourceMetadataID, store.StatusFiltered, ""); err != nil {
				return nil, err
			}
			if err := c.incStat(ctx, sourceMetadataID, store.StatFiltered); err != nil {
				return nil, err
			}
			if c.Postprocessor != nil {
				c.Postprocessor(ctx, processed, sourceMap)
			}
			response := c.autoResponse(raw, processed, string(store.StatusFiltered))
			if err := c.encryptMessage(ctx, msgID); err != nil {
				return nil, err
			}
			return &DispatchResult{MsgID: msgID, Response: response, Status: string(store.StatusFiltered)}, nil
		}
		if res.Outcome == Error {
			return c.failSource(ctx, msgID, sourceMetadataID, res.Err, "source filter")
		}
	}

	// Step 7: source transformer; persist TRANSFORMED and ENCODED.
	transformed := processed
	if c.SourceTransformer != nil {
		res := c.SourceTransformer(ctx, processed, sourceMap)
		if res.Outcome == Error {
			return c.failSource(ctx, msgID, sourceMetadataID, res.Err, "source transformer")
		}
		transformed = res.Payload
	}
	if err := c.putContent(ctx, msgID, sourceMetadataID, store.ContentTransformed, transformed, ""); err != nil {
		return nil, err
	}
	if err := c.putContent(ctx, msgID, sourceMetadataID, store.ContentEncoded, transformed, ""); err != nil {
		return nil, err
	}

	// Step 8: destination-set filter (may prune destinations).
	routed := enabledDestinations
	if c.DestinationSetFilter != nil {
		routed = c.DestinationSetFilter(sourceMap, enabledDestinations)
	}

	// Step 9: enqueue each routed destination's work item. A destination-
	// aware ResponseSelector registers a waiter first, so a destination
	// processed by a fast concurrent worker can't report its outcome
	// before this call starts waiting for it.
	waitIDs := c.responseWaitSet(routed)
	var waiter *responseWaiter
	if len(waitIDs) > 0 {
		waiter = newResponseWaiter(waitIDs)
		c.respMu.Lock()
		if c.respWaiters == nil {
			c.respWaiters = make(map[int64]*responseWaiter)
		}
		c.respWaiters[msgID] = waiter
		c.respMu.Unlock()
	}
	for _, d := range routed {
		if d.Queue == nil {
			continue
		}
		item := WorkItem{Channel: c.ID, MetadataID: d.MetadataID, MsgID: msgID}
		if d.Retry != nil && d.Retry.SendFirst() {
			// Attempt the destination once inline rather than handing the
			// item to a queue worker. A failure still falls back to the
			// configured retry policy: retryOrFail re-queues it, this call
			// just skips waiting for a worker to poll the first attempt.
			dd := d
			if err := c.ProcessDestinationItem(ctx, &dd, item); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.upsertConnectorMessage(ctx, msgID, d.MetadataID, store.StatusQueued, ""); err != nil {
			return nil, err
		}
		d.Queue.Add(item)
	}

	// Step 10: source connector-message reaches its done-at-source state.
	if err := c.upsertConnectorMessage(ctx, msgID, sourceMetadataID, store.StatusTransformed, ""); err != nil {
		return nil, err
	}

	response := c.autoResponse(raw, transformed, string(store.StatusTransformed))
	finalStatus := string(store.StatusTransformed)
	if waiter != nil {
		timeout := c.ResponseWaitTimeout
		if timeout <= 0 {
			timeout = defaultResponseWaitTimeout
		}
		select {
		case <-waiter.done:
		case <-time.After(timeout):
		}
		c.respMu.Lock()
		delete(c.respWaiters, msgID)
		c.respMu.Unlock()

		if picked, ok := c.pickDestinationResponse(waiter, routed); ok {
			response = picked.response
			finalStatus = picked.status
		}
	}
	if err := c.encryptMessage(ctx, msgID); err != nil {
		return nil, err
	}
	return &DispatchResult{MsgID: msgID, Response: response, Status: finalStatus}, nil
}

// ProcessDestinationItem runs the 5-step destination pipeline from
// spec §4.8 on one work item polled from a destination's queue.
func (c *Channel) ProcessDestinationItem(ctx context.Context, d *DestinationConfig, item WorkItem) error {
	if err := c.decryptMessage(ctx, item.MsgID); err != nil {
		return err
	}

	sourceMap, err := c.loadSourceMap(ctx, item.MsgID)
	if err != nil {
		return err
	}

	payload, err := c.Store.GetContent(ctx, c.ID, item.MsgID, sourceMetadataID, store.ContentTransformed)
	if err != nil {
		return err
	}

	// Step 1: destination filter.
	if d.Filter != nil {
		res := d.Filter(ctx, payload, sourceMap)
		if res.Outcome == Filtered {
			d.Queue.Finish(item)
			if err := c.upsertConnectorMessage(ctx, item.MsgID, d.MetadataID, store.StatusFiltered, ""); err != nil {
				return err
			}
			c.reportDestinationOutcome(item.MsgID, d.MetadataID, string(store.StatusFiltered), nil)
			return c.encryptMessage(ctx, item.MsgID)
		}
		if res.Outcome == Error {
			d.Queue.Finish(item)
			return c.failDestination(ctx, d, item, res.Err)
		}
	}

	// Step 2: destination transformer; persist TRANSFORMED and ENCODED.
	transformed := payload
	if d.Transformer != nil {
		res := d.Transformer(ctx, payload, sourceMap)
		if res.Outcome == Error {
			d.Queue.Finish(item)
			return c.failDestination(ctx, d, item, res.Err)
		}
		transformed = res.Payload
	}
	if err := c.putContent(ctx, item.MsgID, d.MetadataID, store.ContentTransformed, transformed, ""); err != nil {
		return err
	}
	if err := c.putContent(ctx, item.MsgID, d.MetadataID, store.ContentEncoded, transformed, ""); err != nil {
		return err
	}

	// Step 3: dispatch; record SENT and RESPONSE.
	sendCtx := ctx
	var cancel context.CancelFunc
	if d.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, d.SendTimeout)
		defer cancel()
	}
	result, sendErr := d.Connector.Send(sendCtx, transformed, sourceMap, d.ConnectorProps)
	if sendErr != nil {
		return c.retryOrFail(ctx, d, item, engineerr.New(engineerr.KindSend, "runtime.ProcessDestinationItem.send", sendErr))
	}
	if err := c.putContent(ctx, item.MsgID, d.MetadataID, store.ContentSent, transformed, ""); err != nil {
		return err
	}
	if err := c.putContent(ctx, item.MsgID, d.MetadataID, store.ContentResponse, result.ResponseBody, ""); err != nil {
		return err
	}
	// Response transformer is assumed identity here; persist
	// RESPONSE_TRANSFORMED and PROCESSED_RESPONSE as copies of the raw
	// response when no dedicated response transformer is configured.
	if err := c.putContent(ctx, item.MsgID, d.MetadataID, store.ContentResponseTransformed, result.ResponseBody, ""); err != nil {
		return err
	}
	if err := c.putContent(ctx, item.MsgID, d.MetadataID, store.ContentProcessedResponse, result.ResponseBody, ""); err != nil {
		return err
	}

	// Step 4: response validation (may downgrade SENT to ERROR).
	status := result.Status
	if status == "" {
		status = string(store.StatusSent)
	}
	if d.ResponseValidator != nil {
		newStatus, downgraded := d.ResponseValidator(result.ResponseBody, status)
		if downgraded {
			status = newStatus
		}
	}

	// Step 5: assign final status.
	if status == string(store.StatusError) {
		return c.retryOrFail(ctx, d, item, engineerr.New(engineerr.KindValidation, "runtime.ProcessDestinationItem.validate", fmt.Errorf("response validator downgraded to ERROR")))
	}

	d.Queue.Finish(item)
	if d.Retry != nil {
		d.Retry.RecordSuccess(item)
	}
	if err := c.upsertConnectorMessage(ctx, item.MsgID, d.MetadataID, store.Status(status), ""); err != nil {
		return err
	}
	if err := c.incStat(ctx, d.MetadataID, store.StatSent); err != nil {
		return err
	}
	c.reportDestinationOutcome(item.MsgID, d.MetadataID, status, result.ResponseBody)
	return c.encryptMessage(ctx, item.MsgID)
}

// retryOrFail implements the destination retry policy: re-queue (rotated
// to the tail if configured) with a delay, or assign terminal ERROR once
// attempts are exhausted.
func (c *Channel) retryOrFail(ctx context.Context, d *DestinationConfig, item WorkItem, cause error) error {
	d.Queue.Finish(item)

	if d.Retry == nil {
		return c.failDestination(ctx, d, item, cause)
	}
	retry, _ := d.Retry.RecordFailure(item)
	if !retry {
		return c.failDestination(ctx, d, item, cause)
	}

	if err := c.upsertConnectorMessage(ctx, item.MsgID, d.MetadataID, store.StatusQueued, cause.Error()); err != nil {
		return err
	}
	go func() {
		time.Sleep(d.Retry.Interval())
		if d.Retry.Rotate() {
			d.Queue.Add(item)
		} else {
			d.Queue.Requeue(item)
		}
	}()
	return nil
}

func (c *Channel) failSource(ctx context.Context, msgID int64, metadataID int, cause error, op string) (*DispatchResult, error) {
	if err := c.putContent(ctx, msgID, metadataID, store.ContentProcessingError, []byte(errDetail(op, cause)), ""); err != nil {
		return nil, err
	}
	if err := c.upsertConnectorMessage(ctx, msgID, metadataID, store.StatusError, errDetail(op, cause)); err != nil {
		return nil, err
	}
	if err := c.incStat(ctx, metadataID, store.StatError); err != nil {
		return nil, err
	}
	if err := c.encryptMessage(ctx, msgID); err != nil {
		return nil, err
	}
	return &DispatchResult{MsgID: msgID, Status: string(store.StatusError)}, nil
}

func (c *Channel) failDestination(ctx context.Context, d *DestinationConfig, item WorkItem, cause error) error {
	detail := errDetail("destination", cause)
	if err := c.putContent(ctx, item.MsgID, d.MetadataID, store.ContentProcessingError, []byte(detail), ""); err != nil {
		return err
	}
	if err := c.upsertConnectorMessage(ctx, item.MsgID, d.MetadataID, store.StatusError, detail); err != nil {
		return err
	}
	if err := c.incStat(ctx, d.MetadataID, store.StatError); err != nil {
		return err
	}
	c.reportDestinationOutcome(item.MsgID, d.MetadataID, string(store.StatusError), []byte(detail))
	return c.encryptMessage(ctx, item.MsgID)
}

func errDetail(op string, cause error) string {
	if cause == nil {
		return op
	}
	return fmt.Sprintf("%s: %v", op, cause)
}

func (c *Channel) autoResponse(raw, processed []byte, status string) []byte {
	responder := c.AutoResponder
	if responder == nil {
		responder = NoopAutoResponder{}
	}
	return responder.Response(raw, processed, status)
}

func (c *Channel) enabledDestinations() []DestinationConfig {
	out := make([]DestinationConfig, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

func (c *Channel) upsertConnectorMessage(ctx context.Context, msgID int64, metadataID int, status store.Status, lastError string) error {
	return c.Store.UpsertConnectorMessage(ctx, &store.ConnectorMessage{
		ChannelID:  c.ID,
		MsgID:      msgID,
		MetadataID: metadataID,
		Status:     status,
		LastError:  lastError,
		ReceivedAt: time.Now(),
	})
}

func (c *Channel) putContent(ctx context.Context, msgID int64, metadataID int, contentType store.ContentType, payload []byte, dataType string) error {
	return c.Store.PutContent(ctx, &store.ContentRow{
		ChannelID:   c.ID,
		MsgID:       msgID,
		MetadataID:  metadataID,
		ContentType: contentType,
		Payload:     payload,
		DataType:    dataType,
	})
}

// encryptMessage flips every not-yet-encrypted content row written for
// msgID so far. A no-op when no encryption boundary is configured
// (encryption disabled).
func (c *Channel) encryptMessage(ctx context.Context, msgID int64) error {
	if c.Encryption == nil {
		return nil
	}
	return c.Encryption.EncryptMessage(ctx, c.ID, msgID)
}

// decryptMessage flips every encrypted content row of msgID back to
// plaintext so the pipeline can read it. A no-op when no encryption
// boundary is configured.
func (c *Channel) decryptMessage(ctx context.Context, msgID int64) error {
	if c.Encryption == nil {
		return nil
	}
	return c.Encryption.DecryptMessage(ctx, c.ID, msgID)
}

func (c *Channel) incStat(ctx context.Context, metadataID int, kind store.StatKind) error {
	return c.Store.IncStats(ctx, c.ID, metadataID, kind, 1)
}

func (c *Channel) loadSourceMap(ctx context.Context, msgID int64) (varmap.Map, error) {
	raw, err := c.Store.GetContent(ctx, c.ID, msgID, sourceMetadataID, store.ContentSourceMap)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return varmap.Map{}, nil
	}
	m, err := varmap.Decode(raw)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "runtime.loadSourceMap.decode", err)
	}
	return m, nil
}

package runtime

import (
	"context"

	"github.com/ridgelinehealth/bridge/internal/varmap"
)

// SourceConnector is implemented by MLLP/HTTP/file/JDBC-polling listeners
// external to this repository (see SPEC_FULL.md's connector boundary).
// The runtime only needs lifecycle control; connectors push messages in by
// calling the engine controller's DispatchRawMessage, not by being polled.
type SourceConnector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// DestinationConnector delivers one encoded payload to an external system
// and reports the outcome. The runtime wraps every call in the
// destination's send timeout and retry policy.
type DestinationConnector interface {
	Send(ctx context.Context, encodedPayload []byte, sourceMap varmap.Map, properties map[string]string) (SendResult, error)
}

// SendResult is what a destination connector reports back per spec §6's
// connector interface.
type SendResult struct {
	Status       string
	ResponseBody []byte
}

// Script is a filter, transformer, preprocessor, or postprocessor step.
// Filters only ever return Ok or Filtered; transformers only ever return
// Ok or Error — callers enforce which is expected of a given script slot.
type Script func(ctx context.Context, payload []byte, vars varmap.Map) StepResult

// Codec implements the per-data-type conversions from spec §6.
// IsSerializationRequired mirrors a pass-through codec's false return.
type Codec interface {
	ToXML(payload []byte) ([]byte, bool)
	FromXML(xmlPayload []byte) ([]byte, bool)
	MetaData(payload []byte) (source, typ, version string)
	IsSerializationRequired() bool
}

// AutoResponder produces a synthetic response when no explicit response
// transformer/handler is configured (e.g. an HL7 AA/AE/AR acknowledgment).
type AutoResponder interface {
	Response(raw, processed []byte, status string) []byte
}

// NoopAutoResponder implements AutoResponder with no content, the default
// when a channel configures no data-type-specific auto-responder.
type NoopAutoResponder struct{}

func (NoopAutoResponder) Response(raw, processed []byte, status string) []byte { return nil }

// ResponseValidator may downgrade a SENT status to ERROR based on the
// response payload (e.g. an HL7 NAK).
type ResponseValidator func(responseBody []byte, status string) (newStatus string, downgraded bool)

// AttachmentHandler extracts inline attachments from raw content and
// substitutes ${ATTACH:<id>} tokens, or passes content through unchanged.
type AttachmentHandler interface {
	ExtractAttachments(ctx context.Context, channel string, msgID int64, raw []byte) (rewritten []byte, attachments []ExtractedAttachment, err error)
}

// ExtractedAttachment is one attachment pulled out of a raw message by an
// AttachmentHandler, ready to be persisted as a store.AttachmentRow.
type ExtractedAttachment struct {
	ID    string
	Type  string
	Bytes []byte
}

// NoopAttachmentHandler returns raw content unchanged with no attachments.
type NoopAttachmentHandler struct{}

func (NoopAttachmentHandler) ExtractAttachments(ctx context.Context, channel string, msgID int64, raw []byte) ([]byte, []ExtractedAttachment, error) {
	return raw, nil, nil
}

// BatchAdaptor yields successive sub-messages from one raw input per
// spec §6's batch ingest interface.
type BatchAdaptor interface {
	NextMessage() ([]byte, bool)
	SequenceID() int
	IsComplete() bool
	Cleanup() error
}

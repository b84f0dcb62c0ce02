// Package store is the Message Store (C3): durable record of every message
// and every per-stage content blob, with streaming search and pruning.
package store

import "time"

// ContentType is the fixed integer content-type id. These ids are a
// wire-level contract with a peer system sharing the same database in
// shadow/takeover mode and must never be renumbered.
type ContentType int

const (
	ContentRaw                 ContentType = 1
	ContentProcessedRaw        ContentType = 2
	ContentTransformed         ContentType = 3
	ContentEncoded             ContentType = 4
	ContentSent                ContentType = 5
	ContentResponse            ContentType = 6
	ContentResponseTransformed ContentType = 7
	ContentProcessedResponse   ContentType = 8
	ContentConnectorMap        ContentType = 9
	ContentChannelMap          ContentType = 10
	ContentResponseMap         ContentType = 11
	ContentProcessingError     ContentType = 12
	ContentPostprocessorError  ContentType = 13
	ContentSourceMap           ContentType = 14
)

// Status is a connector-message's position in the processing status
// lattice. The store does not enforce monotonicity between statuses; the
// Channel Runtime (C8) does.
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusFiltered    Status = "FILTERED"
	StatusTransformed Status = "TRANSFORMED"
	StatusQueued      Status = "QUEUED"
	StatusSent        Status = "SENT"
	StatusError       Status = "ERROR"
	StatusPending     Status = "PENDING"
)

// StatKind names one of the per-connector counters incStats maintains.
type StatKind string

const (
	StatReceived StatKind = "received"
	StatSent     StatKind = "sent"
	StatFiltered StatKind = "filtered"
	StatError    StatKind = "error"
	StatQueued   StatKind = "queued"
	StatPending  StatKind = "pending"
)

// Message is one row per ingested message: a channel, a server-allocated
// msgId, and the identity of the server that allocated it.
type Message struct {
	ChannelID string
	MsgID     int64
	ServerID  string
	// BatchSeqID records the driving batch adaptor's sequence id when this
	// message was produced as one sub-message of a batch ingest; nil for
	// messages delivered outside of a batch.
	BatchSeqID *int64
	CreatedAt  time.Time
}

// ConnectorMessage is one row per (message, connector): the per-destination
// (or per-source, metadataId 0) processing record.
type ConnectorMessage struct {
	ChannelID    string
	MsgID        int64
	MetadataID   int
	Status       Status
	Attempts     int
	LastError    string
	ReceivedAt   time.Time
	SentAt       *time.Time
}

// ContentRow is one row per (connector-message, content type). A write to
// an existing (msgId, metadataId, contentType) key replaces the prior row
// rather than appending.
type ContentRow struct {
	ChannelID   string
	MsgID       int64
	MetadataID  int
	ContentType ContentType
	Payload     []byte
	DataType    string
	Encrypted   bool
}

// ChannelStats is the aggregate incStats counters for one channel, summed
// across every connector (source and destinations alike).
type ChannelStats struct {
	Received int64
	Queued   int64
	Sent     int64
	Filtered int64
	Errored  int64
	Pending  int64
}

// AttachmentRow is one append-only attachment row, referenced from content
// by the literal token `${ATTACH:<id>}`.
type AttachmentRow struct {
	ChannelID    string
	MsgID        int64
	AttachmentID string
	Type         string
	Bytes        []byte
}

// Filter narrows Search/CountByFilter to a subset of a channel's messages.
// Zero-value fields are unconstrained.
type Filter struct {
	Statuses  []Status
	MetadataID *int
	After     *time.Time
	Before    *time.Time
}

// Range pages through a search result set.
type Range struct {
	Limit  int
	Offset int
}

// SearchResult is one page of matching message rows plus the total match
// count, for streaming search. Connector messages are not included.
type SearchResult struct {
	Messages []*Message
	Total    int
}

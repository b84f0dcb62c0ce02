package store

import "context"

// Store is the Message Store's write and read surface. Both the postgres
// and sqlite backends implement it identically; callers never branch on
// which backend is in use.
type Store interface {
	// CreateMessage inserts one row per message. The msgId must already
	// have been allocated by internal/sequence; the store never assigns
	// ids itself.
	CreateMessage(ctx context.Context, msg *Message) error

	// UpsertConnectorMessage writes or replaces one row per (message,
	// connector). Status monotonicity is the Channel Runtime's concern,
	// not the store's.
	UpsertConnectorMessage(ctx context.Context, cm *ConnectorMessage) error

	// PutContent writes one row per (message, connector, contentType).
	// A second write to the same key replaces the prior row.
	PutContent(ctx context.Context, row *ContentRow) error

	// GetContent returns the payload for a (message, connector,
	// contentType) key, or nil if no such row exists.
	GetContent(ctx context.Context, channelID string, msgID int64, metadataID int, ct ContentType) ([]byte, error)

	// ContentRowsForMessage returns every content row stored for one
	// message, across all connectors and content types. Used by the
	// encryption boundary's bulk walk, which has no other way to
	// enumerate a message's (connector x content-type) slots.
	ContentRowsForMessage(ctx context.Context, channelID string, msgID int64) ([]*ContentRow, error)

	// PutAttachment appends an attachment row. Attachment ids are
	// caller-assigned and referenced from content via `${ATTACH:id}`.
	PutAttachment(ctx context.Context, att *AttachmentRow) error

	// GetAttachment returns the bytes for an attachment id, or nil if no
	// such attachment exists.
	GetAttachment(ctx context.Context, channelID, attachmentID string) ([]byte, error)

	// IncStats increments one per-connector counter by delta.
	IncStats(ctx context.Context, channelID string, metadataID int, kind StatKind, delta int64) error

	// StatsForChannel sums every connector's counters for one channel,
	// for the operator digest (pkg/report).
	StatsForChannel(ctx context.Context, channelID string) (ChannelStats, error)

	// Search returns a page of messages matching filter within rng.
	Search(ctx context.Context, channelID string, filter Filter, rng Range) (*SearchResult, error)

	// CountByFilter returns the count of messages matching filter,
	// ignoring rng.
	CountByFilter(ctx context.Context, channelID string, filter Filter) (int, error)

	// Close releases the underlying connection pool.
	Close() error

	// Health reports whether the store can currently serve requests.
	Health(ctx context.Context) error
}

// BlobOffloader uploads and fetches attachment payloads that exceed a
// store's configured inline-storage threshold. A backend that has one
// configured (via its SetBlobOffloader method) writes the offloader's
// reference string to an attachment row's blob_ref column in place of
// inline content.
type BlobOffloader interface {
	Upload(ctx context.Context, ref string, data []byte, contentType string) error
	Download(ctx context.Context, ref string) ([]byte, error)
}

// EncryptionBoundary walks all (connector x content-type) slots of a
// message and flips the encrypted flag, skipping already-encrypted rows on
// encrypt and plaintext rows on decrypt. It is a separate pass over the
// store rather than a store method, since it is driven by pkg/crypto's
// policy (enabled/disabled) rather than by storage concerns.
type EncryptionBoundary interface {
	EncryptMessage(ctx context.Context, channelID string, msgID int64) error
	DecryptMessage(ctx context.Context, channelID string, msgID int64) error
}

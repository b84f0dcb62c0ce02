// Package postgres implements the Message Store (C3) on PostgreSQL via
// database/sql and github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ridgelinehealth/bridge/internal/engineerr"
	"github.com/ridgelinehealth/bridge/internal/store"
	"github.com/ridgelinehealth/bridge/internal/store/blobattach"
)

// Config holds PostgreSQL-specific connection pool settings.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *sql.DB

	offloader     store.BlobOffloader
	blobThreshold int64
}

// SetBlobOffloader configures o as the destination for attachment payloads
// larger than thresholdBytes; PutAttachment consults it on every call.
// Leaving it unset (the default) stores every attachment inline regardless
// of size.
func (s *Store) SetBlobOffloader(o store.BlobOffloader, thresholdBytes int64) {
	s.offloader = o
	s.blobThreshold = thresholdBytes
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying connection pool, for collaborators (sequence
// allocator, registry, lease manager) that share this store's database
// rather than opening their own connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO d_message (channel_id, msg_id, server_id, batch_seq_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, msg_id) DO NOTHING`,
		msg.ChannelID, msg.MsgID, msg.ServerID, msg.BatchSeqID, msg.CreatedAt,
	)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "store.CreateMessage", err).Withf("channel=%s msgId=%d", msg.ChannelID, msg.MsgID)
	}
	return nil
}

func (s *Store) UpsertConnectorMessage(ctx context.Context, cm *store.ConnectorMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO d_connector_message (
			channel_id, msg_id, metadata_id, status, attempts, last_error, received_at, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (channel_id, msg_id, metadata_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			sent_at = EXCLUDED.sent_at`,
		cm.ChannelID, cm.MsgID, cm.MetadataID, string(cm.Status), cm.Attempts,
		nullString(cm.LastError), cm.ReceivedAt, nullTime(cm.SentAt),
	)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "store.UpsertConnectorMessage", err).
			Withf("channel=%s msgId=%d metadataId=%d", cm.ChannelID, cm.MsgID, cm.MetadataID)
	}
	return nil
}

func (s *Store) PutContent(ctx context.Context, row *store.ContentRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO d_mc_content (
			channel_id, msg_id, metadata_id, content_type, content, data_type, is_encrypted
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_id, msg_id, metadata_id, content_type) DO UPDATE SET
			content = EXCLUDED.content,
			data_type = EXCLUDED.data_type,
			is_encrypted = EXCLUDED.is_encrypted`,
		row.ChannelID, row.MsgID, row.MetadataID, int(row.ContentType), row.Payload, row.DataType, row.Encrypted,
	)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "store.PutContent", err).
			Withf("channel=%s msgId=%d metadataId=%d contentType=%d", row.ChannelID, row.MsgID, row.MetadataID, row.ContentType)
	}
	return nil
}

func (s *Store) GetContent(ctx context.Context, channelID string, msgID int64, metadataID int, ct store.ContentType) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM d_mc_content
		WHERE channel_id = $1 AND msg_id = $2 AND metadata_id = $3 AND content_type = $4`,
		channelID, msgID, metadataID, int(ct),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "store.GetContent", err).Withf("channel=%s msgId=%d", channelID, msgID)
	}
	return payload, nil
}

func (s *Store) ContentRowsForMessage(ctx context.Context, channelID string, msgID int64) ([]*store.ContentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metadata_id, content_type, content, data_type, is_encrypted
		FROM d_mc_content
		WHERE channel_id = $1 AND msg_id = $2`,
		channelID, msgID,
	)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "store.ContentRowsForMessage", err).Withf("channel=%s msgId=%d", channelID, msgID)
	}
	defer rows.Close()

	var out []*store.ContentRow
	for rows.Next() {
		row := &store.ContentRow{ChannelID: channelID, MsgID: msgID}
		var ct int
		if err := rows.Scan(&row.MetadataID, &ct, &row.Payload, &row.DataType, &row.Encrypted); err != nil {
			return nil, engineerr.New(engineerr.KindTransient, "store.ContentRowsForMessage.scan", err)
		}
		row.ContentType = store.ContentType(ct)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "store.ContentRowsForMessage.rows", err)
	}
	return out, nil
}

func (s *Store) PutAttachment(ctx context.Context, att *store.AttachmentRow) error {
	content := att.Bytes
	var blobRef *string
	if s.offloader != nil && s.blobThreshold > 0 && int64(len(att.Bytes)) > s.blobThreshold {
		ref := blobattach.Ref(att.ChannelID, att.AttachmentID)
		if err := s.offloader.Upload(ctx, ref, att.Bytes, att.Type); err != nil {
			return engineerr.New(engineerr.KindTransient, "store.PutAttachment.offload", err).Withf("channel=%s attachmentId=%s", att.ChannelID, att.AttachmentID)
		}
		blobRef = &ref
		content = nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO d_message_attachment (channel_id, msg_id, attachment_id, type, content, blob_ref)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		att.ChannelID, att.MsgID, att.AttachmentID, att.Type, content, blobRef,
	)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "store.PutAttachment", err).Withf("channel=%s attachmentId=%s", att.ChannelID, att.AttachmentID)
	}
	return nil
}

func (s *Store) GetAttachment(ctx context.Context, channelID, attachmentID string) ([]byte, error) {
	var payload []byte
	var blobRef sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT content, blob_ref FROM d_message_attachment WHERE channel_id = $1 AND attachment_id = $2`,
		channelID, attachmentID,
	).Scan(&payload, &blobRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "store.GetAttachment", err).Withf("channel=%s attachmentId=%s", channelID, attachmentID)
	}
	if blobRef.Valid && blobRef.String != "" {
		if s.offloader == nil {
			return nil, engineerr.New(engineerr.KindConfig, "store.GetAttachment.offloaded", fmt.Errorf("attachment is stored at blob ref %q but no blob offloader is configured", blobRef.String)).Withf("channel=%s attachmentId=%s", channelID, attachmentID)
		}
		return s.offloader.Download(ctx, blobRef.String)
	}
	return payload, nil
}

func (s *Store) IncStats(ctx context.Context, channelID string, metadataID int, kind store.StatKind, delta int64) error {
	column := string(kind)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO d_channel_statistics (channel_id, metadata_id, %s)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, metadata_id) DO UPDATE SET
			%s = d_channel_statistics.%s + EXCLUDED.%s`, column, column, column, column),
		channelID, metadataID, delta,
	)
	if err != nil {
		return engineerr.New(engineerr.KindTransient, "store.IncStats", err).Withf("channel=%s kind=%s", channelID, kind)
	}
	return nil
}

func (s *Store) StatsForChannel(ctx context.Context, channelID string) (store.ChannelStats, error) {
	var stats store.ChannelStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(received), 0),
			COALESCE(SUM(queued), 0),
			COALESCE(SUM(sent), 0),
			COALESCE(SUM(filtered), 0),
			COALESCE(SUM(error), 0),
			COALESCE(SUM(pending), 0)
		FROM d_channel_statistics WHERE channel_id = $1`,
		channelID,
	).Scan(&stats.Received, &stats.Queued, &stats.Sent, &stats.Filtered, &stats.Errored, &stats.Pending)
	if err != nil {
		return store.ChannelStats{}, engineerr.New(engineerr.KindTransient, "store.StatsForChannel", err).Withf("channel=%s", channelID)
	}
	return stats, nil
}

func (s *Store) Search(ctx context.Context, channelID string, filter store.Filter, rng store.Range) (*store.SearchResult, error) {
	query := `SELECT channel_id, msg_id, server_id, created_at FROM d_message WHERE channel_id = $1`
	args := []interface{}{channelID}
	query, args = applyFilter(query, args, filter)

	query += " ORDER BY msg_id DESC"
	if rng.Limit > 0 {
		args = append(args, rng.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if rng.Offset > 0 {
		args = append(args, rng.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "store.Search", err).Withf("channel=%s", channelID)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ChannelID, &m.MsgID, &m.ServerID, &m.CreatedAt); err != nil {
			return nil, engineerr.New(engineerr.KindTransient, "store.Search.scan", err).Withf("channel=%s", channelID)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.KindTransient, "store.Search.iterate", err).Withf("channel=%s", channelID)
	}

	total, err := s.CountByFilter(ctx, channelID, filter)
	if err != nil {
		return nil, err
	}

	return &store.SearchResult{Messages: messages, Total: total}, nil
}

func (s *Store) CountByFilter(ctx context.Context, channelID string, filter store.Filter) (int, error) {
	query := `SELECT COUNT(*) FROM d_message WHERE channel_id = $1`
	args := []interface{}{channelID}
	query, args = applyFilter(query, args, filter)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, engineerr.New(engineerr.KindTransient, "store.CountByFilter", err).Withf("channel=%s", channelID)
	}
	return count, nil
}

// applyFilter appends WHERE clauses for filter to query, returning the
// extended query and argument list. Status filtering joins against
// d_connector_message since status lives on the connector-message, not the
// message row.
func applyFilter(query string, args []interface{}, filter store.Filter) (string, []interface{}) {
	if len(filter.Statuses) > 0 {
		placeholders := ""
		for i, st := range filter.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			args = append(args, string(st))
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM d_connector_message cm
			WHERE cm.channel_id = d_message.channel_id AND cm.msg_id = d_message.msg_id
			AND cm.status IN (%s))`, placeholders)
	}
	if filter.After != nil {
		args = append(args, *filter.After)
		query += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	return query, args
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ store.Store = (*Store)(nil)

package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ridgelinehealth/bridge/internal/sequence"
	"github.com/ridgelinehealth/bridge/internal/store"
	"github.com/ridgelinehealth/bridge/internal/varmap"
)

// fakeStore is an in-memory store.Store used to exercise the pipeline
// without a real database, following the teacher's preference for small
// hand-written fakes over a mocking framework.
type fakeStore struct {
	mu          sync.Mutex
	messages    map[int64]*store.Message
	connMsgs    map[string]*store.ConnectorMessage // key: msgID|metadataID
	content     map[string][]byte                  // key: msgID|metadataID|contentType
	attachments map[string][]byte
	stats       map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:    make(map[int64]*store.Message),
		connMsgs:    make(map[string]*store.ConnectorMessage),
		content:     make(map[string][]byte),
		attachments: make(map[string][]byte),
		stats:       make(map[string]int64),
	}
}

func cmKey(msgID int64, metadataID int) string {
	return fmt.Sprintf("%d|%d", msgID, metadataID)
}

func contentKey(msgID int64, metadataID int, ct store.ContentType) string {
	return fmt.Sprintf("%d|%d|%d", msgID, metadataID, ct)
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *msg
	f.messages[msg.MsgID] = &cp
	return nil
}

func (f *fakeStore) UpsertConnectorMessage(ctx context.Context, cm *store.ConnectorMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cm
	f.connMsgs[cmKey(cm.MsgID, cm.MetadataID)] = &cp
	return nil
}

func (f *fakeStore) PutContent(ctx context.Context, row *store.ContentRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[contentKey(row.MsgID, row.MetadataID, row.ContentType)] = row.Payload
	return nil
}

func (f *fakeStore) GetContent(ctx context.Context, channelID string, msgID int64, metadataID int, ct store.ContentType) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[contentKey(msgID, metadataID, ct)], nil
}

func (f *fakeStore) ContentRowsForMessage(ctx context.Context, channelID string, msgID int64) ([]*store.ContentRow, error) {
	return nil, nil
}

func (f *fakeStore) PutAttachment(ctx context.Context, att *store.AttachmentRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[att.ChannelID+"|"+att.AttachmentID] = att.Bytes
	return nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, channelID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachments[channelID+"|"+attachmentID], nil
}

func (f *fakeStore) IncStats(ctx context.Context, channelID string, metadataID int, kind store.StatKind, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[fmt.Sprintf("%s|%d|%s", channelID, metadataID, kind)] += delta
	return nil
}

func (f *fakeStore) Search(ctx context.Context, channelID string, filter store.Filter, rng store.Range) (*store.SearchResult, error) {
	return &store.SearchResult{}, nil
}

func (f *fakeStore) CountByFilter(ctx context.Context, channelID string, filter store.Filter) (int, error) {
	return 0, nil
}

func (f *fakeStore) StatsForChannel(ctx context.Context, channelID string) (store.ChannelStats, error) {
	return store.ChannelStats{}, nil
}

func (f *fakeStore) Close() error                     { return nil }
func (f *fakeStore) Health(ctx context.Context) error { return nil }

func (f *fakeStore) status(msgID int64, metadataID int) store.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	cm := f.connMsgs[cmKey(msgID, metadataID)]
	if cm == nil {
		return ""
	}
	return cm.Status
}

func testAllocator(t *testing.T) *sequence.Allocator {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	schema := `
	CREATE TABLE sequence_counters (
		channel_id TEXT PRIMARY KEY,
		next_value INTEGER NOT NULL
	);
	CREATE TABLE sequence_blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		start_value INTEGER NOT NULL,
		end_value INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return sequence.New(db, 50)
}

func echoConnector(status string) DestinationConnector {
	return connectorFunc(func(ctx context.Context, payload []byte, sourceMap varmap.Map, props map[string]string) (SendResult, error) {
		return SendResult{Status: status, ResponseBody: []byte("ACK")}, nil
	})
}

type connectorFunc func(ctx context.Context, payload []byte, sourceMap varmap.Map, props map[string]string) (SendResult, error)

func (f connectorFunc) Send(ctx context.Context, payload []byte, sourceMap varmap.Map, props map[string]string) (SendResult, error) {
	return f(ctx, payload, sourceMap, props)
}

func newTestChannel(t *testing.T, fs *fakeStore) *Channel {
	t.Helper()
	queue := NewQueue(10, nil)
	return &Channel{
		ID:       "test-channel",
		State:    NewStateMachine(),
		Store:    fs,
		Sequence: testAllocator(t),
		ServerID: "srv-1",
		Destinations: []DestinationConfig{
			{
				MetadataID: 1,
				Name:       "dest1",
				Enabled:    true,
				Connector:  echoConnector("SENT"),
				Queue:      queue,
			},
		},
	}
}

func TestProcessRawMessage_HappyPathQueuesDestination(t *testing.T) {
	fs := newFakeStore()
	c := newTestChannel(t, fs)

	result, err := c.ProcessRawMessage(context.Background(), []byte("MSH|^~\\&|..."), varmap.Map{})
	if err != nil {
		t.Fatalf("ProcessRawMessage: %v", err)
	}
	if result.Status != string(store.StatusTransformed) {
		t.Fatalf("got status %s, want TRANSFORMED", result.Status)
	}

	if got := fs.status(result.MsgID, sourceMetadataID); got != store.StatusTransformed {
		t.Fatalf("source connector-message status = %s, want TRANSFORMED", got)
	}
	if got := fs.status(result.MsgID, 1); got != store.StatusQueued {
		t.Fatalf("destination connector-message status = %s, want QUEUED", got)
	}
	if c.Destinations[0].Queue.Len() != 1 {
		t.Fatalf("expected one item queued for destination, got %d", c.Destinations[0].Queue.Len())
	}
}

func TestProcessRawMessage_SourceFilterShortCircuits(t *testing.T) {
	fs := newFakeStore()
	c := newTestChannel(t, fs)
	c.SourceFilter = func(ctx context.Context, payload []byte, vars varmap.Map) StepResult {
		return StepResult{Outcome: Filtered}
	}

	result, err := c.ProcessRawMessage(context.Background(), []byte("raw"), varmap.Map{})
	if err != nil {
		t.Fatalf("ProcessRawMessage: %v", err)
	}
	if result.Status != string(store.StatusFiltered) {
		t.Fatalf("got status %s, want FILTERED", result.Status)
	}
	if c.Destinations[0].Queue.Len() != 0 {
		t.Fatal("expected no destination work item for a filtered message")
	}
}

func TestProcessRawMessage_PreprocessorErrorFailsSource(t *testing.T) {
	fs := newFakeStore()
	c := newTestChannel(t, fs)
	c.Preprocessor = func(ctx context.Context, payload []byte, vars varmap.Map) StepResult {
		return StepResult{Outcome: Error, Err: sql.ErrNoRows}
	}

	result, err := c.ProcessRawMessage(context.Background(), []byte("raw"), varmap.Map{})
	if err != nil {
		t.Fatalf("ProcessRawMessage: %v", err)
	}
	if result.Status != string(store.StatusError) {
		t.Fatalf("got status %s, want ERROR", result.Status)
	}
}

func TestProcessDestinationItem_SuccessFinishesAndRecordsSent(t *testing.T) {
	fs := newFakeStore()
	c := newTestChannel(t, fs)

	result, err := c.ProcessRawMessage(context.Background(), []byte("raw"), varmap.Map{})
	if err != nil {
		t.Fatalf("ProcessRawMessage: %v", err)
	}
	item, ok := c.Destinations[0].Queue.PollWithTimeout(context.Background(), time.Second)
	if !ok {
		t.Fatal("expected a queued item")
	}

	if err := c.ProcessDestinationItem(context.Background(), &c.Destinations[0], item); err != nil {
		t.Fatalf("ProcessDestinationItem: %v", err)
	}
	if got := fs.status(result.MsgID, 1); got != store.StatusSent {
		t.Fatalf("destination status = %s, want SENT", got)
	}
}

func TestProcessDestinationItem_SendFailureRetriesThenFails(t *testing.T) {
	fs := newFakeStore()
	c := newTestChannel(t, fs)
	failing := connectorFunc(func(ctx context.Context, payload []byte, sourceMap varmap.Map, props map[string]string) (SendResult, error) {
		return SendResult{}, sql.ErrConnDone
	})
	c.Destinations[0].Connector = failing
	c.Destinations[0].Retry = NewRetryTracker(RetryPolicy{MaxAttempts: 1, Interval: time.Millisecond})

	result, err := c.ProcessRawMessage(context.Background(), []byte("raw"), varmap.Map{})
	if err != nil {
		t.Fatalf("ProcessRawMessage: %v", err)
	}
	item, ok := c.Destinations[0].Queue.PollWithTimeout(context.Background(), time.Second)
	if !ok {
		t.Fatal("expected a queued item")
	}

	if err := c.ProcessDestinationItem(context.Background(), &c.Destinations[0], item); err != nil {
		t.Fatalf("ProcessDestinationItem: %v", err)
	}
	if got := fs.status(result.MsgID, 1); got != store.StatusError {
		t.Fatalf("destination status = %s, want ERROR after exhausting retries", got)
	}
}

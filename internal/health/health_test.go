package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ridgelinehealth/bridge/internal/engine"
	"github.com/ridgelinehealth/bridge/internal/registry"
	"github.com/ridgelinehealth/bridge/internal/sequence"
	"github.com/ridgelinehealth/bridge/internal/store"
)

type noopStore struct{}

func (noopStore) CreateMessage(ctx context.Context, msg *store.Message) error { return nil }
func (noopStore) UpsertConnectorMessage(ctx context.Context, cm *store.ConnectorMessage) error {
	return nil
}
func (noopStore) PutContent(ctx context.Context, row *store.ContentRow) error { return nil }
func (noopStore) GetContent(ctx context.Context, channelID string, msgID int64, metadataID int, ct store.ContentType) ([]byte, error) {
	return nil, nil
}
func (noopStore) ContentRowsForMessage(ctx context.Context, channelID string, msgID int64) ([]*store.ContentRow, error) {
	return nil, nil
}
func (noopStore) PutAttachment(ctx context.Context, att *store.AttachmentRow) error { return nil }
func (noopStore) GetAttachment(ctx context.Context, channelID, attachmentID string) ([]byte, error) {
	return nil, nil
}
func (noopStore) IncStats(ctx context.Context, channelID string, metadataID int, kind store.StatKind, delta int64) error {
	return nil
}
func (noopStore) Search(ctx context.Context, channelID string, filter store.Filter, rng store.Range) (*store.SearchResult, error) {
	return &store.SearchResult{}, nil
}
func (noopStore) CountByFilter(ctx context.Context, channelID string, filter store.Filter) (int, error) {
	return 0, nil
}
func (noopStore) StatsForChannel(ctx context.Context, channelID string) (store.ChannelStats, error) {
	return store.ChannelStats{}, nil
}

func (noopStore) Close() error               { return nil }
func (noopStore) Health(ctx context.Context) error { return nil }

func testEngine(t *testing.T) *engine.Controller {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`
	CREATE TABLE sequence_counters (channel_id TEXT PRIMARY KEY, next_value INTEGER NOT NULL);
	CREATE TABLE sequence_blocks (id INTEGER PRIMARY KEY AUTOINCREMENT, channel_id TEXT NOT NULL, start_value INTEGER NOT NULL, end_value INTEGER NOT NULL);
	`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return engine.New(engine.Config{
		Store:    noopStore{},
		Sequence: sequence.New(db, 50),
		ServerID: "srv-1",
	})
}

func TestLiveness_AlwaysOK(t *testing.T) {
	s := NewServer(testEngine(t), nil, 0)
	rec := httptest.NewRecorder()
	s.handleLiveness(rec, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
}

func TestStartup_NegativeUntilMarkedComplete(t *testing.T) {
	s := NewServer(testEngine(t), nil, 0)
	rec := httptest.NewRecorder()
	s.handleStartup(rec, httptest.NewRequest(http.MethodGet, "/api/health/startup", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503 before startup complete", rec.Code)
	}

	s.MarkStartupComplete()
	rec = httptest.NewRecorder()
	s.handleStartup(rec, httptest.NewRequest(http.MethodGet, "/api/health/startup", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 after startup complete", rec.Code)
	}
}

func TestReadiness_NegativeBeforeStartupComplete(t *testing.T) {
	s := NewServer(testEngine(t), nil, 0)
	rec := httptest.NewRecorder()
	s.handleReadiness(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503 before startup complete", rec.Code)
	}
}

func TestReadiness_PositiveAfterStartupWithNoQuorumChecker(t *testing.T) {
	s := NewServer(testEngine(t), nil, 0)
	s.MarkStartupComplete()
	rec := httptest.NewRecorder()
	s.handleReadiness(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 (no quorum checker means always ready)", rec.Code)
	}
}

func TestReadiness_FlipsNegativeDuringShutdown(t *testing.T) {
	s := NewServer(testEngine(t), nil, 0)
	s.MarkStartupComplete()
	s.Shutdown(context.Background(), 0)

	rec := httptest.NewRecorder()
	s.handleReadiness(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503 during shutdown", rec.Code)
	}
}

func TestReadiness_ReflectsRegistryQuorum(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	if _, err := db.Exec(`
	CREATE TABLE d_servers (
		server_id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		port INTEGER NOT NULL,
		api_url TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		status TEXT NOT NULL
	);
	`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	reg := registry.New(db, registry.Config{ServerID: "srv-1", Hostname: "h", Port: 1, APIURL: "http://h", HeartbeatTimeout: time.Second, QuorumEnabled: true})
	if err := reg.Register(context.Background(), registry.StatusOnline); err != nil {
		t.Fatalf("register: %v", err)
	}

	s := NewServer(testEngine(t), reg, 0)
	s.MarkStartupComplete()
	rec := httptest.NewRecorder()
	s.handleReadiness(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 with one online server forming quorum of one", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ready, _ := body["ready"].(bool); !ready {
		t.Fatalf("expected ready=true in body, got %v", body)
	}
}

func TestChannelHandler_NotFoundWhenUndeployed(t *testing.T) {
	eng := testEngine(t)
	s := NewServer(eng, nil, 0)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health/channels/{id}", s.handleChannel)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health/channels/unknown")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestDigestHandler_RendersMarkdownByDefaultAndHTMLOnRequest(t *testing.T) {
	eng := testEngine(t)
	if err := eng.Deploy(context.Background(), engine.ChannelSpec{ID: "adt-feed"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	s := NewServer(eng, nil, 0)

	rec := httptest.NewRecorder()
	s.handleDigest(rec, httptest.NewRequest(http.MethodGet, "/api/health/digest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "adt-feed") {
		t.Fatalf("expected digest markdown to mention the deployed channel, got:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.handleDigest(rec, httptest.NewRequest(http.MethodGet, "/api/health/digest?format=html", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<h1>") {
		t.Fatalf("expected digest HTML to contain a heading, got:\n%s", rec.Body.String())
	}
}

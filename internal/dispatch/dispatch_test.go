package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ridgelinehealth/bridge/internal/engineerr"
	"github.com/ridgelinehealth/bridge/internal/tuning"
	"github.com/ridgelinehealth/bridge/internal/varmap"
)

func testHTTPTuning() tuning.HTTPTuning {
	return tuning.HTTPTuning{
		DispatchTimeoutSeconds: 5,
		MaxIdleConns:           10,
		MaxIdleConnsPerHost:    2,
		MaxConnsPerHost:        5,
		IdleConnTimeoutSeconds: 30,
	}
}

func TestRegistry_SetLookupRemove(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("c1"); ok {
		t.Fatalf("Lookup() on empty registry returned ok=true")
	}

	r.Set(Deployment{ChannelID: "c1", ServerID: "srv-a", APIURL: "http://srv-a"})
	d, ok := r.Lookup("c1")
	if !ok || d.ServerID != "srv-a" {
		t.Fatalf("Lookup() = (%+v, %v), want srv-a", d, ok)
	}

	r.Remove("c1")
	if _, ok := r.Lookup("c1"); ok {
		t.Fatalf("Lookup() after Remove returned ok=true")
	}
}

func TestDispatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/internal/dispatch" {
			t.Errorf("path = %s, want /api/internal/dispatch", req.URL.Path)
		}
		if got := req.Header.Get("X-Cluster-Secret"); got != "s3cr3t" {
			t.Errorf("X-Cluster-Secret = %q, want s3cr3t", got)
		}
		var body DispatchRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.ChannelID != "c1" || body.RawData != "MSH|..." {
			t.Errorf("body = %+v, want channel c1 with raw data", body)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(DispatchResponse{MessageID: 42, Status: "QUEUED"})
	}))
	defer srv.Close()

	d := New(testHTTPTuning(), "s3cr3t")
	peer := Deployment{ChannelID: "c1", ServerID: "srv-b", APIURL: srv.URL}
	resp, err := d.Dispatch(context.Background(), peer, "MSH|...", varmap.New(map[string]any{"x": 1}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.MessageID != 42 || resp.Status != "QUEUED" {
		t.Fatalf("Dispatch() = %+v, want {42 QUEUED}", resp)
	}
}

func TestDispatch_AuthFailureIsKindAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid cluster secret"})
	}))
	defer srv.Close()

	d := New(testHTTPTuning(), "wrong-secret")
	peer := Deployment{ChannelID: "c1", ServerID: "srv-b", APIURL: srv.URL}
	_, err := d.Dispatch(context.Background(), peer, "MSH|...", nil)
	if err == nil {
		t.Fatalf("Dispatch() error = nil, want KindAuth error")
	}
	if !engineerr.Is(err, engineerr.KindAuth) {
		t.Fatalf("Dispatch() error kind = %v, want KindAuth", err)
	}
}

func TestDispatch_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(testHTTPTuning(), "s3cr3t")
	peer := Deployment{ChannelID: "c1", ServerID: "srv-b", APIURL: srv.URL}
	_, err := d.Dispatch(context.Background(), peer, "MSH|...", nil)
	if err == nil {
		t.Fatalf("Dispatch() error = nil, want transient error")
	}
	if !engineerr.Retryable(err) {
		t.Fatalf("Dispatch() error not retryable, want retryable transient error")
	}
}

func TestGuard_RejectsMissingOrWrongSecret(t *testing.T) {
	if err := Guard("s3cr3t", ""); err == nil {
		t.Fatalf("Guard() with empty header = nil, want error")
	}
	if err := Guard("s3cr3t", "nope"); err == nil {
		t.Fatalf("Guard() with wrong secret = nil, want error")
	}
	if err := Guard("s3cr3t", "s3cr3t"); err != nil {
		t.Fatalf("Guard() with matching secret = %v, want nil", err)
	}
}

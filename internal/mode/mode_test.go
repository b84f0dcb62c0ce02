package mode

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestShouldPoll_Auto(t *testing.T) {
	c := New(ModeAuto, nil)
	if !c.ShouldPoll("any-channel") {
		t.Fatalf("ShouldPoll() = false in ModeAuto, want true")
	}
}

func TestShouldPoll_ShadowRequiresPromotion(t *testing.T) {
	c := New(ModeShadow, nil)
	if c.ShouldPoll("c1") {
		t.Fatalf("ShouldPoll(c1) = true before promotion, want false")
	}
	c.Promote("c1")
	if !c.ShouldPoll("c1") {
		t.Fatalf("ShouldPoll(c1) = false after promotion, want true")
	}
	c.Demote("c1")
	if c.ShouldPoll("c1") {
		t.Fatalf("ShouldPoll(c1) = true after demotion, want false")
	}
}

func TestShouldPoll_TakeoverUsesAllowlist(t *testing.T) {
	c := New(ModeTakeover, []string{"c1", "c2"})
	if !c.ShouldPoll("c1") {
		t.Fatalf("ShouldPoll(c1) = false, want true (allow-listed)")
	}
	if c.ShouldPoll("c3") {
		t.Fatalf("ShouldPoll(c3) = true, want false (not allow-listed)")
	}
}

func TestSetMode_ChangesBehaviorAtRuntime(t *testing.T) {
	c := New(ModeShadow, nil)
	if c.ShouldPoll("c1") {
		t.Fatalf("ShouldPoll(c1) = true in shadow before cutover, want false")
	}
	c.SetMode(ModeAuto)
	if !c.ShouldPoll("c1") {
		t.Fatalf("ShouldPoll(c1) = false after cutover to auto, want true")
	}
}

func TestGuard_RejectsUnpromotedChannelInShadowMode(t *testing.T) {
	c := New(ModeShadow, nil)
	handlerCalled := false
	guarded := Guard(c, func(r *http.Request) string { return r.URL.Query().Get("channel") }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/dispatch?channel=c1", nil)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if handlerCalled {
		t.Fatalf("inner handler was called, want it blocked by Guard")
	}
}

func TestGuard_AllowsPromotedChannelInShadowMode(t *testing.T) {
	c := New(ModeShadow, nil)
	c.Promote("c1")
	guarded := Guard(c, func(r *http.Request) string { return r.URL.Query().Get("channel") }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/dispatch?channel=c1", nil)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestGuard_AllowsAutoModeRegardless(t *testing.T) {
	c := New(ModeAuto, nil)
	guarded := Guard(c, func(r *http.Request) string { return r.URL.Query().Get("channel") }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/dispatch?channel=c1", nil)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

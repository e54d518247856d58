package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inspectd/internal/config"
	"inspectd/internal/fleet"
	"inspectd/internal/gcclient"
	"inspectd/internal/gcclient/fake"
	"inspectd/internal/item"
	"inspectd/internal/resultcache"
	"inspectd/internal/scheduler"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testConfig() *config.Config {
	return &config.Config{
		APIKey:                  "secret-key",
		PriceKey:                "price-key",
		MaxSimultaneousRequests: 10,
		MaxQueueSize:            100,
		MaxAttempts:             3,
		AllowedOrigins:          []string{"https://example.com"},
	}
}

// newTestServer wires a Server against a single fake bot that resolves any
// InspectItem call immediately with an item matching the requested asset.
func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()

	cfg := testConfig()
	f := fleet.New(discardLogger())
	cache := resultcache.New(10)

	var sess *fake.Session
	factory := fake.NewFactory(func(s *fake.Session) {
		sess = s
		s.InspectFunc = func(owner, assetID, d string) error {
			go s.EmitInspectItemInfo(gcclient.ItemInfo{ItemID: assetID})
			return nil
		}
	})
	f.AddBot(config.Login{AccountName: "bot1"}, config.DefaultBotSettings(), factory, cache, nil)

	sched := scheduler.New(func(ctx context.Context, e *scheduler.QueueEntry) (item.Decorated, time.Duration, error) {
		return f.LookupFloat(ctx, e.Link)
	}, f, discardLogger())

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		f.Run(ctx)
		close(done)
	}()
	sched.Start(ctx)

	waitUntil(t, func() bool { return sess != nil }, "bot session construction")
	waitUntil(t, func() bool { return sess.LoginCallCount() > 0 }, "first login attempt")
	sess.EmitLoggedOn()
	sess.EmitOwnershipCached()
	sess.EmitConnectedToGC()
	waitUntil(t, func() bool { return f.ReadyCount() == 1 }, "bot to become ready")

	s := New(cfg, f, sched, cache, discardLogger())
	return s, func() {
		cancel()
		<-done
	}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleInspectDispatchesThroughFleet(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	body, _ := json.Marshal(map[string]any{
		"apiKey": "secret-key",
		"a":      "10", "d": "123", "s": "76561198000000000", "m": "0",
	})
	req := httptest.NewRequest(http.MethodPost, "/inspect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var got item.Decorated
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.A != "10" {
		t.Fatalf("A = %q, want 10", got.A)
	}
}

func TestHandleInspectReturnsCachedItem(t *testing.T) {
	cfg := testConfig()
	f := fleet.New(discardLogger())
	cache := resultcache.New(10)
	cache.Insert(item.Decorated{A: "42", ItemName: "AK-47 | Redline"}, nil)
	sched := scheduler.New(nil, f, discardLogger())

	s := New(cfg, f, sched, cache, discardLogger())

	body, _ := json.Marshal(map[string]any{
		"apiKey": "secret-key",
		"a":      "42", "d": "1", "s": "1", "m": "0",
	})
	req := httptest.NewRequest(http.MethodPost, "/inspect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var got item.Decorated
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ItemName != "AK-47 | Redline" {
		t.Fatalf("ItemName = %q, want AK-47 | Redline", got.ItemName)
	}
}

func TestHandleInspectRejectsBadAPIKey(t *testing.T) {
	cfg := testConfig()
	f := fleet.New(discardLogger())
	cache := resultcache.New(10)
	sched := scheduler.New(nil, f, discardLogger())
	s := New(cfg, f, sched, cache, discardLogger())

	body, _ := json.Marshal(map[string]any{"apiKey": "wrong", "a": "1", "d": "1", "s": "1", "m": "0"})
	req := httptest.NewRequest(http.MethodPost, "/inspect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleInspectSteamOfflineWithNoBots(t *testing.T) {
	cfg := testConfig()
	f := fleet.New(discardLogger())
	cache := resultcache.New(10)
	sched := scheduler.New(nil, f, discardLogger())
	s := New(cfg, f, sched, cache, discardLogger())

	body, _ := json.Marshal(map[string]any{"apiKey": "secret-key", "a": "1", "d": "1", "s": "1", "m": "0"})
	req := httptest.NewRequest(http.MethodPost, "/inspect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleStatsRequiresAdminKey(t *testing.T) {
	cfg := testConfig()
	f := fleet.New(discardLogger())
	cache := resultcache.New(10)
	sched := scheduler.New(nil, f, discardLogger())
	s := New(cfg, f, sched, cache, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status without key = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats?apiKey=secret-key", nil)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status with query key = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("X-Api-Key", "secret-key")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status with header key = %d, want 200", w.Code)
	}
}

func TestCORSHeadersOnlyForAllowedOrigin(t *testing.T) {
	cfg := testConfig()
	f := fleet.New(discardLogger())
	cache := resultcache.New(10)
	sched := scheduler.New(nil, f, discardLogger())
	s := New(cfg, f, sched, cache, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/stats?apiKey=secret-key", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats?apiKey=secret-key", nil)
	req.Header.Set("Origin", "https://evil.com")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want empty for disallowed origin", got)
	}
}

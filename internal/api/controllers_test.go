package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"strategy-engine/internal/events"
	"strategy-engine/internal/journal"
	"strategy-engine/internal/lifecycle"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/stats"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

const testSecret = "test-secret"

type fakeLifecycle struct {
	mu          sync.Mutex
	transitions []strategy.Mode
	resets      []strategy.Key
	running     map[strategy.Key]bool
}

func (f *fakeLifecycle) Transition(_ context.Context, key strategy.Key, mode strategy.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, mode)
	f.running[key] = mode.Active()
	return nil
}

func (f *fakeLifecycle) Reset(_ context.Context, key strategy.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, key)
	return nil
}

func (f *fakeLifecycle) ChangeSymbol(_ context.Context, key strategy.Key, symbol string) (strategy.Key, error) {
	switch symbol {
	case "", key.Symbol:
		return key, lifecycle.ErrInvalidSymbol
	case "ETHUSDT":
		return key, store.ErrExists
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, key)
	return strategy.Key{Name: key.Name, Symbol: symbol}, nil
}

func (f *fakeLifecycle) Status() []lifecycle.TaskStatus { return nil }

func (f *fakeLifecycle) modes() []strategy.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]strategy.Mode(nil), f.transitions...)
}

func (f *fakeLifecycle) resetKeys() []strategy.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]strategy.Key(nil), f.resets...)
}

func (f *fakeLifecycle) Running(key strategy.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[key]
}

func (f *fakeLifecycle) LastError(key strategy.Key) string {
	if key.Symbol == "ETHUSDT" {
		return "fetch bars: timeout"
	}
	return ""
}

type testEnv struct {
	ts      *httptest.Server
	bus     *events.Bus
	manager *fakeLifecycle
	store   *store.FileStore
	journal *journal.Journal
	metrics *monitor.SystemMetrics
	token   string
}

func newTestAPIServer(t *testing.T, secret string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewFileStore(t.TempDir(), zerolog.Nop())
	ctx := context.Background()
	for _, cfg := range []strategy.Config{
		{Name: "dual_ma", Symbol: "BTCUSDT", Mode: strategy.ModePaper, Interval: "1h", Exchange: "MEXC", FilePath: "dual_ma"},
		{Name: "dual_ma", Symbol: "ETHUSDT", Mode: strategy.ModeDisabled, Interval: "1h", Exchange: "MEXC", FilePath: "dual_ma"},
	} {
		if err := st.Upsert(ctx, cfg); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	env := &testEnv{
		bus:     events.NewBus(),
		manager: &fakeLifecycle{running: map[strategy.Key]bool{{Name: "dual_ma", Symbol: "BTCUSDT"}: true}},
		store:   st,
		journal: journal.New(t.TempDir(), time.UTC, zerolog.Nop()),
	}
	env.metrics = monitor.NewSystemMetrics(nil)
	server := NewServer(env.bus, env.manager, st, env.journal, env.metrics, secret, "test", zerolog.Nop())
	env.ts = httptest.NewServer(server.Router)
	t.Cleanup(env.ts.Close)

	if secret != "" {
		token, err := IssueToken("tester", secret, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		env.token = token
	}
	return env
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestAPIServer(t, testSecret)

	var resp struct {
		Status string `json:"status"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/health", "", nil, &resp)
	if status != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.ts.Client()

	wrong, err := IssueToken("tester", "other-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	expired, err := IssueToken("tester", testSecret, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"garbage", "not-a-jwt", "INVALID_TOKEN"},
		{"wrong secret", wrong, "INVALID_TOKEN"},
		{"expired", expired, "INVALID_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp struct {
				Code string `json:"code"`
			}
			status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/strategies", tt.token, nil, &resp)
			if status != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", status)
			}
			if resp.Code != tt.code {
				t.Fatalf("code=%s, expected %s", resp.Code, tt.code)
			}
		})
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	env := newTestAPIServer(t, "")
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/strategies", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", status)
	}
}

func TestListStrategies(t *testing.T) {
	env := newTestAPIServer(t, testSecret)

	var resp struct {
		Strategies []strategyView `json:"strategies"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/strategies", env.token, nil, &resp)
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if len(resp.Strategies) != 2 {
		t.Fatalf("got %d strategies, expected 2", len(resp.Strategies))
	}
	byKey := map[string]strategyView{}
	for _, s := range resp.Strategies {
		byKey[s.Symbol] = s
	}
	if !byKey["BTCUSDT"].Running || byKey["BTCUSDT"].Mode != strategy.ModePaper {
		t.Fatalf("BTCUSDT=%+v", byKey["BTCUSDT"])
	}
	if byKey["ETHUSDT"].Running || byKey["ETHUSDT"].LastError != "fetch bars: timeout" {
		t.Fatalf("ETHUSDT=%+v", byKey["ETHUSDT"])
	}
}

func TestSetMode(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.ts.Client()
	url := env.ts.URL + "/api/strategies/dual_ma/ETHUSDT/mode"

	var resp struct {
		Mode    strategy.Mode `json:"mode"`
		Running bool          `json:"running"`
	}
	status := doJSONRequest(t, client, http.MethodPut, url, env.token, map[string]string{"mode": "auto"}, &resp)
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if resp.Mode != strategy.ModeAuto || !resp.Running {
		t.Fatalf("resp=%+v", resp)
	}

	mode, err := env.store.CurrentMode(context.Background(), strategy.Key{Name: "dual_ma", Symbol: "ETHUSDT"})
	if err != nil || mode != strategy.ModeAuto {
		t.Fatalf("stored mode=%s err=%v", mode, err)
	}
	if modes := env.manager.modes(); len(modes) != 1 || modes[0] != strategy.ModeAuto {
		t.Fatalf("transitions=%v", modes)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	if status := doJSONRequest(t, client, http.MethodPut, url, env.token, map[string]string{"mode": "turbo"}, &errResp); status != http.StatusBadRequest || errResp.Code != "INVALID_MODE" {
		t.Fatalf("status=%d code=%s", status, errResp.Code)
	}
	missing := env.ts.URL + "/api/strategies/dual_ma/XRPUSDT/mode"
	if status := doJSONRequest(t, client, http.MethodPut, missing, env.token, map[string]string{"mode": "paper"}, &errResp); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", status)
	}
	if modes := env.manager.modes(); len(modes) != 1 {
		t.Fatalf("rejected requests must not transition, got %v", modes)
	}
}

func TestGetSummary(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.ts.Client()
	url := env.ts.URL + "/api/strategies/dual_ma/BTCUSDT/summary"

	if status := doJSONRequest(t, client, http.MethodGet, url, env.token, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 before first cycle, got %d", status)
	}

	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	err := env.journal.Persist(journal.Record{
		Namespace: "simulations",
		Strategy:  "dual_ma",
		Symbol:    "BTCUSDT",
		Summary:   stats.Summary{Strategy: "dual_ma", Symbol: "BTCUSDT", NetProfit: 12.5, TotalTrades: 1, LastUpdated: now},
		Period:    env.journal.Period(now),
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var resp struct {
		Namespace string        `json:"namespace"`
		Summary   stats.Summary `json:"summary"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, url, env.token, nil, &resp); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if resp.Namespace != "simulations" || resp.Summary.NetProfit != 12.5 {
		t.Fatalf("resp=%+v", resp)
	}

	if status := doJSONRequest(t, client, http.MethodGet, url+"?namespace=live", env.token, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for empty live namespace, got %d", status)
	}
	if status := doJSONRequest(t, client, http.MethodGet, url+"?namespace=../etc", env.token, nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad namespace, got %d", status)
	}
}

func TestResetStrategy(t *testing.T) {
	env := newTestAPIServer(t, testSecret)

	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/api/strategies/dual_ma/BTCUSDT/reset", env.token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if resets := env.manager.resetKeys(); len(resets) != 1 || resets[0].Symbol != "BTCUSDT" {
		t.Fatalf("resets=%v", resets)
	}
}

func TestChangeSymbol(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	url := env.ts.URL + "/api/strategies/dual_ma/BTCUSDT/symbol"

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"moved", map[string]string{"symbol": "SOLUSDT"}, http.StatusOK},
		{"taken", map[string]string{"symbol": "ETHUSDT"}, http.StatusConflict},
		{"unchanged", map[string]string{"symbol": "BTCUSDT"}, http.StatusBadRequest},
		{"bad payload", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]any
			if status := doJSONRequest(t, env.ts.Client(), http.MethodPut, url, env.token, tt.body, &out); status != tt.status {
				t.Fatalf("status=%d, expected %d (%v)", status, tt.status, out)
			}
		})
	}
	if resets := env.manager.resetKeys(); len(resets) != 1 || resets[0].Symbol != "BTCUSDT" {
		t.Fatalf("changed keys=%v", resets)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestAPIServer(t, "")

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("X-Request-ID=%q", got)
	}
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(1, 2)
	lim := l.get("10.0.0.1")
	if !lim.Allow() || !lim.Allow() {
		t.Fatal("burst should allow two requests")
	}
	if lim.Allow() {
		t.Fatal("third immediate request should be limited")
	}
	if l.get("10.0.0.1") != lim {
		t.Fatal("limiter not reused for the same IP")
	}
	if !l.get("10.0.0.2").Allow() {
		t.Fatal("other IPs must have their own bucket")
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	env := newTestAPIServer(t, testSecret)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/events?token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.bus.Publish(events.Message{Event: events.EventCycleCompleted, Strategy: "dual_ma", Symbol: "BTCUSDT", Time: time.Now()})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg events.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != events.EventCycleCompleted || msg.Symbol != "BTCUSDT" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestWebsocketRequiresToken(t *testing.T) {
	env := newTestAPIServer(t, testSecret)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.ts.Client()
	env.metrics.Observe(events.Message{Event: events.EventCycleCompleted, TaskID: "t1", Time: time.Now()})

	doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/health", "", nil, nil)

	var snap monitor.MetricsSnapshot
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/metrics", env.token, nil, &snap); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if snap.CyclesCompleted != 1 {
		t.Fatalf("CyclesCompleted=%d, expected 1", snap.CyclesCompleted)
	}
	if snap.APIRequests < 1 {
		t.Fatalf("APIRequests=%d, expected the health request to be counted", snap.APIRequests)
	}
}

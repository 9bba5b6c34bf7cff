package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-engine/internal/events"
	"strategy-engine/internal/journal"
	"strategy-engine/internal/market"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

const (
	buy  = strategy.ActionBuy
	sell = strategy.ActionSell
)

type harness struct {
	m       *Manager
	store   *store.FileStore
	journal *journal.Journal
	events  <-chan events.Message
	dataDir string
}

func newHarness(t *testing.T, p market.Provider, sources SourceResolver, now time.Time) *harness {
	t.Helper()
	h := &harness{dataDir: t.TempDir()}
	h.store = store.NewFileStore(h.dataDir, zerolog.Nop())
	h.journal = journal.New(t.TempDir(), time.UTC, zerolog.Nop())

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.All, 4096)
	t.Cleanup(unsub)
	h.events = ch

	h.m = NewManager(h.store, staticFactory{p}, sources, h.journal, bus, zerolog.Nop(), Options{
		PollInterval: 20 * time.Millisecond,
		Now:          func() time.Time { return now },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.m.ShutdownAll(ctx); err != nil {
			t.Errorf("ShutdownAll: %v", err)
		}
	})
	return h
}

func (h *harness) add(t *testing.T, mode strategy.Mode) strategy.Key {
	t.Helper()
	cfg := strategy.Config{
		Name:     "dual_ma",
		Symbol:   "BTC/USDT",
		Mode:     mode,
		Interval: "1m",
		Exchange: "MEXC",
		FilePath: "dual_ma",
	}
	if err := h.store.Upsert(context.Background(), cfg); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return cfg.Key()
}

func (h *harness) waitFor(t *testing.T, what string, match func(events.Message) bool) events.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-h.events:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (h *harness) waitCycles(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.waitFor(t, "cycle", is(events.EventCycleCompleted))
	}
}

// waitTaskCycles ignores cycles of tasks other than id.
func (h *harness) waitTaskCycles(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.waitFor(t, "task cycle", func(m events.Message) bool {
			return m.Event == events.EventCycleCompleted && m.TaskID == id
		})
	}
}

func is(e events.Event) func(events.Message) bool {
	return func(m events.Message) bool { return m.Event == e }
}

func TestPaperRunJournalsClosedTrade(t *testing.T) {
	p := &fakeProvider{prices: []float64{100, 110}}
	r := &scriptResolver{}
	r.script(buy, sell)
	h := newHarness(t, p, r, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	h.waitCycles(t, 2)
	if err := h.m.Stop(ctx, key); err != nil {
		t.Fatal(err)
	}

	sum, err := h.journal.LoadSummary("simulations", key.Name, key.Symbol)
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if sum.NetProfit != 100 || !sum.ProfitFactor.IsInf() || sum.WinRate != 100 || sum.TotalTrades != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if sum.Strategy != "dual_ma" || sum.Symbol != "BTC/USDT" || !sum.LastUpdated.Equal(epoch) {
		t.Fatalf("summary identity=%+v", sum)
	}

	trades, _ := h.journal.LoadTrades("simulations", key.Name, key.Symbol)
	if len(trades) != 2 {
		t.Fatalf("trades=%d, expected 2", len(trades))
	}
	if _, err := os.Stat(h.journal.Dir("live", key.Name, key.Symbol)); !os.IsNotExist(err) {
		t.Fatalf("paper run wrote to the live namespace: %v", err)
	}
	if h.m.Running(key) {
		t.Fatal("task still running after Stop")
	}
}

func TestAtMostOneTaskPerKey(t *testing.T) {
	p := &fakeProvider{price: 100}
	h := newHarness(t, p, &scriptResolver{}, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
				t.Errorf("Transition: %v", err)
			}
		}()
	}
	wg.Wait()
	h.waitCycles(t, 3)

	status := h.m.Status()
	if len(status) != 1 || !status[0].Running || status[0].Mode != strategy.ModePaper {
		t.Fatalf("status=%+v", status)
	}
	first := status[0].TaskID

	// Activating again in the same mode replaces the task too.
	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "replacement task", func(m events.Message) bool {
		return m.Event == events.EventCycleCompleted && m.TaskID != first
	})
	status = h.m.Status()
	if len(status) != 1 || !status[0].Running || status[0].TaskID == first {
		t.Fatalf("status after re-activation=%+v, expected a new task", status)
	}
	first = status[0].TaskID

	// Switching mode replaces the task; the old one is gone before the new one starts.
	if err := h.store.SetMode(ctx, key, strategy.ModeLive); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Transition(ctx, key, strategy.ModeLive); err != nil {
		t.Fatal(err)
	}
	h.waitCycles(t, 2)

	status = h.m.Status()
	if len(status) != 1 || status[0].Mode != strategy.ModeLive || status[0].TaskID == first {
		t.Fatalf("status after switch=%+v", status)
	}
	if got := p.maxInflight.Load(); got != 1 {
		t.Fatalf("max concurrent fetches=%d, expected 1", got)
	}
}

func TestRecordEditRestartsTask(t *testing.T) {
	p := &fakeProvider{price: 100}
	var (
		mu     sync.Mutex
		params []any
	)
	h := newHarness(t, p, sourceFunc(func(cfg strategy.Config) (strategy.Source, error) {
		mu.Lock()
		params = append(params, cfg.Parameters["ma_short"])
		mu.Unlock()
		return &scripted{}, nil
	}), epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitCycles(t, 1)
	first := h.m.Status()[0].TaskID

	cfg, err := h.store.Strategy(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Parameters = map[string]any{"ma_short": float64(3)}
	if err := h.store.Upsert(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "restarted task", func(m events.Message) bool {
		return m.Event == events.EventCycleCompleted && m.TaskID != first
	})

	mu.Lock()
	defer mu.Unlock()
	if len(params) != 2 || params[0] != nil || params[1] != float64(3) {
		t.Fatalf("resolved parameters=%v, expected [nil 3]", params)
	}
}

func TestResetExcludesConcurrentActivation(t *testing.T) {
	p := &fakeProvider{price: 100}
	r := &scriptResolver{}
	var script []strategy.Action
	for i := 0; i < 50; i++ {
		script = append(script, buy, sell)
	}
	r.script(script...)
	h := newHarness(t, p, r, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitCycles(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.m.Reconcile(ctx); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		}()
	}
	if err := h.m.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	wg.Wait()

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitTaskCycles(t, h.m.Status()[0].TaskID, 3)
	if err := h.m.Stop(ctx, key); err != nil {
		t.Fatal(err)
	}

	logged, err := h.journal.LoadTrades("simulations", key.Name, key.Symbol)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := h.journal.LoadSummary("simulations", key.Name, key.Symbol)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalTransactions != len(logged) {
		t.Fatalf("summary counts %d transactions, trade log holds %d", summary.TotalTransactions, len(logged))
	}
}

func TestChangeSymbol(t *testing.T) {
	p := &fakeProvider{price: 100}
	r := &scriptResolver{}
	r.script(buy)
	h := newHarness(t, p, r, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitCycles(t, 2)

	next, err := h.m.ChangeSymbol(ctx, key, "ETH/USDT")
	if err != nil {
		t.Fatalf("ChangeSymbol: %v", err)
	}
	if next != (strategy.Key{Name: key.Name, Symbol: "ETH/USDT"}) {
		t.Fatalf("next=%v", next)
	}
	if h.m.Running(key) || h.m.Running(next) {
		t.Fatal("a task survived the symbol change")
	}
	if _, err := os.Stat(h.journal.Dir("simulations", key.Name, key.Symbol)); !os.IsNotExist(err) {
		t.Fatalf("old journal survived: %v", err)
	}
	if _, err := h.store.ActivatedAt(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old activation survived: %v", err)
	}
	if _, err := h.store.Strategy(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old record survived: %v", err)
	}
	cfg, err := h.store.Strategy(ctx, next)
	if err != nil || cfg.Mode != strategy.ModeDisabled || cfg.Interval != "1m" {
		t.Fatalf("moved record=%+v err=%v", cfg, err)
	}

	// Switching back starts from nothing.
	back, err := h.m.ChangeSymbol(ctx, next, key.Symbol)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetMode(ctx, back, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Transition(ctx, back, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitTaskCycles(t, h.m.Status()[0].TaskID, 1)
	if err := h.m.Stop(ctx, back); err != nil {
		t.Fatal(err)
	}
	logged, err := h.journal.LoadTrades("simulations", back.Name, back.Symbol)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 1 {
		t.Fatalf("trades after switching back=%d, expected only the new buy", len(logged))
	}

	if _, err := h.m.ChangeSymbol(ctx, back, back.Symbol); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("unchanged symbol err=%v", err)
	}
	other := strategy.Config{Name: back.Name, Symbol: "SOL/USDT", Mode: strategy.ModeDisabled, Interval: "1m", FilePath: "dual_ma"}
	if err := h.store.Upsert(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.ChangeSymbol(ctx, back, other.Symbol); !errors.Is(err, store.ErrExists) {
		t.Fatalf("taken symbol err=%v", err)
	}
}

func TestProviderTimeoutsKeepTaskAlive(t *testing.T) {
	p := &fakeProvider{price: 100, failFirst: 3, gate: make(chan struct{})}
	h := newHarness(t, p, &scriptResolver{}, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		msg := h.waitFor(t, "iteration failure", func(m events.Message) bool {
			if m.Event == events.EventCycleCompleted {
				t.Fatalf("cycle completed during provider outage")
			}
			return m.Event == events.EventIterationError
		})
		if !strings.Contains(msg.Error, "deadline exceeded") {
			t.Fatalf("iteration error=%q", msg.Error)
		}
	}

	if !h.m.Running(key) {
		t.Fatal("task died after timeouts")
	}
	dir := h.journal.Dir("simulations", key.Name, key.Symbol)
	if _, err := os.Stat(filepath.Join(dir, "summary.json")); !os.IsNotExist(err) {
		t.Fatalf("summary written during outage: %v", err)
	}
	if h.m.LastError(key) == "" {
		t.Fatal("last error not recorded")
	}

	close(p.gate)
	h.waitCycles(t, 1)
	if _, err := os.Stat(filepath.Join(dir, "summary.json")); err != nil {
		t.Fatalf("summary after recovery: %v", err)
	}
}

func TestCancelledTaskDoesNotPersist(t *testing.T) {
	p := &fakeProvider{price: 100}
	src := &blockingSource{entered: make(chan struct{})}
	h := newHarness(t, p, sourceFunc(func(strategy.Config) (strategy.Source, error) { return src, nil }), epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("source never evaluated")
	}
	if err := h.m.Stop(ctx, key); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(h.journal.Dir("simulations", key.Name, key.Symbol)); !os.IsNotExist(err) {
		t.Fatalf("cancelled iteration persisted: %v", err)
	}
	h.waitFor(t, "task stop", is(events.EventTaskStopped))
}

func TestAutoPromotion(t *testing.T) {
	tests := []struct {
		name     string
		days     int
		promoted bool
	}{
		{"one day short", 6, false},
		{"time and profit met", 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{prices: []float64{100, 200}}
			r := &scriptResolver{}
			r.script(buy, sell)
			h := newHarness(t, p, r, epoch)
			ctx := context.Background()
			key := h.add(t, strategy.ModeAuto)

			promo := `{"auto_settings": {"auto_days": 7, "required_profit": 5}}`
			if err := os.WriteFile(filepath.Join(h.dataDir, store.PromotionFile), []byte(promo), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := h.store.Activate(ctx, key, epoch.Add(-time.Duration(tt.days)*24*time.Hour)); err != nil {
				t.Fatal(err)
			}

			if err := h.m.Transition(ctx, key, strategy.ModeAuto); err != nil {
				t.Fatal(err)
			}

			if !tt.promoted {
				h.waitCycles(t, 4)
				if mode, _ := h.store.CurrentMode(ctx, key); mode != strategy.ModeAuto {
					t.Fatalf("mode=%s, expected Auto", mode)
				}
				sum, err := h.journal.LoadSummary("simulations", key.Name, key.Symbol)
				if err != nil || sum.DaysActive != 6 || sum.ProfitPct != 100 {
					t.Fatalf("summary=%+v err=%v", sum, err)
				}
				return
			}

			h.waitFor(t, "promotion", is(events.EventPromoted))
			h.waitFor(t, "live task", func(m events.Message) bool {
				return m.Event == events.EventTaskStarted && m.Mode == string(strategy.ModeLive)
			})
			if mode, _ := h.store.CurrentMode(ctx, key); mode != strategy.ModeLive {
				t.Fatalf("stored mode=%s, expected Live", mode)
			}
			h.waitCycles(t, 1)
			status := h.m.Status()
			if len(status) != 1 || status[0].Mode != strategy.ModeLive || !status[0].Running {
				t.Fatalf("status=%+v", status)
			}
			// The Live task never evaluates promotion again.
			h.waitCycles(t, 2)
			for {
				select {
				case m := <-h.events:
					if m.Event == events.EventPromoted {
						t.Fatal("promoted twice")
					}
					continue
				default:
				}
				break
			}
		})
	}
}

func TestExternalModeChangeHandsOff(t *testing.T) {
	p := &fakeProvider{price: 100}
	h := newHarness(t, p, &scriptResolver{}, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitCycles(t, 1)

	if err := h.store.SetMode(ctx, key, strategy.ModeLive); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "live task", func(m events.Message) bool {
		return m.Event == events.EventTaskStarted && m.Mode == string(strategy.ModeLive)
	})

	if err := h.store.SetMode(ctx, key, strategy.ModeDisabled); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "stop", is(events.EventTaskStopped))
	deadline := time.Now().Add(5 * time.Second)
	for h.m.Running(key) {
		if time.Now().After(deadline) {
			t.Fatal("task still running after Disabled")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRestartRestoresTrades(t *testing.T) {
	p := &fakeProvider{price: 100}
	r := &scriptResolver{}
	r.script(buy)
	h := newHarness(t, p, r, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)

	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitCycles(t, 1)
	if err := h.m.Stop(ctx, key); err != nil {
		t.Fatal(err)
	}

	p.setPrices(110)
	r.script(sell)
	if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
		t.Fatal(err)
	}
	h.waitCycles(t, 2)
	if err := h.m.Stop(ctx, key); err != nil {
		t.Fatal(err)
	}

	trades, _ := h.journal.LoadTrades("simulations", key.Name, key.Symbol)
	if len(trades) != 2 {
		t.Fatalf("trades=%d, expected 2 (no duplicates after restart)", len(trades))
	}
	if trades[1].ProfitUSD != 100 {
		t.Fatalf("profit=%v, expected 100 from restored position", trades[1].ProfitUSD)
	}
	sum, _ := h.journal.LoadSummary("simulations", key.Name, key.Symbol)
	if sum.NetProfit != 100 || sum.TotalTransactions != 2 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestFatalErrorsEndTask(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		sources  SourceResolver
		want     error
	}{
		{
			name:     "unknown source",
			provider: &fakeProvider{price: 100},
			sources:  &scriptResolver{err: fmt.Errorf("%w: %q", strategy.ErrUnknownSource, "nope")},
			want:     strategy.ErrUnknownSource,
		},
		{
			name:     "clock drift",
			provider: &fakeProvider{price: 100, drift: 20000},
			sources:  &scriptResolver{},
			want:     market.ErrClockDrift,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.provider, tt.sources, epoch)
			ctx := context.Background()
			key := h.add(t, strategy.ModePaper)

			if err := h.m.Transition(ctx, key, strategy.ModePaper); err != nil {
				t.Fatal(err)
			}
			msg := h.waitFor(t, "task failure", is(events.EventTaskFailed))
			if !strings.Contains(msg.Error, tt.want.Error()) {
				t.Fatalf("error=%q, expected %q", msg.Error, tt.want)
			}

			deadline := time.Now().Add(5 * time.Second)
			for h.m.Running(key) {
				if time.Now().After(deadline) {
					t.Fatal("task still running")
				}
				time.Sleep(10 * time.Millisecond)
			}
			if !strings.Contains(h.m.LastError(key), tt.want.Error()) {
				t.Fatalf("LastError=%q", h.m.LastError(key))
			}
			log, err := os.ReadFile(h.journal.ErrorLog("simulations"))
			if err != nil || !strings.Contains(string(log), tt.want.Error()) {
				t.Fatalf("errors.log=%q err=%v", log, err)
			}
		})
	}
}

func TestReconcileResetRemove(t *testing.T) {
	p := &fakeProvider{price: 100}
	h := newHarness(t, p, &scriptResolver{}, epoch)
	ctx := context.Background()
	key := h.add(t, strategy.ModePaper)
	idle := strategy.Config{Name: "rsi", Symbol: "ETH/USDT", Mode: strategy.ModeDisabled, Interval: "1h", FilePath: "rsi"}
	if err := h.store.Upsert(ctx, idle); err != nil {
		t.Fatal(err)
	}

	if err := h.m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	h.waitCycles(t, 1)
	if !h.m.Running(key) || h.m.Running(idle.Key()) {
		t.Fatalf("running: %v / %v", h.m.Running(key), h.m.Running(idle.Key()))
	}

	if err := h.m.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.m.Running(key) {
		t.Fatal("Reset left the task running")
	}
	if _, err := os.Stat(h.journal.Dir("simulations", key.Name, key.Symbol)); !os.IsNotExist(err) {
		t.Fatalf("journal survived reset: %v", err)
	}
	if _, err := h.store.ActivatedAt(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("activation survived reset: %v", err)
	}

	if err := h.m.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.store.Strategy(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record survived remove: %v", err)
	}

	if err := h.m.ShutdownAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Transition(ctx, key, strategy.ModePaper); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Transition after shutdown err=%v", err)
	}
}

func TestIsTaskFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", market.ErrUnsupportedMarket), true},
		{fmt.Errorf("x: %w", market.ErrClockDrift), true},
		{strategy.ErrUnknownSource, true},
		{store.ErrNoCredentials, true},
		{context.DeadlineExceeded, false},
		{market.ErrNoData, false},
		{&journal.PersistError{Stage: "summary.json", Err: os.ErrPermission}, false},
	}
	for _, tt := range tests {
		if got := IsTaskFatal(tt.err); got != tt.want {
			t.Fatalf("IsTaskFatal(%v)=%v, expected %v", tt.err, got, tt.want)
		}
	}
}

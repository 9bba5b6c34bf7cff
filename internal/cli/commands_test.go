package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-engine/internal/journal"
	"strategy-engine/internal/portfolio"
	"strategy-engine/internal/stats"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/crypto"
	"strategy-engine/pkg/db"
)

const seedYAML = `strategies:
  - name: dual_ma
    symbol: BTCUSDT
    interval: 15min
    mode: Paper
    file_path: strategies/strategy_dual_ma.py
    parameters: {ma_short: 5, ma_long: 10}
  - name: dual_ma
    symbol: ETHUSDT
    interval: 1h
`

type testDirs struct {
	data    string
	results string
}

func setupEnv(t *testing.T) testDirs {
	t.Helper()
	dirs := testDirs{data: t.TempDir(), results: t.TempDir()}
	t.Setenv("DATA_DIR", dirs.data)
	t.Setenv("RESULTS_DIR", dirs.results)
	t.Setenv("STORE_BACKEND", "file")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("JWT_SECRET", "")
	return dirs
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeJournal(t *testing.T, dirs testDirs, summary stats.Summary, trades []portfolio.Trade) *journal.Journal {
	t.Helper()
	j := journal.New(dirs.results, time.UTC, zerolog.Nop())
	err := j.Persist(journal.Record{
		Namespace: "simulations",
		Strategy:  "dual_ma",
		Symbol:    "BTCUSDT",
		NewTrades: trades,
		Summary:   summary,
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	return j
}

func roundTrip() []portfolio.Trade {
	entry := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return []portfolio.Trade{
		{Side: portfolio.SideBuy, Price: 100, Time: entry},
		{Side: portfolio.SideSell, Price: 110, Time: entry.Add(time.Hour), ProfitUSD: 100, DurationMinutes: 60},
	}
}

func TestImportAndSetMode(t *testing.T) {
	dirs := setupEnv(t)
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(seed, []byte(seedYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "import", seed)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "imported 2 strategies") {
		t.Fatalf("output=%q", out)
	}

	st := store.NewFileStore(dirs.data, zerolog.Nop())
	eth := strategy.Key{Name: "dual_ma", Symbol: "ETHUSDT"}
	cfg, err := st.Strategy(context.Background(), eth)
	if err != nil {
		t.Fatalf("Strategy: %v", err)
	}
	if cfg.Mode != strategy.ModeDisabled || cfg.Exchange != strategy.DefaultExchange {
		t.Fatalf("cfg=%+v", cfg)
	}

	if _, err := execute(t, "set-mode", "dual_ma", "ETHUSDT", "auto"); err != nil {
		t.Fatalf("set-mode: %v", err)
	}
	if mode, _ := st.CurrentMode(context.Background(), eth); mode != strategy.ModeAuto {
		t.Fatalf("mode=%s, expected Auto", mode)
	}

	if _, err := execute(t, "set-mode", "dual_ma", "ETHUSDT", "sideways"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := execute(t, "set-mode", "dual_ma", "XRPUSDT", "paper"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v, expected ErrNotFound", err)
	}
}

func TestSummarizeRecomputesFromTradeLog(t *testing.T) {
	dirs := setupEnv(t)
	writeJournal(t, dirs, stats.Summary{}, roundTrip())

	out, err := execute(t, "summarize", "dual_ma", "BTCUSDT")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	var got stats.Summary
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.NetProfit != 100 || got.TotalTrades != 1 || got.WinRate != 100 {
		t.Fatalf("summary=%+v", got)
	}
	if !got.ProfitFactor.IsInf() {
		t.Fatalf("ProfitFactor=%v, expected inf with no losses", got.ProfitFactor)
	}
	if got.Strategy != "dual_ma" || got.Symbol != "BTCUSDT" {
		t.Fatalf("identity=%s %s", got.Strategy, got.Symbol)
	}
}

func TestVerify(t *testing.T) {
	dirs := setupEnv(t)
	trades := roundTrip()
	good := stats.Summarize(trades, nil, store.DefaultStartCapital)
	j := writeJournal(t, dirs, good, trades)

	out, err := execute(t, "verify", "dual_ma", "BTCUSDT")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "summary matches 2 trades") {
		t.Fatalf("output=%q", out)
	}

	tampered := good
	tampered.NetProfit = 150
	writeJournal(t, dirs, tampered, nil)

	_, err = execute(t, "verify", "dual_ma", "BTCUSDT")
	if !errors.Is(err, stats.ErrVerification) {
		t.Fatalf("err=%v, expected ErrVerification", err)
	}
	data, readErr := os.ReadFile(j.ErrorLog("simulations"))
	if readErr != nil {
		t.Fatalf("read errors.log: %v", readErr)
	}
	if !strings.Contains(string(data), "verify dual_ma BTCUSDT") {
		t.Fatalf("errors.log=%q", data)
	}
}

func TestResetClearsJournalAndActivation(t *testing.T) {
	dirs := setupEnv(t)
	j := writeJournal(t, dirs, stats.Summary{}, roundTrip())

	st := store.NewFileStore(dirs.data, zerolog.Nop())
	key := strategy.Key{Name: "dual_ma", Symbol: "BTCUSDT"}
	if err := st.Upsert(context.Background(), strategy.Config{Name: key.Name, Symbol: key.Symbol, Mode: strategy.ModePaper}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Activate(context.Background(), key, time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "reset", "dual_ma", "BTCUSDT"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := os.Stat(j.Dir("simulations", "dual_ma", "BTCUSDT")); !os.IsNotExist(err) {
		t.Fatalf("journal dir still present: %v", err)
	}
	if _, err := st.ActivatedAt(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("activation err=%v, expected ErrNotFound", err)
	}
	if mode, _ := st.CurrentMode(context.Background(), key); mode != strategy.ModePaper {
		t.Fatalf("reset must keep the stored mode, got %s", mode)
	}
}

func TestSetSymbol(t *testing.T) {
	dirs := setupEnv(t)
	j := writeJournal(t, dirs, stats.Summary{}, roundTrip())

	ctx := context.Background()
	st := store.NewFileStore(dirs.data, zerolog.Nop())
	key := strategy.Key{Name: "dual_ma", Symbol: "BTCUSDT"}
	if err := st.Upsert(ctx, strategy.Config{Name: key.Name, Symbol: key.Symbol, Mode: strategy.ModeAuto, Interval: "1h"}); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "set-symbol", "dual_ma", "BTCUSDT", "ETHUSDT")
	if err != nil {
		t.Fatalf("set-symbol: %v", err)
	}
	if !strings.Contains(out, "BTCUSDT -> ETHUSDT") {
		t.Fatalf("output=%q", out)
	}
	if _, err := os.Stat(j.Dir("simulations", "dual_ma", "BTCUSDT")); !os.IsNotExist(err) {
		t.Fatalf("old journal still present: %v", err)
	}
	moved, err := st.Strategy(ctx, strategy.Key{Name: "dual_ma", Symbol: "ETHUSDT"})
	if err != nil || moved.Mode != strategy.ModeDisabled || moved.Interval != "1h" {
		t.Fatalf("moved=%+v err=%v", moved, err)
	}
	if _, err := execute(t, "set-symbol", "dual_ma", "BTCUSDT", "SOLUSDT"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing record err=%v", err)
	}
}

func TestToken(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "token"); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	out, err := execute(t, "token", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Fatalf("token=%q", out)
	}
}

func TestUnknownBackend(t *testing.T) {
	setupEnv(t)
	t.Setenv("STORE_BACKEND", "mongo")
	if _, err := execute(t, "set-mode", "a", "b", "paper"); err == nil || !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Fatalf("err=%v", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	dirs := setupEnv(t)
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(dirs.data, "engine.db"))

	seed := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(seed, []byte(seedYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "import", seed); err != nil {
		t.Fatalf("import: %v", err)
	}
	out, err := execute(t, "set-mode", "dual_ma", "BTCUSDT", "live")
	if err != nil {
		t.Fatalf("set-mode: %v", err)
	}
	if !strings.Contains(out, "Live") {
		t.Fatalf("output=%q", out)
	}
}

func TestCredentialsSetSealsOnSQLite(t *testing.T) {
	dirs := setupEnv(t)
	dbPath := filepath.Join(dirs.data, "engine.db")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("DB_PATH", dbPath)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	t.Setenv("EXCHANGE_API_SECRET", "from-env")

	out, err := execute(t, "credentials", "set", "Binance", "--api-key", "abc", "--timeout", "15")
	if err != nil {
		t.Fatalf("credentials set: %v", err)
	}
	if !strings.Contains(out, "credentials saved for binance") {
		t.Fatalf("output=%q", out)
	}

	database, err := db.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	raw, err := database.Queries().GetAPIKey(context.Background(), "binance")
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if !crypto.IsSealed(raw.APISecret) || raw.TimeoutSeconds != 15 || raw.APIKey != "abc" {
		t.Fatalf("row=%+v", raw)
	}
}

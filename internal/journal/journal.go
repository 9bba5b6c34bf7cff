// Package journal persists per-strategy trade logs, summaries and monthly rollups.
//
// Layout under the base directory:
//
//	<namespace>/errors.log
//	<namespace>/<strategy>/<symbol>/trades.json       append-only, one JSON trade per line
//	<namespace>/<strategy>/<symbol>/open_trades.json  {"open_trades": [...]}
//	<namespace>/<strategy>/<symbol>/summary.json      overwritten every cycle
//	<namespace>/<strategy>/<symbol>/YYYYMM.json       merged trades of the month plus summary fields
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-engine/internal/normalize"
	"strategy-engine/internal/portfolio"
	"strategy-engine/internal/stats"
)

const (
	tradesFile     = "trades.json"
	openTradesFile = "open_trades.json"
	summaryFile    = "summary.json"
	errorsFile     = "errors.log"

	// PeriodLayout formats the calendar-month rollup key.
	PeriodLayout = "200601"
)

// Record is everything one persistence cycle writes for a key.
type Record struct {
	Namespace string
	Strategy  string
	Symbol    string
	// NewTrades are appended to the trade log and merged into the rollup.
	// Each logical trade must be passed exactly once.
	NewTrades  []portfolio.Trade
	OpenTrades []portfolio.Trade
	Summary    stats.Summary
	// Period is the current month. Its rollup is refreshed every cycle; the
	// months NewTrades fall in are refreshed too.
	Period string
}

// Rollup is the monthly document.
type Rollup struct {
	stats.Summary
	Trades []portfolio.Trade `json:"trades"`
}

// PersistError reports which stage of a Persist call failed.
type PersistError struct {
	Stage string
	// TradesAppended is true when the trade log already holds this cycle's trades.
	TradesAppended bool
	Err            error
}

func (e *PersistError) Error() string { return fmt.Sprintf("persist %s: %v", e.Stage, e.Err) }
func (e *PersistError) Unwrap() error { return e.Err }

// Journal writes run artifacts. Calls for different keys may run concurrently;
// calls for one key must be serialized by the caller.
type Journal struct {
	base     string
	location *time.Location
	logger   zerolog.Logger
	errMu    sync.Mutex
	now      func() time.Time
}

// New returns a journal rooted at base. Error record timestamps use loc.
func New(base string, loc *time.Location, logger zerolog.Logger) *Journal {
	if loc == nil {
		loc = time.UTC
	}
	return &Journal{
		base:     base,
		location: loc,
		logger:   logger.With().Str("component", "Journal").Logger(),
		now:      time.Now,
	}
}

// Dir is the artifact directory for a key.
func (j *Journal) Dir(namespace, strategy, symbol string) string {
	return filepath.Join(j.base, namespace, strategy, normalize.PathSymbol(symbol))
}

// Period returns the rollup key for t in the journal's location.
func (j *Journal) Period(t time.Time) string {
	return t.In(j.location).Format(PeriodLayout)
}

// Persist writes the trade log, open trades, monthly rollup and summary, in that
// order. The first failure aborts the call, is appended to the namespace's
// errors.log and is returned as a *PersistError.
func (j *Journal) Persist(r Record) error {
	err := j.persist(r)
	if err != nil {
		j.RecordError(r.Namespace, fmt.Sprintf("persist %s %s", r.Strategy, r.Symbol), err)
	}
	return err
}

func (j *Journal) persist(r Record) error {
	dir := j.Dir(r.Namespace, r.Strategy, r.Symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistError{Stage: "mkdir", Err: err}
	}

	if err := appendTrades(filepath.Join(dir, tradesFile), r.NewTrades); err != nil {
		return &PersistError{Stage: tradesFile, Err: err}
	}

	open := r.OpenTrades
	if open == nil {
		open = []portfolio.Trade{}
	}
	if err := writeJSON(filepath.Join(dir, openTradesFile), map[string]any{"open_trades": open}); err != nil {
		return &PersistError{Stage: openTradesFile, TradesAppended: true, Err: err}
	}

	for period, trades := range j.byPeriod(r) {
		if err := j.mergeRollup(dir, period, trades, r.Summary); err != nil {
			return &PersistError{Stage: period + ".json", TradesAppended: true, Err: err}
		}
	}

	if err := writeJSON(filepath.Join(dir, summaryFile), r.Summary); err != nil {
		return &PersistError{Stage: summaryFile, TradesAppended: true, Err: err}
	}
	return nil
}

// byPeriod groups r.NewTrades by the month of their own timestamp. A trade
// whose bar closed before a month rollover still lands in that month.
func (j *Journal) byPeriod(r Record) map[string][]portfolio.Trade {
	groups := make(map[string][]portfolio.Trade)
	if r.Period != "" {
		groups[r.Period] = nil
	}
	for _, t := range r.NewTrades {
		p := j.Period(t.Time)
		groups[p] = append(groups[p], t)
	}
	return groups
}

func (j *Journal) mergeRollup(dir, period string, trades []portfolio.Trade, summary stats.Summary) error {
	path := filepath.Join(dir, period+".json")

	var existing Rollup
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			j.logger.Warn().Err(err).Str("path", path).Msg("unreadable rollup, rebuilding")
			existing = Rollup{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	seen := make(map[string]bool, len(existing.Trades)+len(trades))
	merged := make([]portfolio.Trade, 0, len(existing.Trades)+len(trades))
	for _, t := range append(existing.Trades, trades...) {
		if j.Period(t.Time) != period || seen[t.Identity()] {
			continue
		}
		seen[t.Identity()] = true
		merged = append(merged, t)
	}
	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Time.Before(merged[b].Time) })

	return writeJSON(path, Rollup{Summary: summary, Trades: merged})
}

// LoadTrades reads the trade log. Lines that fail to parse, such as a torn final
// line after a crash, are skipped.
func (j *Journal) LoadTrades(namespace, strategy, symbol string) ([]portfolio.Trade, error) {
	path := filepath.Join(j.Dir(namespace, strategy, symbol), tradesFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var trades []portfolio.Trade
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var t portfolio.Trade
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			j.logger.Warn().Err(err).Str("path", path).Int("line", line).Msg("skipping unreadable trade")
			continue
		}
		trades = append(trades, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return trades, nil
}

// LoadSummary reads the current summary document.
func (j *Journal) LoadSummary(namespace, strategy, symbol string) (stats.Summary, error) {
	var s stats.Summary
	data, err := os.ReadFile(filepath.Join(j.Dir(namespace, strategy, symbol), summaryFile))
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(data, &s)
	return s, err
}

// LoadRollup reads the rollup for period.
func (j *Journal) LoadRollup(namespace, strategy, symbol, period string) (Rollup, error) {
	var r Rollup
	data, err := os.ReadFile(filepath.Join(j.Dir(namespace, strategy, symbol), period+".json"))
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(data, &r)
	return r, err
}

// Remove deletes every artifact of a key in one namespace.
func (j *Journal) Remove(namespace, strategy, symbol string) error {
	return os.RemoveAll(j.Dir(namespace, strategy, symbol))
}

// RecordError appends one line to the namespace's errors.log.
func (j *Journal) RecordError(namespace, context string, cause error) {
	j.errMu.Lock()
	defer j.errMu.Unlock()

	line := fmt.Sprintf("%s: %s: %v\n", j.now().In(j.location).Format(time.RFC3339), context, cause)
	dir := filepath.Join(j.base, namespace)
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		var f *os.File
		f, err = os.OpenFile(filepath.Join(dir, errorsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, err = f.WriteString(line)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
	}
	if err != nil {
		j.logger.Error().Err(err).Str("namespace", namespace).Str("context", context).AnErr("cause", cause).Msg("error record write failed")
	}
}

// ErrorLog returns the path of a namespace's error record.
func (j *Journal) ErrorLog(namespace string) string {
	return filepath.Join(j.base, namespace, errorsFile)
}

// appendTrades writes every trade or none: a failed write is truncated back to
// the previous size, and a torn last line left by a crash is terminated first.
func appendTrades(path string, trades []portfolio.Trade) (err error) {
	if len(trades) == 0 {
		return nil
	}
	var buf []byte
	for _, t := range trades {
		line, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	if size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			f.Close()
			return err
		}
		if last[0] != '\n' {
			buf = append([]byte{'\n'}, buf...)
		}
	}

	defer func() {
		if err != nil {
			if terr := f.Truncate(size); terr != nil {
				err = errors.Join(err, terr)
			}
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err = f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// writeJSON replaces path atomically through a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"strategy-engine/internal/events"
	"strategy-engine/internal/journal"
	"strategy-engine/internal/market"
	"strategy-engine/internal/normalize"
	"strategy-engine/internal/portfolio"
	"strategy-engine/internal/promotion"
	"strategy-engine/internal/stats"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

// errStopped ends a run-loop without an error: the stored mode moved away from
// the task's mode, the record disappeared, or the strategy was promoted.
var errStopped = errors.New("run-loop stopped")

type task struct {
	id        string
	key       strategy.Key
	mode      strategy.Mode
	startedAt time.Time
	logger    zerolog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

func (t *task) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// runState is owned by one run-loop and never shared.
type runState struct {
	cfg         strategy.Config
	namespace   string
	symbol      string
	interval    string
	validated   bool
	source      strategy.Source
	provider    market.Provider
	sim         *portfolio.Simulator
	capital     float64
	activatedAt time.Time
	persisted   int
	lastSync    time.Time
}

func (m *Manager) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer m.release(t)
	defer t.cancel()

	m.publish(events.Message{Event: events.EventTaskStarted, Strategy: t.key.Name, Symbol: t.key.Symbol, Mode: string(t.mode), TaskID: t.id})
	t.logger.Info().Msg("run-loop started")

	st, err := m.prepare(ctx, t)
	if st != nil && st.source != nil {
		if c, ok := st.source.(io.Closer); ok {
			defer c.Close()
		}
	}
	if err == nil {
		err = m.loop(ctx, t, st)
	}

	switch {
	case err == nil, errors.Is(err, errStopped), ctx.Err() != nil && !IsTaskFatal(err):
		t.logger.Info().Msg("run-loop stopped")
		m.publish(events.Message{Event: events.EventTaskStopped, Strategy: t.key.Name, Symbol: t.key.Symbol, Mode: string(t.mode), TaskID: t.id})
	default:
		t.logger.Error().Err(err).Msg("run-loop failed")
		m.setLastError(t.key, err)
		m.journal.RecordError(t.mode.Namespace(), fmt.Sprintf("run %s %s", t.key.Name, t.key.Symbol), err)
		m.publish(events.Message{Event: events.EventTaskFailed, Strategy: t.key.Name, Symbol: t.key.Symbol, Mode: string(t.mode), TaskID: t.id, Error: err.Error()})
	}
}

// prepare resolves the record's collaborators and restores prior trades. Any
// error it returns ends the task.
func (m *Manager) prepare(ctx context.Context, t *task) (*runState, error) {
	cfg, err := m.store.Strategy(ctx, t.key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errStopped
		}
		return nil, fmt.Errorf("load strategy: %w", err)
	}

	st := &runState{
		cfg:       cfg,
		namespace: t.mode.Namespace(),
		symbol:    normalize.Symbol(cfg.Symbol),
		interval:  normalize.Interval(cfg.Interval),
	}

	if st.source, err = m.sources.Resolve(cfg); err != nil {
		return st, fmt.Errorf("resolve source %q: %w", cfg.FilePath, err)
	}
	if st.provider, err = m.providers.Provider(ctx, cfg); err != nil {
		return st, fmt.Errorf("market provider %s: %w", cfg.Exchange, err)
	}
	if err := m.validateMarket(ctx, t, st); err != nil {
		return st, err
	}
	if err := m.checkClock(ctx, t, st); err != nil {
		return st, err
	}

	if st.capital, err = m.store.StartCapital(ctx, t.key); err != nil {
		return st, fmt.Errorf("start capital: %w", err)
	}
	if st.activatedAt, err = m.store.Activate(ctx, t.key, m.opts.Now()); err != nil {
		return st, fmt.Errorf("activate: %w", err)
	}

	st.sim = portfolio.NewSimulator(st.capital)
	prior, err := m.journal.LoadTrades(st.namespace, t.key.Name, t.key.Symbol)
	if err != nil {
		return st, fmt.Errorf("load trade log: %w", err)
	}
	if skipped := st.sim.Restore(prior); skipped > 0 {
		t.logger.Warn().Int("skipped", skipped).Msg("trade log out of sequence, some trades ignored")
	}
	// Restored trades are already on disk.
	st.persisted = len(st.sim.Trades())
	if len(prior) > 0 {
		t.logger.Info().Int("trades", len(prior)).Float64("capital", st.sim.State().Capital).Msg("restored prior trades")
	}
	return st, nil
}

func (m *Manager) loop(ctx context.Context, t *task, st *runState) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		err := m.iterate(ctx, t, st)
		switch {
		case err == nil:
		case errors.Is(err, errStopped), IsTaskFatal(err):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			t.logger.Warn().Err(err).Msg("iteration failed")
			m.setLastError(t.key, err)
			m.publish(events.Message{Event: events.EventIterationError, Strategy: t.key.Name, Symbol: t.key.Symbol, Mode: string(t.mode), TaskID: t.id, Error: err.Error()})
		}

		timer.Reset(m.opts.PollInterval)
	}
}

// iterate runs one poll cycle. It returns errStopped when the task must end
// without failure, a task-fatal error, or an error that only fails this cycle.
func (m *Manager) iterate(ctx context.Context, t *task, st *runState) error {
	mode, err := m.store.CurrentMode(ctx, t.key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Info().Msg("strategy record removed")
			return errStopped
		}
		return fmt.Errorf("read mode: %w", err)
	}
	if mode != t.mode {
		t.logger.Info().Str("configured", string(mode)).Msg("mode changed")
		if mode.Active() {
			m.handoff(t.key, mode)
		}
		return errStopped
	}

	cfg, err := m.store.Strategy(ctx, t.key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errStopped
		}
		return fmt.Errorf("read strategy: %w", err)
	}
	if !sameRun(cfg, st.cfg) {
		t.logger.Info().Msg("strategy record edited, restarting")
		m.handoff(t.key, mode)
		return errStopped
	}

	if !st.validated {
		if err := m.validateMarket(ctx, t, st); err != nil {
			return err
		}
	}
	if m.opts.Now().Sub(st.lastSync) >= m.opts.ClockSyncEvery {
		if err := m.checkClock(ctx, t, st); err != nil {
			return err
		}
	}

	// The provider bounds its own venue attempts; a shared deadline here would
	// leave nothing for the snapshot fallback.
	bars, err := st.provider.FetchRecentBars(ctx, st.symbol, st.interval, m.opts.BarLimit)
	if err != nil {
		return fmt.Errorf("fetch bars: %w", err)
	}
	if bars, err = market.VerifyBars(bars); err != nil {
		return err
	}

	rows, err := st.source.ComputeIndicators(ctx, bars)
	if err != nil {
		return fmt.Errorf("compute indicators: %w", err)
	}
	row := strategy.Row{}
	if len(rows) > 0 {
		row = rows[len(rows)-1]
	} else if bar, ok := market.Latest(bars); ok {
		row.Bar = bar
	}
	action, err := st.source.Signal(ctx, row)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}

	// Nothing below may run once cancellation was requested.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if trade, ok := st.sim.Advance(row.Bar, action); ok {
		t.logger.Info().Str("side", string(trade.Side)).Float64("price", trade.Price).Float64("profit_usd", trade.ProfitUSD).Msg("trade")
	}

	now := m.opts.Now()
	summary := stats.Summarize(st.sim.Trades(), st.sim.Equity(), st.capital)
	summary.Strategy = t.key.Name
	summary.Symbol = t.key.Symbol
	summary.DaysActive = stats.DaysActive(st.activatedAt, now)
	summary.LastUpdated = now

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := m.persist(t, st, summary, now); err != nil {
		return err
	}

	m.publish(events.Message{Event: events.EventCycleCompleted, Strategy: t.key.Name, Symbol: t.key.Symbol, Mode: string(t.mode), TaskID: t.id, Data: summary})
	t.logger.Debug().
		Str("action", string(action)).
		Float64("net_profit_usd", summary.NetProfit).
		Int("days_active", summary.DaysActive).
		Msg("cycle completed")

	if t.mode == strategy.ModeAuto {
		return m.evaluatePromotion(ctx, t, summary)
	}
	return nil
}

func (m *Manager) persist(t *task, st *runState, summary stats.Summary, now time.Time) error {
	trades := st.sim.Trades()
	err := m.journal.Persist(journal.Record{
		Namespace:  st.namespace,
		Strategy:   t.key.Name,
		Symbol:     t.key.Symbol,
		NewTrades:  trades[st.persisted:],
		OpenTrades: st.sim.OpenTrades(),
		Summary:    summary,
		Period:     m.journal.Period(now),
	})
	var perr *journal.PersistError
	if err == nil || errors.As(err, &perr) && perr.TradesAppended {
		st.persisted = len(trades)
	}
	return err
}

func (m *Manager) evaluatePromotion(ctx context.Context, t *task, summary stats.Summary) error {
	settings, err := m.store.Promotion(ctx)
	if err != nil {
		return fmt.Errorf("read promotion settings: %w", err)
	}
	if !promotion.ShouldPromote(settings.Auto, summary.DaysActive, summary.ProfitPct) {
		return nil
	}
	if err := m.store.SetMode(ctx, t.key, strategy.ModeLive); err != nil {
		return fmt.Errorf("promote: %w", err)
	}

	t.logger.Info().
		Int("days_active", summary.DaysActive).
		Float64("profit_pct", summary.ProfitPct).
		Msg("promoted to Live")
	m.publish(events.Message{Event: events.EventPromoted, Strategy: t.key.Name, Symbol: t.key.Symbol, Mode: string(strategy.ModeLive), TaskID: t.id, Data: summary})
	m.handoff(t.key, strategy.ModeLive)
	return errStopped
}

// sameRun reports whether b would run the same way as a. Mode and key are
// compared elsewhere.
func sameRun(a, b strategy.Config) bool {
	if a.Interval != b.Interval || !strings.EqualFold(a.Exchange, b.Exchange) || a.FilePath != b.FilePath {
		return false
	}
	if len(a.Parameters) == 0 && len(b.Parameters) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Parameters, b.Parameters)
}

// validateMarket resolves the venue symbol. Unsupported markets are fatal; any
// other failure keeps the normalized symbol and retries on the next cycle.
func (m *Manager) validateMarket(ctx context.Context, t *task, st *runState) error {
	vctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()
	symbol, err := st.provider.ValidateSymbolAndInterval(vctx, st.symbol, st.interval)
	if err != nil {
		if errors.Is(err, market.ErrUnsupportedMarket) {
			return fmt.Errorf("%s %s on %s: %w", st.cfg.Symbol, st.cfg.Interval, st.provider.Name(), err)
		}
		t.logger.Warn().Err(err).Msg("market validation unavailable, will retry")
		return nil
	}
	st.symbol = symbol
	st.validated = true
	return nil
}

// checkClock fails the task when the venue clock drifts beyond the limit.
func (m *Manager) checkClock(ctx context.Context, t *task, st *runState) error {
	sctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()
	drift, err := st.provider.SynchronizeClock(sctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("clock sync failed, will retry")
		return nil
	}
	st.lastSync = m.opts.Now()
	if limit := m.opts.MaxClockDrift.Milliseconds(); drift > limit || drift < -limit {
		return fmt.Errorf("%w: %dms against %s (limit %dms)", market.ErrClockDrift, drift, st.provider.Name(), limit)
	}
	return nil
}

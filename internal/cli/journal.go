package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"strategy-engine/internal/journal"
	"strategy-engine/internal/lifecycle"
	"strategy-engine/internal/portfolio"
	"strategy-engine/internal/stats"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

var timeNow = time.Now

func namespaceFlag(cmd *cobra.Command) string {
	if live, _ := cmd.Flags().GetBool("live"); live {
		return strategy.ModeLive.Namespace()
	}
	return strategy.ModePaper.Namespace()
}

func newSummarizeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize NAME SYMBOL",
		Short: "Recompute a strategy's summary from its trade log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strategy.Key{Name: args[0], Symbol: args[1]}
			summary, err := a.recompute(cmd.Context(), namespaceFlag(cmd), key)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().Bool("live", false, "Read the live namespace instead of simulations")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify NAME SYMBOL",
		Short: "Check summary.json against the trade log",
		Long: `Recomputes net profit, closed trades, win rate and profit factor from trades.json and
compares them with summary.json within 0.01. A mismatch is appended to errors.log and exits non-zero.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strategy.Key{Name: args[0], Symbol: args[1]}
			namespace := namespaceFlag(cmd)
			j := journal.New(a.cfg.ResultsDir, a.cfg.Location(), a.logger)

			reported, err := j.LoadSummary(namespace, key.Name, key.Symbol)
			if err != nil {
				return fmt.Errorf("load summary: %w", err)
			}
			st, closeStore, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()
			trades, capital, err := tradesAndCapital(cmd.Context(), st, j, namespace, key)
			if err != nil {
				return err
			}
			if err := stats.Verify(reported, trades, capital); err != nil {
				j.RecordError(namespace, fmt.Sprintf("verify %s %s", key.Name, key.Symbol), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: summary matches %d trades\n", key.Name, key.Symbol, len(trades))
			return nil
		},
	}
	cmd.Flags().Bool("live", false, "Read the live namespace instead of simulations")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset NAME SYMBOL",
		Short: "Delete a strategy's journals in both namespaces and its activation date",
		Long:  `Offline reset. Use the control API instead while the engine is running.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			manager := a.offlineManager(st)
			defer manager.ShutdownAll(context.Background())

			key := strategy.Key{Name: args[0], Symbol: args[1]}
			if err := manager.Reset(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: reset\n", key.Name, key.Symbol)
			return nil
		},
	}
}

func newSetSymbolCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-symbol NAME SYMBOL NEW_SYMBOL",
		Short: "Move a strategy to another symbol, resetting the old symbol's data",
		Long: `The record keeps its other fields and comes back Disabled. Offline; use the
control API instead while the engine is running.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			manager := a.offlineManager(st)
			defer manager.ShutdownAll(context.Background())

			next, err := manager.ChangeSymbol(cmd.Context(), strategy.Key{Name: args[0], Symbol: args[1]}, args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s (%s)\n", next.Name, args[1], next.Symbol, strategy.ModeDisabled)
			return nil
		},
	}
}

// offlineManager never starts a task: without providers it only clears and
// moves state.
func (a *app) offlineManager(st store.Store) *lifecycle.Manager {
	j := journal.New(a.cfg.ResultsDir, a.cfg.Location(), a.logger)
	return lifecycle.NewManager(st, nil, nil, j, nil, a.logger, lifecycle.Options{Location: a.cfg.Location()})
}

// recompute rebuilds the summary exactly as a run-loop would after replaying the trade log.
func (a *app) recompute(ctx context.Context, namespace string, key strategy.Key) (stats.Summary, error) {
	st, closeStore, err := openStore(a.cfg, a.logger)
	if err != nil {
		return stats.Summary{}, err
	}
	defer closeStore()

	j := journal.New(a.cfg.ResultsDir, a.cfg.Location(), a.logger)
	trades, capital, err := tradesAndCapital(ctx, st, j, namespace, key)
	if err != nil {
		return stats.Summary{}, err
	}

	sim := portfolio.NewSimulator(capital)
	if skipped := sim.Restore(trades); skipped > 0 {
		a.logger.Warn().Int("skipped", skipped).Msg("trade log holds records the simulator could not replay")
	}
	now := timeNow()
	summary := stats.Summarize(sim.Trades(), sim.Equity(), capital)
	summary.Strategy, summary.Symbol = key.Name, key.Symbol
	summary.LastUpdated = now

	activated, err := st.ActivatedAt(ctx, key)
	switch {
	case err == nil:
		summary.DaysActive = stats.DaysActive(activated, now)
	case !errors.Is(err, store.ErrNotFound):
		return summary, err
	}
	return summary, nil
}

func tradesAndCapital(ctx context.Context, st store.Store, j *journal.Journal, namespace string, key strategy.Key) ([]portfolio.Trade, float64, error) {
	trades, err := j.LoadTrades(namespace, key.Name, key.Symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("load trades: %w", err)
	}
	capital, err := st.StartCapital(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("start capital: %w", err)
	}
	return trades, capital, nil
}

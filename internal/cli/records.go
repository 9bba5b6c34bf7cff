package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE.yaml",
		Short: "Upsert strategy records from a YAML seed file",
		Long: `Each record is matched on name and symbol; existing records are replaced.
A running engine on the file backend picks the change up through its config watcher.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := strategy.LoadSeed(args[0])
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, cfg := range records {
				if err := st.Upsert(cmd.Context(), cfg); err != nil {
					return fmt.Errorf("upsert %s: %w", cfg.Key(), err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d strategies\n", len(records))
			return nil
		},
	}
}

func newSetModeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-mode NAME SYMBOL MODE",
		Short: "Change a strategy's mode (Disabled, Paper, Live, Auto)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := strategy.ParseMode(args[2])
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			key := strategy.Key{Name: args[0], Symbol: args[1]}
			if err := st.SetMode(cmd.Context(), key, mode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", key.Name, key.Symbol, mode)
			return nil
		},
	}
}

type credentialWriter interface {
	SaveCredential(ctx context.Context, c store.Credential) error
}

func newCredentialsCmd(a *app) *cobra.Command {
	credsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage exchange API credentials",
	}

	set := &cobra.Command{
		Use:   "set EXCHANGE",
		Short: "Store or replace the credentials for an exchange",
		Long: `Secrets are sealed with MASTER_ENCRYPTION_KEY on the sqlite backend when the key is set.
The API secret is read from --api-secret or the EXCHANGE_API_SECRET environment variable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()
			w, ok := st.(credentialWriter)
			if !ok {
				return fmt.Errorf("store backend %q cannot save credentials", a.cfg.StoreBackend)
			}

			flags := cmd.Flags()
			c := store.Credential{Exchange: args[0]}
			c.APIKey, _ = flags.GetString("api-key")
			c.APISecret, _ = flags.GetString("api-secret")
			if c.APISecret == "" {
				c.APISecret = os.Getenv("EXCHANGE_API_SECRET")
			}
			c.Passphrase, _ = flags.GetString("passphrase")
			c.RateLimitRequests, _ = flags.GetInt("rate-limit")
			c.TimeoutSeconds, _ = flags.GetInt("timeout")

			if err := w.SaveCredential(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials saved for %s\n", strings.ToLower(c.Exchange))
			return nil
		},
	}
	set.Flags().String("api-key", "", "API key")
	set.Flags().String("api-secret", "", "API secret")
	set.Flags().String("passphrase", "", "Passphrase, for venues that use one")
	set.Flags().Int("rate-limit", 1800, "Requests per minute")
	set.Flags().Int("timeout", 30, "Request timeout in seconds")

	credsCmd.AddCommand(set)
	return credsCmd
}

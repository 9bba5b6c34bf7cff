package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"strategy-engine/internal/api"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			operator, _ := cmd.Flags().GetString("operator")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := api.IssueToken(operator, a.cfg.JWTSecret, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("operator", "operator", "Name recorded in the token")
	cmd.Flags().Duration("ttl", 72*time.Hour, "Token lifetime")
	return cmd
}

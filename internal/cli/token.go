package cli

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"quiz-access-service/internal/auth"
	"quiz-access-service/internal/config"
)

// NewTokenCmd signs a bearer token with the configured secret, for local testing.
func NewTokenCmd(configPath *string) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for a student or staff member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret not configured")
			}
			svc := auth.NewService(cfg.Auth.JWTSecret, config.TTLDuration(cfg.Auth.TokenTTL, 0), clockwork.NewRealClock())
			token, err := svc.Issue(args[0], auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleStudent), "student or staff")
	return cmd
}

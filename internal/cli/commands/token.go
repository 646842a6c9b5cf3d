package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/web/auth"
)

// NewTokenCommand creates the token command
func NewTokenCommand() *cobra.Command {
	var (
		userID  string
		role    string
		isAdmin bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		Long: `Sign a bearer token with auth.jwt_secret for the given user and role.
Production tokens are issued by the host application; this command is
meant for development and smoke tests.`,
		Example: `  layoutd token --user u1 --role technician
  curl -H "Authorization: Bearer $(layoutd token --user a1 --role admin)" localhost:8080/permissions/user/u1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required (set LAYOUTD_AUTH_JWT_SECRET)")
			}
			if userID == "" && role == "" {
				return errors.New("at least one of --user or --role is required")
			}

			tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			token, err := tokens.Issue(permissions.Principal{UserID: userID, Role: role, IsAdmin: isAdmin})
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id claim")
	cmd.Flags().StringVar(&role, "role", "", "role claim")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "set the admin claim")
	return cmd
}

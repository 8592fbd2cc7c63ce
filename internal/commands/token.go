package commands

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/middleware"
)

func newTokenCmd(opts *options) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with JWT_SIGNING_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireTenant(); err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			auth := middleware.NewAuthenticator(cfg.Auth.JWTSigningKey)
			if !auth.Enabled() {
				return fmt.Errorf("JWT_SIGNING_KEY is not set")
			}

			now := time.Now()
			token, err := auth.Sign(middleware.Identity{TenantID: opts.tenant, UserID: opts.user}, jwt.RegisteredClaims{
				Issuer:    "bookctl",
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

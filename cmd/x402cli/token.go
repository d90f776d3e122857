package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vorpalengineering/x402-adserver/config"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/server"
)

func tokenCmd() *cobra.Command {
	var secret, issuer, subject, role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the ad server API",
		Example: `  x402cli token --sub pub-1 --role publisher --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv(config.EnvJWTSecret)
			}
			auth, err := server.NewAuthenticator(secret, issuer)
			if err != nil {
				return err
			}

			token, err := auth.IssueToken(model.Principal{ID: subject, Role: model.Role(role)}, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret (default $"+config.EnvJWTSecret+")")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Token issuer, must match auth.issuer when set")
	cmd.Flags().StringVar(&subject, "sub", "", "Principal id (required)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleUser), "Principal role: user, publisher, advertiser or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/careline-hub/internal/config"
	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/identity"
)

// tokenCmd mints a handshake token for local testing.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed handshake token using JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleFlag, _ := cmd.Flags().GetString("role")
			name, _ := cmd.Flags().GetString("name")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			role, err := domain.ParseRole(roleFlag)
			if err != nil {
				return err
			}

			token, err := identity.Mint(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer,
				domain.Identity{UserID: args[0], Role: role, DisplayName: name}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("role", "patient", "Account role: doctor or patient")
	cmd.Flags().String("name", "", "Display name carried in the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

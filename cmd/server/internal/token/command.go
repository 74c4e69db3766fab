package token

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/config"
)

func NewTokenCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Example: `  chat-server token alice
  chat-server token alice --ttl 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			verifier, err := auth.NewHMACVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTLeeway)
			if err != nil {
				return err
			}
			tok, err := verifier.Sign(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}

package cmd

import (
	"errors"
	"fmt"

	"github.com/CrowderSoup/boardsync/services"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for the reference backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set to mint tokens")
	}
	auth, err := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	token, err := auth.CreateJWT(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

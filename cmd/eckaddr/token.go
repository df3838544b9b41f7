package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xelth-com/eckaddr/internal/utils"
)

var (
	tokenRole string
	tokenTTL  time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token NAME",
		Short: "Issue an API token for an operator, signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", "operator", "role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set; the API runs without authentication")
	}
	token, err := utils.GenerateToken(args[0], tokenRole, cfg.JWTSecret, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

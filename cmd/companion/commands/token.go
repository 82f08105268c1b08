package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexlevy0/mycompanion/internal/auth"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a user token signed with JWT_SECRET",
	Long: `Print an HS256 user token for the configured workspace.

The token can be passed as AUTH_TOKEN to call, or used against mock-backend.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is required")
		}
		if cfg.WorkspaceID == "" {
			return errors.New("WORKSPACE_ID is required")
		}
		token, err := auth.GenerateUserToken([]byte(cfg.JWTSecret), tokenUser, cfg.WorkspaceID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "companion", "user id claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

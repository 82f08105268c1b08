package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/internal/config"
)

var (
	envFile string
	verbose bool

	baseURL     string
	workspaceID string
	apiToken    string
	agentID     string
	sessionMode string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "Duplex voice companion client",
	Long: `Talk to a conversational agent over a duplex websocket.

Settings come from the environment (DUPLEX_BASE_URL, WORKSPACE_ID, API_TOKEN, ...)
and from a .env file in the working directory. Flags take precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		loaded, err := config.Load(files...)
		if err != nil {
			return err
		}
		cfg = loaded
		applyFlagOverrides(cmd)

		logger, err = newLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "duplex backend base URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", "", "workspace id")
	rootCmd.PersistentFlags().StringVar(&apiToken, "api-token", "", "static API token")
	rootCmd.PersistentFlags().StringVarP(&agentID, "agent", "a", "", "agent id")
	rootCmd.PersistentFlags().StringVarP(&sessionMode, "mode", "m", "", "session mode: vocal, chatbot or custom")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mockBackendCmd)
	rootCmd.AddCommand(tokenCmd)
}

func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = baseURL
	}
	if flags.Changed("workspace") {
		cfg.WorkspaceID = workspaceID
	}
	if flags.Changed("api-token") {
		cfg.APIToken = apiToken
	}
	if flags.Changed("agent") {
		cfg.AgentID = agentID
	}
	if flags.Changed("mode") {
		cfg.Mode = entities.SessionMode(sessionMode)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

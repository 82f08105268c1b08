package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexlevy0/mycompanion/internal/mockbackend"
)

var (
	mockPort       string
	mockEchoAudio  bool
	mockStartDelay time.Duration
	mockPrice      float64
)

var mockBackendCmd = &cobra.Command{
	Use:   "mock-backend",
	Short: "Run a local duplex backend for development",
	Long: `Run a scripted duplex backend on /duplex.

It answers start with sessionStarted, echoes typed messages back as transcripts and
can play received audio back as agent speech. API_TOKEN and JWT_SECRET restrict which
credentials are accepted.`,
	Example: `  companion mock-backend --port 9000 --echo-audio
  companion call --base-url ws://localhost:9000 -w demo --api-token dev`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hubCfg := mockbackend.Config{
			APIToken:        cfg.APIToken,
			StartDelay:      mockStartDelay,
			EchoAudio:       mockEchoAudio,
			PricePerMessage: mockPrice,
		}
		if cfg.JWTSecret != "" {
			hubCfg.JWTSecret = []byte(cfg.JWTSecret)
		}

		hubCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		hub := mockbackend.NewHub(hubCfg, logger)
		go hub.Run(hubCtx)

		e := newEcho()
		mockbackend.RegisterRoutes(e, hub)

		port := mockPort
		if port == "" {
			port = cfg.Port
		}
		return runEcho(ctx, e, port)
	},
}

func init() {
	mockBackendCmd.Flags().StringVarP(&mockPort, "port", "p", "", "listen port (default $PORT or 8080)")
	mockBackendCmd.Flags().BoolVar(&mockEchoAudio, "echo-audio", false, "play received segments back as agent speech")
	mockBackendCmd.Flags().DurationVar(&mockStartDelay, "start-delay", 0, "delay between start and sessionStarted")
	mockBackendCmd.Flags().Float64Var(&mockPrice, "price", 0.01, "price billed per user message")
}

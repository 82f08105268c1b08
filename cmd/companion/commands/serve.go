package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/adapters/audio"
	"github.com/alexlevy0/mycompanion/domain/repositories"
	"github.com/alexlevy0/mycompanion/internal/api"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

var (
	servePort      string
	serveInput     string
	serveNoSpeaker bool
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Control calls over a local HTTP API",
	Long: `Run a local HTTP server that controls one call at a time.

Routes live under /api/v1: call, call/start, call/hangup, call/mute, call/message,
call/transcript, calls and calls/:id.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (default $PORT or 8080)")
	serveCmd.Flags().StringVar(&serveInput, "input", "", "loop a 16-bit PCM WAV file instead of the microphone")
	serveCmd.Flags().BoolVar(&serveNoSpeaker, "no-speaker", false, "drop agent audio instead of playing it")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, serveInput)
	if err != nil {
		return err
	}
	defer rt.Close()

	var players repositories.PlayerFactory = audio.NewFFplayFactory(cfg.FFplayPath, logger)
	if serveNoSpeaker {
		players = audio.SilentPlayerFactory{}
	}
	manager, err := rt.newManager(players, duplex.Dependencies{
		OnError: func(err error) {
			logger.Warn("Call error", zap.Error(err))
		},
		OnCallEnded: func(totalPrice float64) {
			logger.Info("Call ended", zap.Float64("totalPrice", totalPrice))
		},
	})
	if err != nil {
		return err
	}

	e := newEcho()
	api.InitRoutes(e, manager, rt.history, cfg.WorkspaceID, logger)

	port := servePort
	if port == "" {
		port = cfg.Port
	}
	err = runEcho(ctx, e, port)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := manager.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("Call history was not saved", zap.Error(serr))
	}
	return err
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	return e
}

// runEcho serves e until ctx is cancelled, then shuts it down gracefully
func runEcho(ctx context.Context, e *echo.Echo, port string) error {
	errc := make(chan error, 1)
	go func() {
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	logger.Info("Server started", zap.String("port", port))

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("Server exited")
	return nil
}

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/adapters/audio"
	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

var (
	callInput     string
	callNoSpeaker bool
)

const hangUpGrace = 5 * time.Second

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Start an interactive call",
	Long: `Start a call and stream microphone audio to the agent.

Lines typed on stdin are sent as text messages. "/mute" toggles the microphone and
"/hangup" ends the call. Ctrl-C hangs up.`,
	Example: `  companion call -w ws_123 --api-token $API_TOKEN
  companion call --input hello.wav --no-speaker`,
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callInput, "input", "", "loop a 16-bit PCM WAV file instead of the microphone")
	callCmd.Flags().BoolVar(&callNoSpeaker, "no-speaker", false, "drop agent audio instead of playing it")
}

func runCall(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, callInput)
	if err != nil {
		return err
	}
	defer rt.Close()

	var players repositories.PlayerFactory = audio.NewFFplayFactory(cfg.FFplayPath, logger)
	if callNoSpeaker {
		players = audio.SilentPlayerFactory{}
	}

	out := cmd.OutOrStdout()
	printer := &transcriptPrinter{out: out}
	manager, err := rt.newManager(players, duplex.Dependencies{
		OnError: func(err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		},
		OnCallEnded: func(totalPrice float64) {
			fmt.Fprintf(out, "call ended, total price %.4f\n", totalPrice)
		},
		OnConversation: printer.print,
	})
	if err != nil {
		return err
	}
	removeHandler := manager.OnFunctionCalls(func(calls []entities.FunctionCall) {
		for _, call := range calls {
			descriptor, _ := call.MarshalJSON()
			fmt.Fprintf(out, "function call %s\n", descriptor)
		}
	})
	defer removeHandler()

	snapshots, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	if err := manager.StartConversation(ctx, cfg.SessionOptions()); err != nil {
		return err
	}
	fmt.Fprintln(out, "connecting... type a message and press enter, /mute or /hangup")

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	ended := waitForCall(ctx, manager, snapshots, lines, out)
	if !ended {
		manager.HangUp()
		waitIdle(manager, snapshots, hangUpGrace)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), hangUpGrace)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Call history was not saved", zap.Error(err))
	}
	return nil
}

// waitForCall drives the call until it returns to idle or the user leaves. It
// reports whether the call already ended.
func waitForCall(ctx context.Context, manager *duplex.Manager, snapshots <-chan duplex.Snapshot, lines <-chan string, out io.Writer) bool {
	last := manager.Snapshot()
	started := last.State != duplex.StateIdle
	for {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-snapshots:
			if !ok {
				return true
			}
			if snap.State != last.State {
				fmt.Fprintf(out, "[%s]\n", snap.State)
			}
			if snap.IsModelSpeaking != last.IsModelSpeaking && snap.IsModelSpeaking {
				fmt.Fprintln(out, "[agent speaking]")
			}
			if snap.State != duplex.StateIdle {
				started = true
			} else if started {
				return true
			}
			last = snap
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch line = strings.TrimSpace(line); line {
			case "":
			case "/hangup":
				return false
			case "/mute":
				if manager.ToggleMute() {
					fmt.Fprintln(out, "[microphone muted]")
				} else {
					fmt.Fprintln(out, "[microphone live]")
				}
			default:
				if err := manager.SendMessage(line); err != nil {
					if errors.Is(err, duplex.ErrNotConnected) {
						fmt.Fprintln(out, "not connected yet")
						continue
					}
					logger.Warn("Failed to send message", zap.Error(err))
				}
			}
		}
	}
}

func waitIdle(manager *duplex.Manager, snapshots <-chan duplex.Snapshot, timeout time.Duration) {
	if manager.Snapshot().State == duplex.StateIdle {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok || snap.State == duplex.StateIdle {
				return
			}
		case <-timer.C:
			logger.Warn("Backend did not end the call in time")
			return
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// transcriptPrinter prints the turns a full transcript replacement adds
type transcriptPrinter struct {
	out     io.Writer
	printed []entities.Turn
}

func (p *transcriptPrinter) print(turns []entities.Turn) {
	start := 0
	for start < len(p.printed) && start < len(turns) && p.printed[start] == turns[start] {
		start++
	}
	for _, turn := range turns[start:] {
		fmt.Fprintf(p.out, "%s: %s\n", turn.Role, turn.Content)
	}
	p.printed = turns
}

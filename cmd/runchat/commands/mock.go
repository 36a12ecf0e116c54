package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/runchat/internal/logging"
	"github.com/opencode-ai/runchat/internal/mockrun"
)

var (
	mockPort      int
	mockScenarios string
	mockDelay     time.Duration
	mockAPIKey    string
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Serve scripted agent runs for local development",
	Long: `Start a mock LangGraph run service that replays scripted scenarios.

Scenarios are matched against the last human message. Without --scenarios a
built-in "clock" tool-call exchange and an echo fallback are served.`,
	RunE: runMockServer,
}

func init() {
	mockServerCmd.Flags().IntVarP(&mockPort, "port", "p", 2024, "Port to listen on")
	mockServerCmd.Flags().StringVar(&mockScenarios, "scenarios", "", "YAML scenario file")
	mockServerCmd.Flags().DurationVar(&mockDelay, "delay", 0, "Delay between streamed events")
	mockServerCmd.Flags().StringVar(&mockAPIKey, "api-key", "", "Require this x-api-key")
}

func runMockServer(cmd *cobra.Command, args []string) error {
	cfg := mockrun.DefaultConfig()
	cfg.Port = mockPort
	cfg.EventDelay = mockDelay
	cfg.APIKey = mockAPIKey
	if mockScenarios != "" {
		scenarios, err := mockrun.LoadScenarios(mockScenarios)
		if err != nil {
			return fmt.Errorf("failed to load scenarios: %w", err)
		}
		cfg.Scenarios = scenarios
	}

	srv := mockrun.New(cfg)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Port).Int("scenarios", len(cfg.Scenarios)).Msg("mock run service listening")
		fmt.Fprintf(os.Stderr, "mock run service listening on http://127.0.0.1:%d\n", cfg.Port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error().Err(err).Int("port", cfg.Port).Msg("mock run service failed")
		return fmt.Errorf("server error: %w", err)
	case <-sigCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

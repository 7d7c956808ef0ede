package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chatcache-gateway/internal/config"
	"chatcache-gateway/internal/llm"
	"chatcache-gateway/pkg/logging/logging"
)

func newHealthcheckCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check that the configured backend answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
			defer logger.Sync()

			client, err := llm.NewClient(llm.Config{BaseURL: cfg.Ollama.APIURL}, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.Health(ctx); err != nil {
				return fmt.Errorf("backend %s unhealthy: %w", cfg.Ollama.APIURL, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend %s ok\n", cfg.Ollama.APIURL)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "health check timeout")
	return cmd
}

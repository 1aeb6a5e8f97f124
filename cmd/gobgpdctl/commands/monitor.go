package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wolfguard/gobgpd/internal/server"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream BGP neighbor state changes",
		Long:  "Connects to the gobgpd daemon and streams neighbor state changes until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			body, err := client.stream(ctx, "/v1/events")
			if err != nil {
				return fmt.Errorf("watch neighbor events: %w", err)
			}
			defer body.Close()

			scanner := bufio.NewScanner(body)
			for scanner.Scan() {
				var event server.Event
				if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
					return fmt.Errorf("decode event: %w", err)
				}

				out, fmtErr := formatEvent(event, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}

				fmt.Println(out)
			}

			if err := scanner.Err(); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	natsclient "github.com/clinicflow/agent-gateway/internal/nats"
	"github.com/clinicflow/agent-gateway/internal/service"
)

func newProcessQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process-queue <entry-id>",
		Short: "Process one pending queue entry and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			err = a.queue.Process(ctx, args[0])
			if errors.Is(err, service.ErrQueueEntryClaimed) {
				log.Info("queue entry already claimed", zap.String("queue_entry_id", args[0]))
				return nil
			}
			return err
		},
	}
}

func newNotifyQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify-queue <entry-id>",
		Short: "Ask a running gateway to process a pending queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, err := natsclient.Connect(ctx, natsConfig(cfg), log)
			if err != nil {
				return err
			}
			defer client.Close()

			trigger := natsclient.NewQueueTrigger(client, cfg.NATSQueueSubject, cfg.ProcessingTimeout, log)
			if err := trigger.Notify(ctx, args[0]); err != nil {
				return err
			}
			return client.Conn().FlushWithContext(ctx)
		},
	}
}

func newTurnsCmd() *cobra.Command {
	var (
		after uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "turns <tenant-id> <contact-id>",
		Short: "Print a contact's turns from the event stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client, err := natsclient.Connect(ctx, natsConfig(cfg), log)
			if err != nil {
				return err
			}
			defer client.Close()

			turns, err := natsclient.NewTurnPublisher(client).ContactTurns(ctx, args[0], args[1], after, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, t := range turns {
				if err := enc.Encode(t); err != nil {
					return fmt.Errorf("write turn: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "only turns after this stream sequence")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of turns")
	return cmd
}

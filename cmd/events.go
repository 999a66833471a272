package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"convert-gateway/internal/config"
	"convert-gateway/internal/consumer"
	"convert-gateway/internal/messaging"
	"convert-gateway/internal/model"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail quota events from RabbitMQ as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.RabbitMQ.URL == "" {
			return errors.New("rabbitmq.url is not configured")
		}
		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		rabbit, err := messaging.NewRabbitClient(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, logger)
		if err != nil {
			return err
		}
		defer rabbit.Close()

		ch, err := rabbit.OpenChannel()
		if err != nil {
			return fmt.Errorf("failed to open channel: %w", err)
		}

		out := cmd.OutOrStdout()
		c, err := consumer.StartConsumer(ch, rabbit.Queue(), "convert-gateway-events", func(ev model.Event) error {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(line))
			return err
		}, logger)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
		case <-c.DoneChan:
			logger.Warn("Event stream closed by broker")
			return nil
		}
		c.Stop()
		logger.Info("Event consumer stopped", zap.String("queue", rabbit.Queue()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/spf13/cobra"

	"github.com/ZeQ61/message/internal/app"
	"github.com/ZeQ61/message/internal/config"
	"github.com/ZeQ61/message/internal/logging"
)

type options struct {
	debug      bool
	port       string
	instanceID string
	seed       string
}

func NewServeCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start a chat instance",
		Example: `  chat-server serve
  chat-server serve --port :9090 --instance-id chat-1
  BUS_TRANSPORT=nats NATS_URL=nats://localhost:4222 chat-server serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveCmd(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "Listen address, overrides SERVER_PORT")
	cmd.Flags().StringVar(&opts.instanceID, "instance-id", "", "Instance id, overrides INSTANCE_ID")
	cmd.Flags().StringVar(&opts.seed, "seed", "", "Directory seed file, overrides DIRECTORY_SEED")

	return cmd
}

// loadConfig reads the environment and applies the command line overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}
	if opts.instanceID != "" {
		cfg.InstanceID = opts.instanceID
	}
	if opts.seed != "" {
		cfg.DirectorySeed = opts.seed
	}
	return cfg, cfg.Validate()
}

func serveCmd(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	logger.Debug("Configuration loaded", watermill.LogFields{"config": cfg.String()})

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("error creating instance: %w", err)
	}
	return instance.Run(ctx)
}

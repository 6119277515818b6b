package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/bus"
	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/inference"
	"github.com/go-go-golems/marionette/pkg/logging"
	"github.com/go-go-golems/marionette/pkg/retrieval"
	"github.com/go-go-golems/marionette/pkg/server"
	"github.com/go-go-golems/marionette/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		// Config log settings apply unless overridden on the command line.
		level, format := flagLogLevel, flagLogFormat
		if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		if !cmd.Flags().Changed("log-format") && cfg.Log.Format != "" {
			format = cfg.Log.Format
		}
		if err := logging.Setup(level, format); err != nil {
			return err
		}

		registry, err := inference.NewRegistry(cfg)
		if err != nil {
			return errors.Wrap(err, "build endpoint registry")
		}

		store, err := buildStore(cfg, registry)
		if err != nil {
			return errors.Wrap(err, "open vector store")
		}
		if store != nil {
			defer func() { _ = store.Close() }()
		}
		augmenter := retrieval.NewAugmenter(store, cfg.VectorStore.TopK, cfg.VectorStore.Required)

		b, err := bus.New(bus.Settings{
			Enabled:  cfg.Redis.Enabled,
			Addr:     cfg.Redis.Addr,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
		})
		if err != nil {
			return errors.Wrap(err, "build fragment bus")
		}
		defer func() { _ = b.Close() }()

		var captioner session.Captioner
		if c := registry.Captioner(); c != nil {
			captioner = c
		}

		manager, err := session.NewManager(session.Options{
			Resolve: func(model string) (session.Streamer, error) {
				if model == "" {
					return registry.DefaultChat(), nil
				}
				s, ok := registry.ChatByName(model)
				if !ok {
					return nil, errors.Errorf("no chat endpoint %q", model)
				}
				return s, nil
			},
			Augmenter:     augmenter,
			Captioner:     captioner,
			SystemPrompt:  cfg.SystemPrompt,
			IdleTimeout:   cfg.Limits.IdleTimeout,
			HistoryBudget: cfg.Limits.HistoryTokenBudget,
		})
		if err != nil {
			return errors.Wrap(err, "build session manager")
		}

		images, err := server.NewImageStore(cfg.ImagesDir, cfg.Limits.MaxImageBytes)
		if err != nil {
			return errors.Wrap(err, "open image store")
		}

		srv, err := server.New(server.Options{
			Addr:     cfg.Addr,
			Manager:  manager,
			Registry: registry,
			Bus:      b,
			Images:   images,
		})
		if err != nil {
			return err
		}

		log.Info().Str("addr", cfg.Addr).Int("endpoints", len(cfg.Endpoints)).
			Bool("retrieval", cfg.VectorStore.Enabled()).Bool("redis", cfg.Redis.Enabled).
			Msg("relay configured")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

// buildStore opens the configured vector store, nil when retrieval is off.
func buildStore(cfg config.Config, registry *inference.Registry) (retrieval.Store, error) {
	switch cfg.VectorStore.Kind {
	case "http":
		return retrieval.NewHTTPStore(cfg.VectorStore.URL, cfg.VectorStore.APIKey), nil
	case "sqlite":
		var embedder retrieval.Embedder
		if e := registry.Embedder(cfg.VectorStore.Embedder); e != nil {
			embedder = e
		}
		return retrieval.NewSQLiteStore(cfg.VectorStore.Path, embedder)
	default:
		return nil, nil
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

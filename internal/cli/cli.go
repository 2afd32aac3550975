package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignatij/docflow/internal/config"
	internal_http "github.com/ignatij/docflow/internal/http"
	"github.com/ignatij/docflow/internal/log"
	"github.com/ignatij/docflow/internal/relay"
	internal_storage "github.com/ignatij/docflow/internal/storage"
	"github.com/ignatij/docflow/internal/telemetry"
	"github.com/ignatij/docflow/pkg/broadcast"
	"github.com/ignatij/docflow/pkg/budget"
	"github.com/ignatij/docflow/pkg/engine"
	"github.com/ignatij/docflow/pkg/handler"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/service"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (defaults to $DOCFLOW_CONFIG)")
	rootCmd.PersistentFlags().String("store", "", "Store URL overriding the configured one")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the docflow HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Print the recorded event timeline of a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("process")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return printEvents(cmd, store, id)
		},
	}
	eventsCmd.Flags().String("process", "", "Process id")
	_ = eventsCmd.MarkFlagRequired("process")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the record of a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("process")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			p, err := store.GetProcess(cmd.Context(), id)
			if err != nil {
				return errors.Wrapf(err, "get process %s", id)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	statusCmd.Flags().String("process", "", "Process id")
	_ = statusCmd.MarkFlagRequired("process")

	rootCmd.AddCommand(serveCmd, eventsCmd, statusCmd)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if url, _ := cmd.Flags().GetString("store"); url != "" {
		cfg.StoreURL = url
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func openStore(cmd *cobra.Command) (storage.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log.GetLogger().Debugf("Opening store %s", cfg.StoreURL)
	store, err := internal_storage.InitStore(cmd.Context(), cfg.StoreURL)
	return store, errors.Wrap(err, "initialize store")
}

func printEvents(cmd *cobra.Command, store storage.Store, id string) error {
	events, err := store.FindEventsByProcess(cmd.Context(), id)
	if err != nil {
		return errors.Wrapf(err, "find events of process %s", id)
	}
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintf(out, "No events found.\n")
		return nil
	}
	for _, rec := range events {
		raw, err := json.Marshal(rec.Event)
		if err != nil {
			return errors.Wrapf(err, "encode event %s", rec.ID)
		}
		fmt.Fprintf(out, "%s %s %s\n", time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339Nano), rec.ID, raw)
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.GetLogger()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := telemetry.Shutdown(shutdownTracing); err != nil {
			logger.Errorf("Failed to shutdown tracing: %v", err)
		}
	}()

	store, err := internal_storage.InitStore(ctx, cfg.StoreURL)
	if err != nil {
		return errors.Wrap(err, "initialize store")
	}
	defer store.Close()

	registry := broadcast.NewRegistry(logger)
	if cfg.NATSURL != "" {
		r, err := relay.Connect(ctx, cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer r.Close()
		if err := r.Start(registry); err != nil {
			return err
		}
		registry.SetRelay(r)
	}

	sink, err := telemetry.NewOTelSink(otel.Meter("github.com/ignatij/docflow"))
	if err != nil {
		return err
	}
	// processes are stopped by svc.Shutdown
	svc := service.NewProcessService(context.WithoutCancel(ctx), service.HandlerDeps{
		Store:       store,
		Handlers:    handler.NewRegistry(cfg.LocalRoot),
		Budget:      budget.NewController(store),
		Broadcaster: registry,
		Metrics:     sink,
		Notifier:    service.LogNotifier{Logger: logger},
		Logger:      logger,
		NewEngine: func(s models.Settings) engine.Engine {
			return engine.NewComposer(logger, engine.WithIgnoreErrors(s.IgnoreErrors))
		},
		LocalRoot: cfg.LocalRoot,
		QueueSize: cfg.QueueSize,
	})

	server := internal_http.NewServer(svc, store, registry, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return internal_http.StartServer(gctx, net.JoinHostPort("", cfg.Port), server.Handler(), logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Infof("Stopping %d running processes", len(svc.Active()))
		return svc.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

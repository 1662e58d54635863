package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/castellan/castellan/internal/collector"
	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/embedding"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/llm"
	"github.com/castellan/castellan/internal/notify"
	"github.com/castellan/castellan/internal/notify/channels"
	"github.com/castellan/castellan/internal/pipeline"
	"github.com/castellan/castellan/internal/retrieval"
	"github.com/castellan/castellan/internal/storage"
	"github.com/castellan/castellan/internal/vectorstore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the collector, analysis pipeline, and notification fan-out",
	Long: `Run starts the full Castellan service: historical replay of the last
24 hours, a live tail of every configured channel, the embed/search/analyze
pipeline, and notification dispatch. It blocks until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("no-historical", false, "skip the 24-hour historical replay on startup")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	if Cfg.Metrics.Enabled {
		go serveMetrics(Cfg.Metrics.Addr)
	}

	snapshot, err := config.NewSnapshot(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config snapshot: %w", err)
	}
	defer snapshot.Close()
	if cfgFile != "" {
		if err := snapshot.Watch(cfgFile); err != nil {
			slog.Warn("config hot reload unavailable", "error", err)
		}
	}
	cfg := snapshot.Current()

	bookmarks, err := storage.NewLocalBackend(storage.LocalConfig{BaseDir: cfg.Collector.BookmarkDir})
	if err != nil {
		return fmt.Errorf("opening bookmark storage: %w", err)
	}

	var cacheDisk storage.Backend
	if dir := cfg.Embedding.CachePersistDir; dir != "" {
		cacheDisk, err = storage.NewLocalBackend(storage.LocalConfig{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("opening embedding cache storage: %w", err)
		}
	}

	embedder, err := embedding.NewCache(embedding.New(cfg.Embedding),
		cfg.Embedding.Provider, cfg.Embedding.Model,
		cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL, cacheDisk)
	if err != nil {
		return fmt.Errorf("building embedding cache: %w", err)
	}

	store := vectorstore.New(cfg.VectorStore)
	if err := store.EnsureCollection(ctx); err != nil {
		slog.Warn("vector collection not ready at startup, continuing degraded", "error", err)
	}
	retriever := retrieval.New(store, cfg.Retrieval)

	client := llm.New(cfg.LLM)

	pipe, err := pipeline.New(cfg.Pipeline, embedder, retriever, client, store)
	if err != nil {
		return err
	}

	notifyChannels, err := buildChannels(cfg.Notification)
	if err != nil {
		return err
	}
	manager := notify.New(notifyChannels)

	var sources []collector.Channel
	poll := time.Duration(cfg.Collector.PollSeconds) * time.Second
	for _, name := range cfg.Collector.Channels {
		path := filepath.Join(cfg.Collector.SourceDir, name+".ndjson")
		sources = append(sources, collector.NewFileChannel(name, path, cfg.Collector.Filter, poll))
	}
	coll, err := collector.New(&cfg.Collector, bookmarks, sources)
	if err != nil {
		return err
	}

	out := pipe.Run(ctx)
	go dispatchLoop(ctx, out, manager)
	go retentionSweep(ctx, store)

	if skip, _ := cmd.Flags().GetBool("no-historical"); !skip {
		go feed(ctx, pipe, coll.CollectHistorical(ctx))
	}
	go feed(ctx, pipe, coll.CollectLive(ctx))

	slog.Info("castellan running", "channels", cfg.Collector.Channels, "workers", cfg.Pipeline.Workers)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func feed(ctx context.Context, pipe *pipeline.Pipeline, in <-chan events.LogEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			pipe.Submit(e)
		}
	}
}

func dispatchLoop(ctx context.Context, out <-chan events.SecurityEvent, manager *notify.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case sec, ok := <-out:
			if !ok {
				return
			}
			manager.SendSecurityAlert(ctx, sec)
		}
	}
}

// retentionSweep enforces the 24-hour retention window hourly. Sweep
// failures are best-effort: logged, never fatal.
func retentionSweep(ctx context.Context, store vectorstore.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.DeleteOlderThan24Hours(ctx); err != nil {
				slog.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

func buildChannels(cfg config.NotificationConfig) ([]notify.Channel, error) {
	var out []notify.Channel
	for _, ch := range cfg.Channels {
		switch ch.Type {
		case "teams":
			driver, err := channels.NewTeams(ch.Name, ch.URL, ch.Enabled)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
			}
			out = append(out, driver)
		case "slack":
			driver, err := channels.NewSlack(ch.Name, ch.URL, ch.Enabled)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
			}
			out = append(out, driver)
		case "webhook":
			out = append(out, channels.NewWebhook(ch.Name, ch.URL, ch.Enabled))
		default:
			return nil, fmt.Errorf("channel %s: unknown type %q", ch.Name, ch.Type)
		}
	}
	return out, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics endpoint failed", "addr", addr, "error", err)
	}
}

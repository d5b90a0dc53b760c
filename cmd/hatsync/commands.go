package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/eiannone/keyboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/archive"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/auth"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/config"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/db"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/hat"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/ingest"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/logging"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/metrics"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/prefs"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/sync"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/utils"
)

// env holds what every command opens.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *db.DB
	prefs   prefs.Store
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

func newEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if path := c.String("store"); path != "" {
		cfg.Store.Path = path
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	store, err := db.New(cfg.Store.Path, logger)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to open sample store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &env{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		prefs:   prefs.NewFileStore(cfg.Prefs.Path),
		reg:     reg,
		metrics: metrics.New(reg),
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close sample store", zap.Error(err))
	}
	e.logger.Sync()
}

func (e *env) syncerConfig() sync.SyncerConfig {
	cfg := sync.DefaultSyncerConfig()
	cfg.SourceName = e.cfg.HAT.TableName
	cfg.Source = e.cfg.HAT.Source
	cfg.BatchSize = e.cfg.Sync.BatchSize
	cfg.Interval = e.cfg.Sync.Interval
	cfg.Leeway = e.cfg.Sync.Leeway
	return cfg
}

// newSyncer wires the HAT client and token provider. It validates the
// configuration since only syncing needs HAT credentials.
func (e *env) newSyncer() (*sync.Syncer, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	baseURL := e.cfg.HATBaseURL()
	client := hat.NewClient(baseURL, e.cfg.HAT.RequestTimeout, e.logger)

	var tokens auth.Provider
	if e.cfg.Auth.AccessToken != "" {
		tokens = auth.NewStaticProvider(e.cfg.Auth.AccessToken)
	} else {
		httpClient := &http.Client{Timeout: e.cfg.HAT.RequestTimeout, Transport: hat.NewTransport()}
		tokens = auth.NewMarketProvider(baseURL, e.cfg.Auth.TokenPath, e.cfg.Auth.MarketToken, httpClient, e.logger)
	}

	cfg := e.syncerConfig()
	return sync.NewSyncer(e.store, tokens, client, &cfg,
		sync.WithPrefs(e.prefs),
		sync.WithMetrics(e.metrics),
		sync.WithLogger(e.logger)), nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func openFeed(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening feed: %w", err)
	}
	return f, nil
}

func recordSamples(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(c)
	defer stop()

	recorder := ingest.NewRecorder(e.store, e.metrics, e.logger)

	if c.IsSet("lat") || c.IsSet("lon") {
		id, err := recorder.Record(ctx, models.Sample{
			Latitude:  c.Float64("lat"),
			Longitude: c.Float64("lon"),
			Accuracy:  c.Float64("accuracy"),
		})
		if err != nil {
			return fmt.Errorf("failed to record sample: %w", err)
		}
		fmt.Printf("Recorded sample %d\n", id)
		return nil
	}

	path := c.String("feed")
	if path == "" {
		path = "-"
	}
	src, err := openFeed(path)
	if err != nil {
		return err
	}
	defer src.Close()

	stored, err := recorder.Consume(ctx, src)
	fmt.Printf("Recorded %s samples\n", humanize.Comma(int64(stored)))
	return err
}

func startSync(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if batch := c.Int("batch"); batch > 0 {
		e.cfg.Sync.BatchSize = batch
	}
	syncer, err := e.newSyncer()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c)
	defer stop()

	if !c.Bool("drain") {
		result, err := syncer.RunCycle(ctx)
		printResult(result, err)
		return err
	}

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return err
	}
	if pending == 0 {
		fmt.Println("Nothing to sync")
		return nil
	}

	bar := pb.New64(pending)
	bar.SetTemplate(`Syncing {{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
	bar.Start()
	total, err := syncer.Drain(ctx, func(n int) { bar.Add(n) })
	bar.Finish()

	if err != nil {
		return fmt.Errorf("sync stopped after %d samples: %w", total, err)
	}
	fmt.Printf("Synced %s samples\n", humanize.Comma(int64(total)))
	return nil
}

func runLoop(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if interval := c.Duration("interval"); interval > 0 {
		e.cfg.Sync.Interval = interval
	}
	syncer, err := e.newSyncer()
	if err != nil {
		return err
	}
	syncer.Subscribe(sync.ObserverFunc(printResult))

	ctx, stop := signalContext(c)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := e.cfg.Metrics.Addr
	if c.IsSet("metrics-addr") {
		addr = c.String("metrics-addr")
	}
	if addr != "" {
		srv := startMetrics(addr, e.reg, e.logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if path := c.String("feed"); path != "" {
		src, err := openFeed(path)
		if err != nil {
			return err
		}
		defer src.Close()

		recorder := ingest.NewRecorder(e.store, e.metrics, e.logger)
		go func() {
			stored, err := recorder.Consume(ctx, src)
			e.logger.Info("Feed finished", zap.Int("stored", stored), zap.Error(err))
		}()
	}

	if c.Bool("interactive") {
		keys, err := keyboard.GetKeys(10)
		if err != nil {
			return fmt.Errorf("failed to read keyboard: %w", err)
		}
		defer keyboard.Close()

		fmt.Println("Press s to sync now, q to quit")
		go readKeys(ctx, keys, syncer, cancel)
	}

	return syncer.Run(ctx)
}

func readKeys(ctx context.Context, keys <-chan keyboard.KeyEvent, syncer *sync.Syncer, quit context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-keys:
			if !ok {
				return
			}
			if ev.Err != nil {
				quit()
				return
			}
			switch {
			case ev.Rune == 's' || ev.Rune == 'S':
				syncer.SyncNow()
			case ev.Rune == 'q' || ev.Rune == 'Q' || ev.Key == keyboard.KeyEsc || ev.Key == keyboard.KeyCtrlC:
				quit()
				return
			}
		}
	}
}

func startMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server exited", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}

// printResult is the passive status line: one line per cycle, never blocking.
func printResult(result models.SyncCycleResult, err error) {
	stamp := result.StartedAt.Local().Format("15:04:05")
	switch {
	case result.Skipped:
		return
	case err != nil:
		fmt.Printf("[%s] FAILED %s: %s\n", stamp, result.Message, logging.SanitizeError(err))
	case result.SamplesConfirmed == 0:
		fmt.Printf("[%s] OK nothing to sync\n", stamp)
	default:
		fmt.Printf("[%s] OK %s (as of %s)\n", stamp, result.Message, result.ServerTimestamp.Format(time.RFC3339))
	}
}

func showStatus(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	stats, err := e.store.GetStats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	status, err := e.prefs.Status()
	if err != nil {
		return fmt.Errorf("failed to read sync counters: %w", err)
	}

	var size int64
	if fi, err := os.Stat(e.cfg.Store.Path); err == nil {
		size = fi.Size()
	}

	fmt.Printf("Store: %s (Size: %s)\n", e.cfg.Store.Path, utils.FormatSize(size))
	fmt.Printf("HAT Table: %s/%s\n", e.cfg.HAT.TableName, e.cfg.HAT.Source)
	fmt.Printf("Total Samples: %s\n", humanize.Comma(stats.TotalSamples))
	fmt.Printf("Samples Synced: %s\n", humanize.Comma(stats.SyncedSamples))
	fmt.Printf("Samples Pending: %s (oldest captured %s)\n",
		humanize.Comma(stats.PendingSamples), utils.FormatAgo(stats.OldestPending))
	fmt.Printf("Last Sample Synced: %s\n", utils.FormatAgo(stats.LastSyncedAt))
	fmt.Printf("Last Successful Sync: %s (%d samples)\n",
		utils.FormatAgo(status.SuccessfulSyncDate), status.SuccessfulSyncCount)

	if stats.TotalSamples > 0 {
		progress := float64(stats.SyncedSamples) / float64(stats.TotalSamples) * 100
		fmt.Printf("Progress: %.2f%%\n", progress)
	}
	return nil
}

func purgeSamples(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(c)
	defer stop()

	olderThan := c.Duration("older-than")
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	before := time.Now().Add(-olderThan)
	includeUnsynced := c.Bool("include-unsynced")

	// purging never needs the HAT
	cfg := e.syncerConfig()
	syncer := sync.NewSyncer(e.store, nil, nil, &cfg, sync.WithMetrics(e.metrics), sync.WithLogger(e.logger))

	var deleted int64
	if c.Bool("archive") {
		n, err := archiveAndDelete(ctx, e, before)
		if err != nil {
			return err
		}
		deleted += n
		if !includeUnsynced {
			fmt.Printf("Purged %s samples captured before %s\n", humanize.Comma(deleted), before.Format(time.RFC3339))
			return nil
		}
	}

	n, err := syncer.Purge(ctx, before, includeUnsynced)
	if errors.Is(err, sync.ErrCycleInFlight) {
		return fmt.Errorf("a sync cycle is running, try again shortly")
	}
	if err != nil {
		return err
	}
	deleted += n

	fmt.Printf("Purged %s samples captured before %s\n", humanize.Comma(deleted), before.Format(time.RFC3339))
	return nil
}

// archiveAndDelete uploads the synced samples older than before, then deletes
// exactly the archived rows.
func archiveAndDelete(ctx context.Context, e *env, before time.Time) (int64, error) {
	if !e.cfg.Archive.Enabled() {
		return 0, fmt.Errorf("--archive requires archive.endpoint and archive.bucket")
	}

	a, err := archive.New(archive.Config{
		Endpoint:  e.cfg.Archive.Endpoint,
		Bucket:    e.cfg.Archive.Bucket,
		Folder:    e.cfg.Archive.Folder,
		Region:    e.cfg.Archive.Region,
		Secure:    e.cfg.Archive.Secure,
		AccessKey: e.cfg.Archive.AccessKey,
		SecretKey: e.cfg.Archive.SecretKey,
	}, e.logger)
	if err != nil {
		return 0, err
	}

	samples, err := e.store.SyncedBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}

	key, err := a.Archive(ctx, samples)
	if err != nil {
		return 0, fmt.Errorf("archive failed, nothing purged: %w", err)
	}
	fmt.Printf("Archived %s samples to %s/%s\n", humanize.Comma(int64(len(samples))), e.cfg.Archive.Bucket, key)

	ids := make([]int64, len(samples))
	for i, s := range samples {
		ids[i] = s.ID
	}
	return e.store.DeleteSynced(ctx, ids)
}

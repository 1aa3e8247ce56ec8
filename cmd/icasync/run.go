package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/icasync/internal/api"
	"github.com/JohanCodinha/icasync/internal/config"
	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/notify"
	"github.com/JohanCodinha/icasync/internal/sync"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon: an HTTP server receiving Home Assistant todo
events, a debounced reconciliation scheduler, a periodic refresh and, when
sync.poll_interval is set, a poller for backends without events.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	defer logger.Close()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := sync.NewScheduler(a.engine, a.tracker, cfg.Todo.ListID, cfg.Sync.Debounce.Std())
	sched.OnPass(recordPass(a.db))

	var wg gosync.WaitGroup

	if interval := cfg.Sync.PollInterval.Std(); interval > 0 {
		poller := notify.NewPoller(a.todo, cfg.Todo.ListID, interval, func(ev notify.Event) {
			sched.HandleEvent(ev)
		})
		// The engine's own todo writes must not come back as user events.
		sched.OnPass(func(sync.Pass) { poller.Reset() })
		startWorker(ctx, &wg, "poller", poller.Run)
	}

	if interval := cfg.Sync.RefreshInterval.Std(); interval > 0 {
		startWorker(ctx, &wg, "refresh", func(ctx context.Context) {
			periodicRefresh(ctx, sched, interval)
		})
	}

	handler := api.NewHandler(sched, a.db, cfg.Remote.ListID, cfg.Server.APIKey, Version)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api: listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api: server error: %v", err)
			cancel()
		}
	}()

	// Initial pass, like the periodic refresh but right away.
	if _, err := sched.Refresh(ctx); err != nil {
		logger.Warn("sync: initial pass failed: %v", err)
	}

	notifySystemd(daemon.SdNotifyReady)

	<-ctx.Done()
	logger.Info("icasync: shutdown initiated")
	notifySystemd(daemon.SdNotifyStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api: shutdown error: %v", err)
	}

	wg.Wait()

	// Waits for an in-flight pass; a pending debounce is dropped.
	sched.Stop()

	logger.Info("icasync: shutdown complete")
	return nil
}

// notifySystemd sends state to systemd. Outside systemd it does nothing.
func notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn("icasync: sd_notify %s failed: %v", state, err)
	}
}

// periodicRefresh runs a pass every interval until ctx is cancelled.
func periodicRefresh(ctx context.Context, sched *sync.Scheduler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := sched.Refresh(ctx)
			switch {
			case err == nil, errors.Is(err, sync.ErrPassInFlight):
			case errors.Is(err, sync.ErrStopped):
				return
			default:
				logger.Warn("sync: periodic refresh failed: %v", err)
			}
		}
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *gosync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("icasync: worker %s started", name)
		fn(ctx)
		logger.Info("icasync: worker %s stopped", name)
	}()
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/icasync/internal/api"
	"github.com/JohanCodinha/icasync/internal/config"
	"github.com/JohanCodinha/icasync/internal/sync"
)

var refreshLocal bool

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one reconciliation pass now",
	Long: `Ask the running daemon to run one immediate reconciliation pass.

With --local the pass runs in this process instead. Do not combine --local
with a running daemon for the same lists.`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshLocal, "local", false, "run the pass in-process instead of through the daemon")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	var result api.PassResult
	if refreshLocal {
		result, err = refreshInProcess(cmd.Context(), cfg)
	} else {
		result, err = refreshViaDaemon(cmd.Context(), cfg)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d items\n", result.ListName, len(result.Items))
	fmt.Fprintf(out, "  remote: +%d -%d (purged %d)\n", result.RemoteAdded, result.RemoteRemoved, result.Purged)
	fmt.Fprintf(out, "  todo:   +%d -%d\n", result.TodoAdded, result.TodoRemoved)
	if result.Dropped > 0 || result.Failed > 0 || result.Malformed > 0 {
		fmt.Fprintf(out, "  dropped %d, failed %d, malformed %d\n", result.Dropped, result.Failed, result.Malformed)
	}
	return nil
}

func refreshInProcess(ctx context.Context, cfg *config.Config) (api.PassResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return api.PassResult{}, err
	}
	defer a.Close()

	sched := sync.NewScheduler(a.engine, a.tracker, cfg.Todo.ListID, cfg.Sync.Debounce.Std())
	sched.OnPass(recordPass(a.db))
	defer sched.Stop()

	result, err := sched.Refresh(ctx)
	if err != nil {
		return api.PassResult{}, err
	}
	return api.NewPassResult(result), nil
}

// daemonURL turns a listen address into a URL reachable from this host.
func daemonURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func refreshViaDaemon(ctx context.Context, cfg *config.Config) (api.PassResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// A pass may take several upstream calls per item.
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, daemonURL(cfg.Server.Addr)+"/api/refresh", nil)
	if err != nil {
		return api.PassResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	if cfg.Server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return api.PassResult{}, fmt.Errorf("failed to reach daemon (is 'icasync run' running? use --local otherwise): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var p api.Problem
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, &p); err == nil && p.Detail != "" {
			return api.PassResult{}, fmt.Errorf("refresh failed: %s - %s", resp.Status, p.Detail)
		}
		return api.PassResult{}, fmt.Errorf("refresh failed: %s - %s", resp.Status, string(body))
	}

	var result api.PassResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return api.PassResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

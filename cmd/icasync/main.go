// Package main provides the CLI entrypoint for icasync.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/icasync/internal/cache"
	"github.com/JohanCodinha/icasync/internal/config"
	"github.com/JohanCodinha/icasync/internal/ica"
	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/service"
	"github.com/JohanCodinha/icasync/internal/sync"
	"github.com/JohanCodinha/icasync/internal/todo/googletasks"
	"github.com/JohanCodinha/icasync/internal/todo/homeassistant"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "icasync",
	Short: "Keep an ICA shopping list and a todo list in sync",
	Long: `icasync keeps an ICA shopping list and a todo list (Home Assistant or
Google Tasks) mutually consistent: items added on one side appear on the
other, and items completed or removed on one side are removed on the other.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $ICASYNC_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(listsCmd)
	rootCmd.AddCommand(statusCmd)
}

// setupLogging applies the log settings, letting flags win over config.
func setupLogging(cfg *config.Config) error {
	levelName := cfg.Log.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	format, err := logger.ParseFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	logger.SetFormat(format)

	path := cfg.Log.File
	if logFile != "" {
		path = logFile
	}
	if path != "" {
		if err := logger.SetLogFile(config.ExpandHome(path)); err != nil {
			return err
		}
	}
	return nil
}

// newRemoteClient creates the ICA client. tokens may be nil.
func newRemoteClient(cfg *config.Config, tokens ica.TokenStore) *ica.Client {
	opts := []ica.Option{
		ica.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout.Std()}),
		ica.WithSessionCookie(cfg.Remote.SessionCookie),
		ica.WithGatewayURL(cfg.Remote.BaseURL),
		ica.WithUserInfoURL(cfg.Remote.UserInfoURL),
	}
	if tokens != nil {
		opts = append(opts, ica.WithTokenStore(tokens))
	}
	return ica.New(cfg.Remote.SessionID, opts...)
}

// newTodoClient creates the configured todo backend.
func newTodoClient(ctx context.Context, cfg *config.Config) (service.TodoService, error) {
	switch cfg.Todo.Backend {
	case config.BackendHomeAssistant:
		return homeassistant.New(cfg.Todo.HomeAssistant.URL, cfg.Todo.HomeAssistant.Token), nil
	case config.BackendGoogleTasks:
		client, err := googletasks.New(ctx, cfg.Todo.GoogleTasks.CredentialsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create Google Tasks client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown todo backend %q", cfg.Todo.Backend)
	}
}

func engineConfig(cfg *config.Config) sync.Config {
	return sync.Config{
		RemoteListID:   cfg.Remote.ListID,
		TodoListID:     cfg.Todo.ListID,
		PurgeCompleted: cfg.Sync.PurgeCompleted,
		MaxRemoteItems: cfg.Sync.MaxRemoteItems,
		MaxTodoItems:   cfg.Sync.MaxTodoItems,
		CallTimeout:    cfg.Sync.CallTimeout.Std(),
	}
}

// app is the wired set of components shared by run and refresh --local.
type app struct {
	cfg     *config.Config
	db      *cache.DB
	tracker *sync.Tracker
	engine  *sync.Engine
	todo    service.TodoService
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := cache.InitDB(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	logger.Info("cache: initialized at %s", cfg.Cache.Path)

	todo, err := newTodoClient(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	remote := newRemoteClient(cfg, db)
	tracker := sync.NewTracker(cfg.Sync.RecentTTL.Std())
	engine := sync.NewEngine(remote, todo, tracker, engineConfig(cfg))
	engine.OnRefresh(saveListState(db, cfg.Remote.ListID))

	return &app{cfg: cfg, db: db, tracker: tracker, engine: engine, todo: todo}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Warn("cache: close failed: %v", err)
	}
}

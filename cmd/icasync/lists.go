package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/icasync/internal/cache"
	"github.com/JohanCodinha/icasync/internal/config"
	"github.com/JohanCodinha/icasync/internal/ica"
	"github.com/JohanCodinha/icasync/internal/logger"
)

var listsCmd = &cobra.Command{
	Use:   "lists",
	Short: "List the ICA shopping lists of the configured session",
	Long: `Print the id, name and row count of every shopping list the session can
see. Use it to pick remote.list_id; only remote.session_id needs to be
configured.`,
	Args: cobra.NoArgs,
	RunE: runLists,
}

func runLists(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadSession(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	// The token cache is optional here.
	var tokens ica.TokenStore
	if db, err := cache.InitDB(cfg.Cache.Path); err != nil {
		logger.Warn("cache: unavailable, not caching the access token: %v", err)
	} else {
		defer db.Close()
		tokens = db
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Remote.Timeout.Std()+10*time.Second)
	defer cancel()

	lists, err := newRemoteClient(cfg, tokens).ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch lists: %w", err)
	}

	renderLists(cmd.OutOrStdout(), lists, cfg.Remote.ListID)
	return nil
}

func renderLists(out io.Writer, lists []ica.List, configured string) {
	if len(lists) == 0 {
		fmt.Fprintln(out, "no shopping lists found")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Name", "Rows", "Struck", ""})
	for _, l := range lists {
		struck := 0
		for _, r := range l.Rows {
			if r.IsStriked {
				struck++
			}
		}
		marker := ""
		if l.ID == configured {
			marker = "configured"
		}
		t.AppendRow(table.Row{l.ID, l.Name, len(l.Rows), struck, marker})
	}
	t.Render()
}

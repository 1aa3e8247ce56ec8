package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/icasync/internal/cache"
	"github.com/JohanCodinha/icasync/internal/config"
	"github.com/JohanCodinha/icasync/internal/sync"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last synced list state and pass history",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "number of passes to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusLimit <= 0 {
		return fmt.Errorf("invalid --limit %d: must be positive", statusLimit)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := cache.InitDB(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	state, err := db.GetListState(ctx, cfg.Remote.ListID)
	if err != nil {
		return err
	}
	runs, err := db.LatestRuns(ctx, statusLimit)
	if err != nil {
		return err
	}

	renderStatus(cmd.OutOrStdout(), cfg.Remote.ListID, state, runs)
	return nil
}

func renderStatus(out io.Writer, listID string, state *cache.ListState, runs []cache.Run) {
	if state == nil {
		fmt.Fprintf(out, "List %s: not synced yet\n", listID)
	} else {
		fmt.Fprintf(out, "List %s (%s): %d items, updated %s\n",
			state.Name, state.ListID, state.ItemCount, state.UpdatedAt.Local().Format(time.DateTime))
		if len(state.Items) > 0 {
			fmt.Fprintf(out, "  %s\n", strings.Join(state.Items, ", "))
		}
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No passes recorded")
		return
	}

	fmt.Fprintln(out)
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Started", "Trigger", "Outcome", "Remote +/-", "Todo +/-", "Took", "Error"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.StartedAt.Local().Format(time.DateTime),
			r.Trigger,
			colorOutcome(r.Outcome),
			fmt.Sprintf("+%d/-%d", r.RemoteAdded, r.RemoteRemoved+r.Purged),
			fmt.Sprintf("+%d/-%d", r.TodoAdded, r.TodoRemoved),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			r.Error,
		})
	}
	t.Render()
}

func colorOutcome(outcome string) string {
	switch outcome {
	case sync.OutcomeOK:
		return text.FgGreen.Sprint(outcome)
	case sync.OutcomeBusy:
		return text.FgHiBlack.Sprint(outcome)
	case sync.OutcomeCapacity:
		return text.FgRed.Sprint(outcome)
	default:
		return text.FgYellow.Sprint(outcome)
	}
}

// File: cmd/status.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/observability"
	"github.com/xkilldash9x/autoreg/internal/store"
)

const maxMessageWidth = 60

type statusOptions struct {
	history bool
	runID   string
	asJSON  bool
}

func newStatusCmd(a *app) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the saved queue, results and stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.history, "history", false, "list the result history of a run (sqlite and postgres backends)")
	cmd.Flags().StringVar(&opts.runID, "run", "", "run id for --history (default: the saved run)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func showStatus(ctx context.Context, a *app, opts *statusOptions, out io.Writer) error {
	st, err := store.Open(ctx, a.cfg, observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ps, err := st.Load(ctx)
	if err != nil {
		return err
	}

	if opts.history {
		hs, ok := st.(store.HistoryStore)
		if !ok {
			return fmt.Errorf("the %s backend keeps no history; use sqlite or postgres", a.cfg.Store.Backend)
		}
		runID := opts.runID
		if runID == "" && ps != nil {
			runID = ps.RunID
		}
		if runID == "" {
			return errors.New("no saved run; pass --run")
		}
		results, err := hs.History(ctx, runID)
		if err != nil {
			return err
		}
		if opts.asJSON {
			return printJSON(out, results)
		}
		fmt.Fprintf(out, "History of run %s\n", runID)
		renderTasks(out, results)
		return nil
	}

	if ps == nil {
		fmt.Fprintln(out, "No saved run.")
		return nil
	}
	if opts.asJSON {
		return printJSON(out, ps)
	}
	printSummary(out, schemas.RunSnapshot{
		RunID:   ps.RunID,
		Queue:   ps.Queue,
		Results: ps.Results,
		Stats:   ps.Stats,
	})
	if !ps.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "Last saved %s\n", ps.UpdatedAt.Local().Format(time.RFC1123))
	}
	return nil
}

// printSummary renders results, then the remaining queue, then the stats.
func printSummary(out io.Writer, snap schemas.RunSnapshot) {
	tasks := make([]*schemas.RegistrationTask, 0, len(snap.Results)+len(snap.Queue))
	tasks = append(tasks, snap.Results...)
	tasks = append(tasks, snap.Queue...)
	if len(tasks) > 0 {
		renderTasks(out, tasks)
	}

	s := snap.Stats
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Total", "Processed", "Success", "Failed", "Manual", "Pending"})
	tw.AppendRow(table.Row{s.Total, s.Processed, s.Success, s.Failed, s.Manual, s.Pending})
	if snap.Mode != "" {
		tw.SetTitle("Run %s (%s)", shortID(snap.RunID), snap.Mode)
	} else if snap.RunID != "" {
		tw.SetTitle("Run %s", shortID(snap.RunID))
	}
	tw.Render()
}

func renderTasks(out io.Writer, tasks []*schemas.RegistrationTask) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"#", "Event", "Status", "Message", "Resolved"})
	for i, t := range tasks {
		resolved := ""
		if t.ResolvedAt != nil {
			resolved = t.ResolvedAt.Local().Format("2006-01-02 15:04")
		}
		tw.AppendRow(table.Row{i + 1, displayTitle(t), t.Status, truncate(t.Message, maxMessageWidth), resolved})
	}
	tw.Render()
}

func printJSON(out io.Writer, v interface{}) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

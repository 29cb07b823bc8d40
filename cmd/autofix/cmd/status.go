package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinnation/kontext-sub005/internal/adapters/state"
	"github.com/coinnation/kontext-sub005/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow status",
	Long: `Display the workflows of a running coordinator as recorded in its
snapshot export (state.snapshot_path).`,
	RunE: runStatus,
}

var (
	statusJSON    bool
	statusProject string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().StringVar(&statusProject, "project", "", "Only show workflows of this project")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.State.SnapshotPath == "" {
		return errors.New("snapshot export is disabled (state.snapshot_path is empty)")
	}

	out := cmd.OutOrStdout()
	snap, exportedAt, err := state.ReadSnapshotFile(cfg.State.SnapshotPath)
	if errors.Is(err, state.ErrNoSnapshot) {
		fmt.Fprintln(out, "No snapshot found; is autofix serve running?")
		return nil
	}
	if err != nil {
		return err
	}
	snap.Workflows = filterWorkflows(snap.Workflows, statusProject)

	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return printStatus(out, snap, exportedAt)
}

func filterWorkflows(wfs []*core.Workflow, projectID string) []*core.Workflow {
	out := make([]*core.Workflow, 0, len(wfs))
	for _, wf := range wfs {
		if projectID == "" || wf.ProjectID == projectID {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timing.CreatedAt.Before(out[j].Timing.CreatedAt)
	})
	return out
}

func printStatus(out io.Writer, snap core.Snapshot, exportedAt time.Time) error {
	fmt.Fprintf(out, "Exported: %s\n", exportedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Coordinating: %t\n", snap.IsCoordinating)
	fmt.Fprintln(out)

	if len(snap.Workflows) == 0 {
		fmt.Fprintln(out, "No workflows")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tPROJECT\tPHASE\tATTEMPT\tERROR\tAGE")
	for _, wf := range snap.Workflows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			wf.ID,
			wf.ProjectID,
			wf.Phase,
			wf.Retry.ExecutionCount,
			wf.Retry.MaxExecutions,
			wf.Error.Kind,
			exportedAt.Sub(wf.Timing.CreatedAt).Round(time.Second),
		)
	}
	return w.Flush()
}

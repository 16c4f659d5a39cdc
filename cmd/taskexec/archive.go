package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/taskexec/internal/persistence"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect the archive of finished tasks",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived tasks, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runArchiveList,
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one archived task and its output",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveShow,
}

var archivePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archived tasks older than the retention",
	Args:  cobra.NoArgs,
	RunE:  runArchivePrune,
}

func init() {
	archiveListCmd.Flags().String("tag", "", "only tasks carrying this tag")
	archiveListCmd.Flags().Int("limit", 50, "maximum number of tasks")
	archivePruneCmd.Flags().Duration("older-than", 0, "override the configured retention")

	archiveCmd.AddCommand(archiveListCmd, archiveShowCmd, archivePruneCmd)
}

func openArchive(ctx context.Context) (persistence.Store, time.Duration, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	path := cfg.Archive.Path
	if path == "" {
		path = dataPath("archive.db")
	}
	store, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening archive: %w", err)
	}
	return store, cfg.Archive.Retention.D(), nil
}

func runArchiveList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, _, err := openArchive(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tag, _ := cmd.Flags().GetString("tag")
	limit, _ := cmd.Flags().GetInt("limit")

	var records []persistence.Record
	if tag != "" {
		records, err = store.ListByTag(ctx, tag)
		if len(records) > limit && limit > 0 {
			records = records[len(records)-limit:]
		}
	} else {
		records, err = store.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no archived tasks")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), recordTable(records))
	return nil
}

func recordTable(records []persistence.Record) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		ended := "-"
		if !rec.Ended.IsZero() {
			ended = rec.Ended.Format(time.DateTime)
		}
		rows = append(rows, []string{
			rec.ID[:min(8, len(rec.ID))],
			rec.Name,
			rec.State,
			rec.Duration().Round(time.Millisecond).String(),
			ended,
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "STATE", "DURATION", "ENDED").
		Rows(rows...).
		String()
}

func runArchiveShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, err := openArchive(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetRecord(ctx, args[0])
	if err != nil {
		return err
	}
	lines, err := store.GetOutput(ctx, rec.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", rec.Name, rec.ID)
	if rec.Description != "" {
		fmt.Fprintf(out, "  %s\n", rec.Description)
	}
	fmt.Fprintf(out, "State:     %s\n", rec.State)
	if len(rec.Tags) > 0 {
		fmt.Fprintf(out, "Tags:      %v\n", rec.Tags)
	}
	if rec.SubmittedBy != "" {
		fmt.Fprintf(out, "Submitter: %s\n", rec.SubmittedBy)
	}
	fmt.Fprintf(out, "Duration:  %v\n", rec.Duration())
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", rec.Error)
	} else if rec.Result != "" {
		fmt.Fprintf(out, "Result:    %s\n", rec.Result)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out, "\nOutput:")
		for _, line := range lines {
			fmt.Fprintf(out, "  %s\n", line.Line)
		}
	}
	return nil
}

func runArchivePrune(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, retention, err := openArchive(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if override, _ := cmd.Flags().GetDuration("older-than"); override > 0 {
		retention = override
	}
	n, err := store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records\n", n)
	return nil
}

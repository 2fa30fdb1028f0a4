package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyKind      string
	historyLimit     int
	historyOlderThan time.Duration
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent compress and extract operations",
		Long: `List recorded operations, newest first. Every compress and extract run
by the CLI or the API server is recorded with its outcome.`,
		Example: `  zippy history
  zippy history --kind extract --limit 5
  zippy history show 12
  zippy history prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}
	cmd.Flags().StringVar(&historyKind, "kind", "", "only show compress or extract operations")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of operations to show")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete old history records",
		Args:  cobra.NoArgs,
		RunE:  historyPruneRun,
	}
	prune.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "delete operations started before this long ago")
	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show every recorded field of one operation",
		Args:  cobra.ExactArgs(1),
		RunE:  historyShowRun,
	}
	cmd.AddCommand(show, prune)

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	switch historyKind {
	case "", "compress", "extract":
	default:
		return fmt.Errorf("--kind must be compress or extract, got %q", historyKind)
	}

	ops, err := globalStore.ListOperations(historyKind, historyLimit)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Println("No operations recorded.")
		return nil
	}

	fmt.Printf("%-5s %-9s %-10s %-10s %-16s %s\n", "ID", "KIND", "STATUS", "SIZE", "WHEN", "DESTINATION")
	for _, op := range ops {
		status := op.Status
		if op.ErrorKind != "" {
			status += " (" + op.ErrorKind + ")"
		}
		fmt.Printf("%-5d %-9s %-10s %-10s %-16s %s\n",
			op.ID, op.Kind, status, humanize.IBytes(uint64(max(op.TotalBytes, 0))),
			humanize.Time(op.StartTime), op.Destination)
	}
	return nil
}

func historyShowRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid operation id %q", args[0])
	}
	op, err := globalStore.GetOperation(id)
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %d\n", op.ID)
	fmt.Printf("Kind:        %s\n", op.Kind)
	fmt.Printf("Status:      %s\n", op.Status)
	if op.ErrorKind != "" {
		fmt.Printf("Error:       %s: %s\n", op.ErrorKind, op.ErrorMessage)
	}
	fmt.Printf("Source:      %s\n", op.Source)
	fmt.Printf("Destination: %s\n", op.Destination)
	if op.Format != "" {
		fmt.Printf("Format:      %s\n", op.Format)
	}
	if op.Kind == "compress" {
		fmt.Printf("Level:       %d\n", op.Level)
		fmt.Printf("Strategy:    %s\n", op.Strategy)
	}
	if op.TaskID != "" {
		fmt.Printf("Task:        %s\n", op.TaskID)
	}
	fmt.Printf("Processed:   %s of %s\n",
		humanize.IBytes(uint64(max(op.ProcessedBytes, 0))), humanize.IBytes(uint64(max(op.TotalBytes, 0))))
	fmt.Printf("Started:     %s\n", op.StartTime.Local().Format(time.DateTime))
	if !op.EndTime.IsZero() {
		fmt.Printf("Duration:    %s\n", op.EndTime.Sub(op.StartTime).Round(time.Millisecond))
	}
	return nil
}

func historyPruneRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	if historyOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	n, err := globalStore.PruneOperations(time.Now().Add(-historyOlderThan))
	if err != nil {
		return err
	}
	printf("Removed %d operation(s)\n", n)
	return nil
}

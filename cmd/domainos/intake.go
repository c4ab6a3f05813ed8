package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

var (
	intakeStatus string
	intakeLabel  string
	intakeLimit  int
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Triage captured items",
}

var intakeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured items, pending ones by default",
	RunE:  runIntakeList,
}

var intakeClassifyCmd = &cobra.Command{
	Use:   "classify [item-id] [domain]",
	Short: "Assign a captured item to a domain",
	Long: `Marks a pending item as classified and records which domain it
belongs to. The --as label defaults to the domain name.`,
	Args: cobra.ExactArgs(2),
	RunE: runIntakeClassify,
}

var intakeDismissCmd = &cobra.Command{
	Use:   "dismiss [item-id]",
	Short: "Mark a captured item as not worth keeping",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntakeDismiss,
}

func init() {
	intakeListCmd.Flags().StringVar(&intakeStatus, "status", "pending", "Filter: pending, classified, dismissed, all")
	intakeListCmd.Flags().IntVar(&intakeLimit, "limit", 50, "Maximum items to show")
	intakeClassifyCmd.Flags().StringVar(&intakeLabel, "as", "", "Classification label (defaults to the domain name)")

	intakeCmd.AddCommand(intakeListCmd)
	intakeCmd.AddCommand(intakeClassifyCmd)
	intakeCmd.AddCommand(intakeDismissCmd)
}

func runIntakeList(cmd *cobra.Command, args []string) error {
	var status types.IntakeStatus
	switch intakeStatus {
	case "all":
		status = ""
	case "pending", "classified", "dismissed":
		status = types.IntakeStatus(intakeStatus)
	default:
		return fmt.Errorf("unknown status %q", intakeStatus)
	}

	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	items, err := rt.Store().ListIntakeItems(status, intakeLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no intake items")
		return nil
	}

	fmt.Printf("%-36s %-7s %-11s %-17s %s\n", "ID", "SOURCE", "STATUS", "CAPTURED", "TITLE")
	for _, it := range items {
		title := it.Title
		if title == "" {
			title = clip(it.Content, 48)
		}
		fmt.Printf("%-36s %-7s %-11s %-17s %s\n",
			it.ID, it.SourceType, it.Status, it.CreatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	return nil
}

func runIntakeClassify(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), args[1])
	if err != nil {
		return err
	}
	label := intakeLabel
	if label == "" {
		label = d.Name
	}
	if err := rt.Store().ClassifyIntakeItem(args[0], d.ID, label); err != nil {
		return err
	}
	fmt.Printf("classified %s into %s\n", args[0], d.Name)
	return nil
}

func runIntakeDismiss(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	if err := rt.Store().DismissIntakeItem(args[0]); err != nil {
		return err
	}
	fmt.Printf("dismissed %s\n", args[0])
	return nil
}

// clip flattens whitespace and truncates s for single-line table output.
func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) > max-1 {
		r = r[:max-1]
	}
	return string(r) + "…"
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/engine"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

var (
	autoDomain  string
	autoName    string
	autoPrompt  string
	autoCron    string
	autoEvent   string
	autoAction  string
	autoCatchUp bool
)

var automationCmd = &cobra.Command{
	Use:   "automation",
	Short: "Manage automations",
}

var automationListCmd = &cobra.Command{
	Use:   "list [domain]",
	Short: "List automations, optionally for one domain",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAutomationList,
}

var automationRunCmd = &cobra.Command{
	Use:   "run [automation]",
	Short: "Fire an automation now",
	Long: `Executes one automation immediately. Manual runs skip the trigger
check but keep every guard: dedupe, rate limits, cooldown.`,
	Args: cobra.ExactArgs(1),
	RunE: runAutomationRun,
}

var automationAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an automation",
	Long: `Creates an automation in a domain. Exactly one of --cron or --event
selects the trigger; --action picks what happens with the LLM response.

Examples:
  domainos automation add --domain research --name daily-brief \
    --cron "0 8 * * *" --action notification \
    --prompt "Summarize what changed in the KB yesterday."

  domainos automation add --domain research --name triage-intake \
    --event intake_created --action notification \
    --prompt "Classify this captured item: {{event}}"`,
	RunE: runAutomationAdd,
}

var automationEnableCmd = &cobra.Command{
	Use:   "enable [automation]",
	Short: "Re-enable an automation (clears its failure streak)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAutomationEnabled(args[0], true)
	},
}

var automationDisableCmd = &cobra.Command{
	Use:   "disable [automation]",
	Short: "Disable an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAutomationEnabled(args[0], false)
	},
}

var automationEditCmd = &cobra.Command{
	Use:   "edit [automation]",
	Short: "Change an automation's prompt, trigger, or action",
	Long: `Updates only the fields whose flags are given; everything else keeps
its current value. Switching between --cron and --event replaces the
trigger.`,
	Args: cobra.ExactArgs(1),
	RunE: runAutomationEdit,
}

var automationRemoveCmd = &cobra.Command{
	Use:   "remove [automation]",
	Short: "Delete an automation and its run history",
	Args:  cobra.ExactArgs(1),
	RunE:  runAutomationRemove,
}

func init() {
	automationListCmd.Flags().StringVar(&autoDomain, "domain", "", "Limit to one domain")
	automationRunCmd.Flags().StringVar(&autoDomain, "domain", "", "Domain to search when given a name instead of an id")

	automationAddCmd.Flags().StringVar(&autoDomain, "domain", "", "Domain name or id (required)")
	automationAddCmd.Flags().StringVar(&autoName, "name", "", "Automation name (required)")
	automationAddCmd.Flags().StringVar(&autoPrompt, "prompt", "", "Prompt template (required)")
	automationAddCmd.Flags().StringVar(&autoCron, "cron", "", "Five-field cron expression trigger")
	automationAddCmd.Flags().StringVar(&autoEvent, "event", "", "Event trigger: intake_created, deadline_approaching, kb_updated")
	automationAddCmd.Flags().StringVar(&autoAction, "action", string(types.ActionNotification), "Action: notification, create_gtask, draft_gmail")
	automationAddCmd.Flags().BoolVar(&autoCatchUp, "catch-up", false, "Fire once on startup when a scheduled run was missed")
	automationAddCmd.MarkFlagRequired("domain")
	automationAddCmd.MarkFlagRequired("name")
	automationAddCmd.MarkFlagRequired("prompt")

	automationEditCmd.Flags().StringVar(&autoDomain, "domain", "", "Domain to search when given a name instead of an id")
	automationEditCmd.Flags().StringVar(&autoName, "name", "", "New name")
	automationEditCmd.Flags().StringVar(&autoPrompt, "prompt", "", "New prompt template")
	automationEditCmd.Flags().StringVar(&autoCron, "cron", "", "Switch to a cron trigger with this expression")
	automationEditCmd.Flags().StringVar(&autoEvent, "event", "", "Switch to an event trigger: intake_created, deadline_approaching, kb_updated")
	automationEditCmd.Flags().StringVar(&autoAction, "action", "", "New action: notification, create_gtask, draft_gmail")
	automationEditCmd.Flags().BoolVar(&autoCatchUp, "catch-up", false, "Fire once on startup when a scheduled run was missed")

	automationRemoveCmd.Flags().StringVar(&autoDomain, "domain", "", "Domain to search when given a name instead of an id")

	automationCmd.AddCommand(automationListCmd)
	automationCmd.AddCommand(automationRunCmd)
	automationCmd.AddCommand(automationAddCmd)
	automationCmd.AddCommand(automationEditCmd)
	automationCmd.AddCommand(automationEnableCmd)
	automationCmd.AddCommand(automationDisableCmd)
	automationCmd.AddCommand(automationRemoveCmd)
}

// resolveAutomation accepts an automation id, or a name scoped by the
// --domain flag.
func resolveAutomation(st *store.Store, idOrName string) (*types.Automation, error) {
	a, err := st.GetAutomation(idOrName)
	if err == nil {
		return a, nil
	}
	domainID := ""
	if autoDomain != "" {
		d, derr := resolveDomain(st, autoDomain)
		if derr != nil {
			return nil, derr
		}
		domainID = d.ID
	}
	autos, err := st.ListAutomations(domainID)
	if err != nil {
		return nil, err
	}
	var found *types.Automation
	for _, a := range autos {
		if a.Name == idOrName {
			if found != nil {
				return nil, fmt.Errorf("automation name %q is ambiguous; use the id or --domain", idOrName)
			}
			found = a
		}
	}
	if found == nil {
		return nil, fmt.Errorf("automation %q not found", idOrName)
	}
	return found, nil
}

func runAutomationList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	domainID := ""
	if len(args) == 1 {
		d, derr := resolveDomain(rt.Store(), args[0])
		if derr != nil {
			return derr
		}
		domainID = d.ID
	} else if autoDomain != "" {
		d, derr := resolveDomain(rt.Store(), autoDomain)
		if derr != nil {
			return derr
		}
		domainID = d.ID
	}

	autos, err := rt.Store().ListAutomations(domainID)
	if err != nil {
		return err
	}
	if len(autos) == 0 {
		fmt.Println("no automations")
		return nil
	}

	fmt.Printf("%-24s %-36s %-9s %-16s %-8s %s\n", "NAME", "ID", "TRIGGER", "DETAIL", "ENABLED", "RUNS")
	for _, a := range autos {
		detail := a.TriggerCron
		if a.TriggerKind == types.TriggerEvent {
			detail = string(a.TriggerEvent)
		}
		enabled := "yes"
		if !a.Enabled {
			enabled = "no"
			if a.FailureStreak > 0 {
				enabled = fmt.Sprintf("no (%d fails)", a.FailureStreak)
			}
		}
		fmt.Printf("%-24s %-36s %-9s %-16s %-8s %d\n",
			a.Name, a.ID, a.TriggerKind, detail, enabled, a.RunCount)
	}
	return nil
}

func runAutomationRun(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{Notifier: newConsoleNotifier()})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	a, err := resolveAutomation(rt.Store(), args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	run, err := rt.Engine().RunManual(ctx, a.ID, uuid.NewString())
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	if run.ErrorCode != "" {
		fmt.Printf("  error: %s %s\n", run.ErrorCode, run.ErrorMessage)
	}
	if run.ActionResult != "" {
		fmt.Printf("  result: %s\n", run.ActionResult)
	}
	if run.ActionExternalID != "" {
		fmt.Printf("  external id: %s\n", run.ActionExternalID)
	}
	return nil
}

func runAutomationAdd(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), autoDomain)
	if err != nil {
		return err
	}

	a := &types.Automation{
		DomainID:       d.ID,
		Name:           strings.TrimSpace(autoName),
		PromptTemplate: autoPrompt,
		ActionKind:     types.ActionKind(autoAction),
		Enabled:        true,
		CatchUpEnabled: autoCatchUp,
	}
	switch {
	case autoCron != "" && autoEvent != "":
		return fmt.Errorf("pick one of --cron or --event")
	case autoCron != "":
		if err := engine.ValidateCron(autoCron); err != nil {
			return err
		}
		a.TriggerKind = types.TriggerSchedule
		a.TriggerCron = autoCron
	case autoEvent != "":
		a.TriggerKind = types.TriggerEvent
		a.TriggerEvent = types.EventType(autoEvent)
	default:
		a.TriggerKind = types.TriggerManual
	}

	if err := a.Validate(); err != nil {
		return err
	}
	if err := rt.Store().CreateAutomation(a); err != nil {
		return err
	}
	fmt.Printf("created automation %s (%s)\n", a.Name, a.ID)
	return nil
}

func runAutomationEdit(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	a, err := resolveAutomation(rt.Store(), args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("cron") && flags.Changed("event") {
		return fmt.Errorf("pick one of --cron or --event")
	}
	if flags.Changed("name") {
		a.Name = strings.TrimSpace(autoName)
	}
	if flags.Changed("prompt") {
		a.PromptTemplate = autoPrompt
	}
	if flags.Changed("action") {
		a.ActionKind = types.ActionKind(autoAction)
	}
	if flags.Changed("catch-up") {
		a.CatchUpEnabled = autoCatchUp
	}
	switch {
	case flags.Changed("cron"):
		if err := engine.ValidateCron(autoCron); err != nil {
			return err
		}
		a.TriggerKind = types.TriggerSchedule
		a.TriggerCron = autoCron
		a.TriggerEvent = ""
	case flags.Changed("event"):
		a.TriggerKind = types.TriggerEvent
		a.TriggerEvent = types.EventType(autoEvent)
		a.TriggerCron = ""
	}

	if err := rt.Store().UpdateAutomation(a); err != nil {
		return err
	}
	fmt.Printf("updated %s\n", a.Name)
	return nil
}

func runAutomationRemove(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	a, err := resolveAutomation(rt.Store(), args[0])
	if err != nil {
		return err
	}
	if err := rt.Store().DeleteAutomation(a.ID); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", a.Name)
	return nil
}

func setAutomationEnabled(idOrName string, enabled bool) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	a, err := resolveAutomation(rt.Store(), idOrName)
	if err != nil {
		return err
	}
	if err := rt.Store().SetAutomationEnabled(a.ID, enabled); err != nil {
		return err
	}
	if enabled {
		// A fresh start: without this, one more failure would trip the
		// streak limit again immediately.
		if err := rt.Store().UpdateFailureState(a.ID, 0, nil); err != nil {
			return err
		}
		fmt.Printf("enabled %s\n", a.Name)
	} else {
		fmt.Printf("disabled %s\n", a.Name)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/mission"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

var (
	missionDomain string
	missionParams []string
)

var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Run and manage missions",
}

var missionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions and their domain grants",
	RunE:  runMissionList,
}

var missionRunCmd = &cobra.Command{
	Use:   "run [mission]",
	Short: "Run a mission against a domain",
	Long: `Runs one mission. Output streams as it is generated. When the mission
queues side effects (deadlines, email drafts), the run stops at a gate
and waits for: domainos mission approve <run-id>

Example:
  domainos mission run weekly-digest --domain research --param tone=warm`,
	Args: cobra.ExactArgs(1),
	RunE: runMissionRun,
}

var missionApproveCmd = &cobra.Command{
	Use:   "approve [run-id]",
	Short: "Approve a gated run's queued side effects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideMission(args[0], true)
	},
}

var missionRejectCmd = &cobra.Command{
	Use:   "reject [run-id]",
	Short: "Reject a gated run's queued side effects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideMission(args[0], false)
	},
}

var missionGrantCmd = &cobra.Command{
	Use:   "grant [mission] [domain]",
	Short: "Allow a mission to run against a domain",
	Args:  cobra.ExactArgs(2),
	RunE:  runMissionGrant,
}

var missionRevokeCmd = &cobra.Command{
	Use:   "revoke [mission] [domain]",
	Short: "Remove a mission's access to a domain",
	Args:  cobra.ExactArgs(2),
	RunE:  runMissionRevoke,
}

func init() {
	missionRunCmd.Flags().StringVar(&missionDomain, "domain", "", "Domain name or id (required)")
	missionRunCmd.Flags().StringArrayVar(&missionParams, "param", nil, "Mission parameter as key=value (repeatable)")
	missionRunCmd.MarkFlagRequired("domain")

	missionCmd.AddCommand(missionListCmd)
	missionCmd.AddCommand(missionRunCmd)
	missionCmd.AddCommand(missionApproveCmd)
	missionCmd.AddCommand(missionRejectCmd)
	missionCmd.AddCommand(missionGrantCmd)
	missionCmd.AddCommand(missionRevokeCmd)
}

func runMissionList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	missions, err := rt.Store().ListMissions()
	if err != nil {
		return err
	}

	fmt.Printf("%-18s %-8s %-8s %s\n", "NAME", "ENABLED", "DOMAINS", "DESCRIPTION")
	for _, m := range missions {
		enabled := "yes"
		if !m.Enabled {
			enabled = "no"
		}
		fmt.Printf("%-18s %-8s %-8d %s\n", m.Name, enabled, len(m.DomainIDs), m.Description)
	}
	return nil
}

// parseParams turns repeated key=value flags into mission parameters.
// Values that parse as JSON keep their type; everything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("bad --param %q, want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			params[key] = v
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func runMissionRun(cmd *cobra.Command, args []string) error {
	params, err := parseParams(missionParams)
	if err != nil {
		return err
	}

	// Progress drain; the runner drops events when the channel is full,
	// so keep it deep and consume promptly.
	progress := make(chan mission.Progress, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range progress {
			switch evt.Kind {
			case mission.ProgressLLMChunk:
				fmt.Print(evt.Detail)
			case mission.ProgressRunStarted:
				fmt.Printf("run %s started\n", evt.RunID)
			default:
				fmt.Printf("\n[%s] %s\n", evt.Kind, evt.Detail)
			}
		}
	}()

	rt, err := openRuntime(runtime.Options{MissionProgress: progress})
	if err != nil {
		close(progress)
		wg.Wait()
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), missionDomain)
	if err != nil {
		close(progress)
		wg.Wait()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	run, err := rt.Missions().Run(ctx, mission.RunRequest{
		MissionID: args[0],
		DomainID:  d.ID,
		RequestID: uuid.NewString(),
		Params:    params,
	})
	close(progress)
	wg.Wait()
	if err != nil {
		return err
	}

	fmt.Printf("\nrun %s: %s\n", run.ID, run.Status)
	switch run.Status {
	case types.MissionGated:
		if gate, gerr := rt.Store().GetPendingGate(run.ID); gerr == nil {
			fmt.Println(gate.Message)
		}
		fmt.Printf("approve with: domainos mission approve %s\n", run.ID)
		fmt.Printf("reject with:  domainos mission reject %s\n", run.ID)
	case types.MissionFailed:
		fmt.Printf("error: %s\n", run.ErrorMessage)
	}
	return nil
}

func decideMission(runID string, approved bool) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	run, err := rt.Missions().Decide(ctx, runID, approved)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %s\n", run.ID, run.Status)

	actions, err := rt.Store().ListMissionActions(run.ID)
	if err != nil {
		return err
	}
	for _, a := range actions {
		line := fmt.Sprintf("  %s: %s", a.Kind, a.Status)
		if a.ErrorMessage != "" {
			line += " (" + a.ErrorMessage + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runMissionGrant(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), args[1])
	if err != nil {
		return err
	}
	if err := mission.Grant(rt.Store(), args[0], d.ID); err != nil {
		return err
	}
	fmt.Printf("mission %s may now run against %s\n", args[0], d.Name)
	return nil
}

func runMissionRevoke(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), args[1])
	if err != nil {
		return err
	}
	if err := mission.Revoke(rt.Store(), args[0], d.ID); err != nil {
		return err
	}
	fmt.Printf("mission %s can no longer run against %s\n", args[0], d.Name)
	return nil
}

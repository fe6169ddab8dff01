package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/specflowhq/specflow/registry"
	"github.com/specflowhq/specflow/state"
)

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show orchestration status for registered projects",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.NewDefault()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return showProjectStatus(reg, args[0])
			}
			return listProjectStatuses(reg)
		},
	}
}

func showProjectStatus(reg *registry.Registry, projectID string) error {
	project, err := reg.Get(projectID)
	if err != nil {
		return err
	}

	store := state.NewStore()
	doc, err := store.Load(project.Path)
	if errors.Is(err, state.ErrNotFound) {
		fmt.Printf("%s: no orchestration state\n", project.Name)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Project:  %s (%s)\n", project.Name, project.ID)
	fmt.Printf("Path:     %s\n", project.Path)
	fmt.Printf("Step:     %s (%s)\n", doc.Orchestration.Step.Current, doc.Orchestration.Step.Status)

	exec := doc.Orchestration.Dashboard.Execution
	if exec == nil {
		fmt.Println("Status:   idle")
		return nil
	}
	fmt.Printf("Status:   %s\n", exec.Status)
	fmt.Printf("Phase:    %s\n", exec.CurrentPhase)
	if exec.Batches.Total > 0 {
		fmt.Printf("Batches:  %d/%d\n", exec.Batches.Current, exec.Batches.Total)
	}
	if exec.TotalCostUSD > 0 {
		fmt.Printf("Cost:     $%.2f\n", exec.TotalCostUSD)
	}
	if exec.RecoveryContext != nil {
		opts := make([]string, len(exec.RecoveryContext.Options))
		for i, o := range exec.RecoveryContext.Options {
			opts[i] = string(o)
		}
		fmt.Printf("Issue:    %s (options: %s)\n", exec.RecoveryContext.Issue, strings.Join(opts, ", "))
	}
	if exec.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", exec.ErrorMessage)
	}

	if lw := doc.Orchestration.Dashboard.LastWorkflow; lw != nil {
		fmt.Printf("Workflow: %s [%s] %s\n", lw.ID, lw.Skill, lw.Status)
	}

	if len(exec.DecisionLog) > 0 {
		fmt.Println("\nRecent decisions:")
		start := len(exec.DecisionLog) - 5
		if start < 0 {
			start = 0
		}
		for _, d := range exec.DecisionLog[start:] {
			fmt.Printf("  %s  %-20s %s\n", d.Timestamp.Format("15:04:05"), d.Decision, d.Reason)
		}
	}
	return nil
}

func listProjectStatuses(reg *registry.Registry) error {
	projects, err := reg.List()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects registered.")
		return nil
	}

	store := state.NewStore()
	for _, p := range projects {
		status := "idle"
		doc, err := store.Load(p.Path)
		switch {
		case errors.Is(err, state.ErrNotFound):
			status = "no state"
		case err != nil:
			status = fmt.Sprintf("error: %v", err)
		case doc.Orchestration.Dashboard.Execution != nil:
			status = string(doc.Orchestration.Dashboard.Execution.Status)
		}
		fmt.Printf("%-24s %-36s %s\n", p.Name, p.ID, status)
	}
	return nil
}

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/specflowhq/specflow/orchestrator"
	"github.com/specflowhq/specflow/planner"
	"github.com/specflowhq/specflow/registry"
)

func newBatchesCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "batches <project>",
		Short: "Preview implementation batches from the tasks document",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			reg, err := registry.NewDefault()
			if err != nil {
				return err
			}
			project, err := reg.Get(args[0])
			if err != nil {
				return err
			}

			content, err := orchestrator.DefaultTasksLoader(project.Path)
			if err != nil {
				return err
			}
			plan := planner.Plan(content, cfg.Orchestration.BatchSizeFallback)
			printPlan(plan)
			return nil
		},
	}
}

func printPlan(plan planner.BatchPlan) {
	if len(plan.Batches) == 0 {
		fmt.Println("No tasks found.")
		return
	}
	if plan.UsedFallback {
		fmt.Println("No usable sections; using fallback chunking.")
	}
	for i, b := range plan.Batches {
		fmt.Printf("%2d. %-28s %3d task(s)  %s\n", i+1, b.Section, len(b.TaskIDs), strings.Join(b.TaskIDs, ", "))
	}
}

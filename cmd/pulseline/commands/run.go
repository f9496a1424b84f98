package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/workflow"
	"github.com/teranos/pulseline/sym"
)

// RunCmd groups workflow run commands
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Pulse + " Start and inspect workflow runs",
	Long: sym.Pulse + ` A run executes the ordered steps of a registered workflow.

Examples:
  pulseline run workflows
  pulseline run start http.delivery --params '{"url":"https://example.com/hook"}'
  pulseline run ls --status running
  pulseline run show RN...`,
}

var runWorkflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List registered workflows and handlers",
	Args:  cobra.NoArgs,
	RunE:  runRunWorkflows,
}

var runStartCmd = &cobra.Command{
	Use:   "start <workflow>",
	Short: "Start a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunStart,
}

var runListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List runs, newest first",
	Args:    cobra.NoArgs,
	RunE:    runRunList,
}

var runShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run with its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a run and its in-flight steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCancel,
}

var (
	runParams   string
	runVersion  string
	runLane     string
	runPriority int
	runKey      string

	runStatus   string
	runWorkflow string
	runLimit    int
	runOffset   int
	runJSON     bool

	runReason string
)

func init() {
	runStartCmd.Flags().StringVar(&runParams, "params", "", "JSON params for the run")
	runStartCmd.Flags().StringVar(&runVersion, "version", "", "Workflow version or semver constraint (default: latest)")
	runStartCmd.Flags().StringVar(&runLane, "lane", "", "Lane for task steps")
	runStartCmd.Flags().IntVar(&runPriority, "priority", 0, "Priority for task steps")
	runStartCmd.Flags().StringVar(&runKey, "key", "", "Idempotency key")
	runStartCmd.Flags().BoolVar(&runJSON, "json", false, "Output as JSON")

	runListCmd.Flags().StringVar(&runStatus, "status", "", "Filter by status")
	runListCmd.Flags().StringVar(&runWorkflow, "workflow", "", "Filter by workflow")
	runListCmd.Flags().IntVar(&runLimit, "limit", 20, "Page size")
	runListCmd.Flags().IntVar(&runOffset, "offset", 0, "Page offset")
	runListCmd.Flags().BoolVar(&runJSON, "json", false, "Output as JSON")

	runShowCmd.Flags().BoolVar(&runJSON, "json", false, "Output as JSON")

	runCancelCmd.Flags().StringVar(&runReason, "reason", "cancelled from CLI", "Recorded cancel reason")

	RunCmd.AddCommand(runWorkflowsCmd, runStartCmd, runListCmd, runShowCmd, runCancelCmd)
}

func runRunWorkflows(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	var rows [][]string
	for _, name := range st.defs.Names() {
		for _, v := range st.defs.Versions(name) {
			rows = append(rows, []string{name, v, "workflow"})
		}
	}
	for _, name := range st.handlers.Names() {
		for _, v := range st.handlers.Versions(name) {
			rows = append(rows, []string{name, v, "handler"})
		}
	}
	return printTable([]string{"NAME", "VERSION", "KIND"}, rows, "Nothing registered")
}

func runRunStart(cmd *cobra.Command, args []string) error {
	params, err := parseJSONFlag("params", runParams)
	if err != nil {
		return err
	}
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	started, err := st.runner.Start(cmd.Context(), workflow.StartRequest{
		Workflow:       args[0],
		Version:        runVersion,
		Params:         params,
		Lane:           runLane,
		Priority:       runPriority,
		IdempotencyKey: runKey,
		Trigger:        async.TriggerManual,
	})
	if err != nil {
		return err
	}
	if runJSON {
		return printJSON(started)
	}
	if started.Existing {
		pterm.Warning.Printf("Idempotency key already held by run %s (%s)\n", started.Run.ID, started.Run.Status)
		return nil
	}
	pterm.Success.Printf("Started run %s (%s, %d/%d steps settled)\n",
		started.Run.ID, started.Run.Status, settledSteps(started.Run), started.Run.StepsTotal)
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	filter := workflow.Filter{Workflow: runWorkflow, Limit: runLimit, Offset: runOffset}
	if runStatus != "" {
		status, err := async.ParseStatus(runStatus)
		if err != nil {
			return err
		}
		filter.Status = status
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	page, err := st.runner.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if runJSON {
		return printJSON(page)
	}

	rows := make([][]string, 0, len(page.Items))
	for _, r := range page.Items {
		rows = append(rows, []string{
			r.ID,
			r.Workflow + "@" + r.WorkflowVersion,
			string(r.Status),
			fmt.Sprintf("%d/%d", settledSteps(r), r.StepsTotal),
			fmtTime(r.CreatedAt),
			truncate(r.Error, 40),
		})
	}
	if err := printTable([]string{"ID", "WORKFLOW", "STATUS", "STEPS", "CREATED", "ERROR"}, rows, "No runs"); err != nil {
		return err
	}
	pageFooter(len(rows), page.Total, page.HasMore)
	return nil
}

func runRunShow(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.runner.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if runJSON {
		return printJSON(run)
	}

	if err := printFields(
		"ID", run.ID,
		"Workflow", run.Workflow+"@"+run.WorkflowVersion,
		"Status", string(run.Status),
		"Failure policy", string(run.FailurePolicy),
		"Trigger", string(run.Trigger),
		"Idempotency key", run.IdempotencyKey,
		"Created", fmtTime(run.CreatedAt),
		"Started", fmtTimePtr(run.StartedAt),
		"Completed", fmtTimePtr(run.CompletedAt),
		"Error", run.Error,
		"Output", string(run.Output),
	); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Steps")
	rows := make([][]string, 0, len(run.Steps))
	for _, s := range run.Steps {
		rows = append(rows, []string{
			strconv.Itoa(s.Order),
			s.Name,
			string(s.Type),
			string(s.Status),
			fmt.Sprintf("%d/%d", s.Attempt, s.MaxAttempts),
			s.ExecutionID,
			truncate(s.Error, 40),
		})
	}
	return printTable([]string{"#", "STEP", "TYPE", "STATUS", "ATTEMPT", "EXECUTION", "ERROR"}, rows, "No steps")
}

func runRunCancel(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.runner.Cancel(cmd.Context(), args[0], runReason)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Run %s is %s\n", run.ID, run.Status)
	return nil
}

func settledSteps(r *workflow.Run) int {
	return r.StepsCompleted + r.StepsFailed + r.StepsSkipped
}

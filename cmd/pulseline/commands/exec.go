package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/sym"
)

// ExecCmd groups execution commands
var ExecCmd = &cobra.Command{
	Use:     "exec",
	Aliases: []string{"x"},
	Short:   sym.Pulse + " Submit and inspect executions",
	Long: sym.Pulse + ` Executions are single invocations of a registered handler.

Submitting writes a PENDING execution to the record store; a running
'pulseline pulse start' claims it.

Examples:
  pulseline exec submit noop
  pulseline exec submit http.post --params '{"url":"https://example.com/hook"}' --key hook:42
  pulseline exec ls --status failed
  pulseline exec show EX...
  pulseline exec retry EX...`,
}

var execSubmitCmd = &cobra.Command{
	Use:   "submit <handler>",
	Short: "Submit an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecSubmit,
}

var execListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List executions, newest first",
	Args:    cobra.NoArgs,
	RunE:    runExecList,
}

var execShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an execution, its lineage and its events",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecShow,
}

var execCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecCancel,
}

var execRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Submit a new attempt of a failed or cancelled execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecRetry,
}

var (
	execParams     string
	execVersion    string
	execLane       string
	execPriority   int
	execKey        string
	execMaxRetries int
	execDryRun     bool

	execStatus   string
	execWorkflow string
	execLimit    int
	execOffset   int
	execJSON     bool

	execReason string
)

func init() {
	execSubmitCmd.Flags().StringVar(&execParams, "params", "", "JSON params passed to the handler")
	execSubmitCmd.Flags().StringVar(&execVersion, "version", "", "Handler version or semver constraint (default: latest)")
	execSubmitCmd.Flags().StringVar(&execLane, "lane", "", "Lane (default: "+async.DefaultLane+")")
	execSubmitCmd.Flags().IntVar(&execPriority, "priority", 0, "Higher is claimed first")
	execSubmitCmd.Flags().StringVar(&execKey, "key", "", "Idempotency key")
	execSubmitCmd.Flags().IntVar(&execMaxRetries, "max-retries", 0, "Override the configured retry budget")
	execSubmitCmd.Flags().BoolVar(&execDryRun, "dry-run", false, "Validate without storing")
	execSubmitCmd.Flags().BoolVar(&execJSON, "json", false, "Output as JSON")

	execListCmd.Flags().StringVar(&execStatus, "status", "", "Filter by status: pending, running, completed, failed, cancelled")
	execListCmd.Flags().StringVar(&execWorkflow, "workflow", "", "Filter by handler name")
	execListCmd.Flags().StringVar(&execLane, "lane", "", "Filter by lane")
	execListCmd.Flags().IntVar(&execLimit, "limit", 20, "Page size")
	execListCmd.Flags().IntVar(&execOffset, "offset", 0, "Page offset")
	execListCmd.Flags().BoolVar(&execJSON, "json", false, "Output as JSON")

	execShowCmd.Flags().BoolVar(&execJSON, "json", false, "Output as JSON")

	execCancelCmd.Flags().StringVar(&execReason, "reason", "cancelled from CLI", "Recorded cancel reason")

	ExecCmd.AddCommand(execSubmitCmd, execListCmd, execShowCmd, execCancelCmd, execRetryCmd)
}

func runExecSubmit(cmd *cobra.Command, args []string) error {
	params, err := parseJSONFlag("params", execParams)
	if err != nil {
		return err
	}
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	req := async.SubmitRequest{
		Workflow:       args[0],
		Version:        execVersion,
		Params:         params,
		Lane:           execLane,
		Priority:       execPriority,
		IdempotencyKey: execKey,
		Trigger:        async.TriggerManual,
		DryRun:         execDryRun,
	}
	if cmd.Flags().Changed("max-retries") {
		req.MaxRetries = &execMaxRetries
	}

	sub, err := st.engine.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	if execJSON {
		return printJSON(sub)
	}
	switch {
	case sub.DryRun:
		pterm.Success.Printf("Dry run accepted: %s@%s on lane %s\n", sub.Execution.Workflow, sub.Execution.WorkflowVersion, sub.Execution.Lane)
	case sub.Existing:
		pterm.Warning.Printf("Idempotency key already held by %s (%s)\n", sub.Execution.ID, sub.Execution.Status)
	default:
		pterm.Success.Printf("Submitted %s\n", sub.Execution.ID)
	}
	return nil
}

func runExecList(cmd *cobra.Command, args []string) error {
	filter := async.Filter{Workflow: execWorkflow, Lane: execLane, Limit: execLimit, Offset: execOffset}
	if execStatus != "" {
		status, err := async.ParseStatus(execStatus)
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

	page, err := st.engine.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if execJSON {
		return printJSON(page)
	}

	rows := make([][]string, 0, len(page.Items))
	for _, e := range page.Items {
		rows = append(rows, []string{
			e.ID,
			e.Workflow,
			string(e.Status),
			e.Lane,
			fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries),
			fmtTime(e.CreatedAt),
			truncate(e.Error, 40),
		})
	}
	if err := printTable([]string{"ID", "HANDLER", "STATUS", "LANE", "RETRIES", "CREATED", "ERROR"}, rows, "No executions"); err != nil {
		return err
	}
	pageFooter(len(rows), page.Total, page.HasMore)
	return nil
}

func runExecShow(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	exec, err := st.engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	lineage, err := st.engine.Lineage(ctx, exec.LineageID)
	if err != nil {
		return err
	}
	events, err := st.events.ForOwner(ctx, exec.ID)
	if err != nil {
		return err
	}
	if execJSON {
		return printJSON(map[string]interface{}{"execution": exec, "lineage": lineage, "events": events})
	}

	if err := printFields(
		"ID", exec.ID,
		"Handler", exec.Workflow+"@"+exec.WorkflowVersion,
		"Status", string(exec.Status),
		"Lane", exec.Lane,
		"Priority", strconv.Itoa(exec.Priority),
		"Trigger", string(exec.Trigger),
		"Idempotency key", exec.IdempotencyKey,
		"Lineage", exec.LineageID,
		"Caused by", exec.CausedBy,
		"Retries", fmt.Sprintf("%d/%d", exec.RetryCount, exec.MaxRetries),
		"Available at", fmtTime(exec.AvailableAt),
		"Started", fmtTimePtr(exec.StartedAt),
		"Completed", fmtTimePtr(exec.CompletedAt),
		"Locked by", exec.LockedBy,
		"Error", exec.Error,
		"Category", exec.ErrorCategory,
		"Cancel reason", exec.CancelReason,
		"Result", string(exec.Result),
	); err != nil {
		return err
	}

	if len(lineage) > 1 {
		pterm.DefaultSection.Println("Lineage")
		rows := make([][]string, 0, len(lineage))
		for _, e := range lineage {
			rows = append(rows, []string{e.ID, string(e.Status), string(e.Trigger), fmtTime(e.CreatedAt)})
		}
		if err := printTable([]string{"ID", "STATUS", "TRIGGER", "CREATED"}, rows, ""); err != nil {
			return err
		}
	}

	pterm.DefaultSection.Println("Events")
	return printEvents(events)
}

func runExecCancel(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	exec, err := st.engine.Cancel(cmd.Context(), args[0], execReason)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s is %s\n", exec.ID, exec.Status)
	return nil
}

func runExecRetry(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	sub, err := st.engine.Retry(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printf("Retry submitted as %s (lineage %s)\n", sub.Execution.ID, sub.Execution.LineageID)
	return nil
}

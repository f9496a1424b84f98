package commands

import (
	"fmt"
	"os/user"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseline/pulse/deadletter"
	"github.com/teranos/pulseline/sym"
)

// DLQCmd groups dead-letter commands
var DLQCmd = &cobra.Command{
	Use:     "dlq",
	Aliases: []string{"deadletter"},
	Short:   sym.DeadLetter + " Inspect, replay and resolve dead letters",
	Long: sym.DeadLetter + ` Executions that exhaust their retries, or fail permanently,
are parked here with their params and error.

Replaying submits a new execution in the same lineage. Resolving marks
the entry handled without running anything.

Examples:
  pulseline dlq ls
  pulseline dlq replay DL...
  pulseline dlq resolve DL... --note "upstream fixed"`,
}

var dlqListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List dead letters, newest first",
	Args:    cobra.NoArgs,
	RunE:    runDLQList,
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one dead letter",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQShow,
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Submit the parked execution again",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQReplay,
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a dead letter handled",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQResolve,
}

var (
	dlqAll      bool
	dlqWorkflow string
	dlqLimit    int
	dlqOffset   int
	dlqJSON     bool
	dlqNote     string
)

func init() {
	dlqListCmd.Flags().BoolVarP(&dlqAll, "all", "a", false, "Include resolved entries")
	dlqListCmd.Flags().StringVar(&dlqWorkflow, "workflow", "", "Filter by handler name")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "Page size")
	dlqListCmd.Flags().IntVar(&dlqOffset, "offset", 0, "Page offset")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "Output as JSON")

	dlqShowCmd.Flags().BoolVar(&dlqJSON, "json", false, "Output as JSON")

	dlqResolveCmd.Flags().StringVar(&dlqNote, "note", "", "Resolution note")

	DLQCmd.AddCommand(dlqListCmd, dlqShowCmd, dlqReplayCmd, dlqResolveCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	page, err := st.deadLetters.List(cmd.Context(), deadletter.Filter{
		Workflow:   dlqWorkflow,
		Unresolved: !dlqAll,
		Limit:      dlqLimit,
		Offset:     dlqOffset,
	})
	if err != nil {
		return err
	}
	if dlqJSON {
		return printJSON(page)
	}

	rows := make([][]string, 0, len(page.Items))
	for _, dl := range page.Items {
		rows = append(rows, []string{
			dl.ID,
			dl.Workflow,
			dl.ExecutionID,
			fmt.Sprintf("%d/%d", dl.RetryCount, dl.MaxRetries),
			fmtTime(dl.CreatedAt),
			dlqState(dl),
			truncate(dl.Error, 40),
		})
	}
	if err := printTable([]string{"ID", "HANDLER", "EXECUTION", "RETRIES", "PARKED", "STATE", "ERROR"}, rows, "Dead-letter queue is empty"); err != nil {
		return err
	}
	pageFooter(len(rows), page.Total, page.HasMore)
	return nil
}

func runDLQShow(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	dl, err := st.deadLetters.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if dlqJSON {
		return printJSON(dl)
	}
	return printFields(
		"ID", dl.ID,
		"Handler", dl.Workflow+"@"+dl.WorkflowVersion,
		"Execution", dl.ExecutionID,
		"Lineage", dl.LineageID,
		"Lane", dl.Lane,
		"Retries", fmt.Sprintf("%d/%d", dl.RetryCount, dl.MaxRetries),
		"Parked", fmtTime(dl.CreatedAt),
		"Reason", dl.Reason,
		"Error", dl.Error,
		"Params", string(dl.Params),
		"State", dlqState(dl),
		"Replayed as", dl.ReplayExecutionID,
		"Last replay", fmtTimePtr(dl.LastRetryAt),
		"Resolved by", dl.ResolvedBy,
		"Note", dl.ResolutionNote,
	)
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	sub, err := st.deadLetters.Replay(cmd.Context(), args[0], actor())
	if err != nil {
		return err
	}
	pterm.Success.Printf("Replayed as %s\n", sub.Execution.ID)
	return nil
}

func runDLQResolve(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	dl, err := st.deadLetters.Resolve(cmd.Context(), args[0], actor(), dlqNote)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Resolved %s\n", dl.ID)
	return nil
}

func dlqState(dl *deadletter.DeadLetter) string {
	if dl.Resolved() {
		return "resolved"
	}
	if dl.ReplayExecutionID != "" {
		return "replayed"
	}
	return "parked"
}

// actor names whoever ran the command in audit fields.
func actor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

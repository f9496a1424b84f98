package commands

import (
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/pulse/schedule"
	"github.com/teranos/pulseline/sym"
)

// ScheduleCmd groups schedule commands
var ScheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"sc"},
	Short:   sym.Pulse + " Manage cron, interval and one-time schedules",
	Long: sym.Pulse + ` Schedules fire executions or workflow runs on a cadence.

Declarative files (TOML or YAML) are applied by name: new names are
created, existing ones updated.

Examples:
  pulseline schedule apply -f schedules.toml
  pulseline schedule add heartbeat --target noop --every 5m
  pulseline schedule add nightly --target http.delivery --run --cron "0 2 * * *" --tz Europe/Amsterdam
  pulseline schedule ls
  pulseline schedule trigger nightly
  pulseline schedule disable nightly`,
}

var scheduleListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List schedules by next fire time",
	Args:    cobra.NoArgs,
	RunE:    runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show a schedule and its recent fires",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleAdd,
}

var scheduleApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update schedules from a TOML or YAML file",
	Args:  cobra.NoArgs,
	RunE:  runScheduleApply,
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <id|name>",
	Short: "Fire a schedule now without moving its cadence",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleTrigger,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <id|name>",
	Short: "Enable a schedule; the next fire is computed from now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleEnable,
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <id|name>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleDisable,
}

var scheduleDeleteCmd = &cobra.Command{
	Use:     "rm <id|name>",
	Aliases: []string{"delete"},
	Short:   "Delete a schedule",
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleDelete,
}

var (
	scheduleFile string

	scheduleTarget       string
	scheduleTargetRun    bool
	scheduleCron         string
	scheduleEvery        time.Duration
	scheduleAt           string
	scheduleTZ           string
	scheduleParams       string
	scheduleLane         string
	scheduleMaxInstances int
	scheduleDisabled     bool

	scheduleEnabledOnly bool
	scheduleLimit       int
	scheduleJSON        bool
)

func init() {
	scheduleApplyCmd.Flags().StringVarP(&scheduleFile, "file", "f", "", "Schedule file (.toml, .yaml or .yml)")
	_ = scheduleApplyCmd.MarkFlagRequired("file")
	scheduleApplyCmd.Flags().BoolVar(&scheduleJSON, "json", false, "Output as JSON")

	scheduleAddCmd.Flags().StringVar(&scheduleTarget, "target", "", "Handler or workflow to fire")
	scheduleAddCmd.Flags().BoolVar(&scheduleTargetRun, "run", false, "Target is a workflow (start a run) rather than a handler")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression (five fields)")
	scheduleAddCmd.Flags().DurationVar(&scheduleEvery, "every", 0, "Fixed interval, e.g. 30s or 15m")
	scheduleAddCmd.Flags().StringVar(&scheduleAt, "at", "", "One-time fire at an RFC 3339 timestamp")
	scheduleAddCmd.Flags().StringVar(&scheduleTZ, "tz", "", "IANA timezone for cron schedules (default: UTC)")
	scheduleAddCmd.Flags().StringVar(&scheduleParams, "params", "", "Default JSON params")
	scheduleAddCmd.Flags().StringVar(&scheduleLane, "lane", "", "Lane")
	scheduleAddCmd.Flags().IntVar(&scheduleMaxInstances, "max-instances", 1, "Concurrent fires allowed before SKIPPED")
	scheduleAddCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "Create disabled")
	_ = scheduleAddCmd.MarkFlagRequired("target")
	scheduleAddCmd.MarkFlagsMutuallyExclusive("cron", "every", "at")

	scheduleListCmd.Flags().BoolVar(&scheduleEnabledOnly, "enabled", false, "Only enabled schedules")
	scheduleListCmd.Flags().IntVar(&scheduleLimit, "limit", 50, "Page size")
	scheduleListCmd.Flags().BoolVar(&scheduleJSON, "json", false, "Output as JSON")

	scheduleShowCmd.Flags().IntVar(&scheduleLimit, "runs", 10, "How many recent fires to show")
	scheduleShowCmd.Flags().BoolVar(&scheduleJSON, "json", false, "Output as JSON")

	scheduleTriggerCmd.Flags().StringVar(&scheduleParams, "params", "", "JSON params merged over the defaults")

	ScheduleCmd.AddCommand(scheduleListCmd, scheduleShowCmd, scheduleAddCmd, scheduleApplyCmd,
		scheduleTriggerCmd, scheduleEnableCmd, scheduleDisableCmd, scheduleDeleteCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	filter := schedule.Filter{Limit: scheduleLimit}
	if scheduleEnabledOnly {
		filter.Enabled = util.Ptr(true)
	}
	page, err := st.scheduler.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if scheduleJSON {
		return printJSON(page)
	}

	rows := make([][]string, 0, len(page.Items))
	for _, sc := range page.Items {
		enabled := "yes"
		if !sc.Enabled {
			enabled = "no"
		}
		rows = append(rows, []string{
			sc.Name,
			cadence(sc),
			string(sc.TargetType) + ":" + sc.TargetName,
			enabled,
			fmtTimePtr(sc.NextRunAt),
			fmtTimePtr(sc.LastRunAt),
		})
	}
	if err := printTable([]string{"NAME", "CADENCE", "TARGET", "ENABLED", "NEXT", "LAST"}, rows, "No schedules"); err != nil {
		return err
	}
	pageFooter(len(rows), page.Total, page.HasMore)
	return nil
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	sc, err := st.scheduler.Get(ctx, args[0])
	if err != nil {
		return err
	}
	runs, err := st.scheduler.ListRuns(ctx, sc.ID, scheduleLimit)
	if err != nil {
		return err
	}
	if scheduleJSON {
		return printJSON(map[string]interface{}{"schedule": sc, "runs": runs})
	}

	if err := printFields(
		"ID", sc.ID,
		"Name", sc.Name,
		"Target", string(sc.TargetType)+":"+sc.TargetName,
		"Cadence", cadence(sc),
		"Timezone", sc.Timezone,
		"Enabled", strconv.FormatBool(sc.Enabled),
		"Max instances", strconv.Itoa(sc.MaxInstances),
		"Misfire grace", (time.Duration(sc.MisfireGraceSeconds) * time.Second).String(),
		"Next", fmtTimePtr(sc.NextRunAt),
		"Last", fmtTimePtr(sc.LastRunAt),
		"Version", strconv.Itoa(sc.Version),
		"Params", string(sc.DefaultParams),
	); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Recent fires")
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		note := r.Error
		if r.SkipReason != "" {
			note = r.SkipReason
		}
		rows = append(rows, []string{fmtTime(r.ScheduledAt), string(r.Status), r.TargetID, truncate(note, 50)})
	}
	return printTable([]string{"SCHEDULED", "STATUS", "TARGET", "NOTE"}, rows, "Never fired")
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	params, err := parseJSONFlag("params", scheduleParams)
	if err != nil {
		return err
	}
	in := schedule.Input{
		Name:          args[0],
		TargetType:    schedule.TargetExecution,
		TargetName:    scheduleTarget,
		DefaultParams: params,
		Lane:          scheduleLane,
		Timezone:      scheduleTZ,
		MaxInstances:  &scheduleMaxInstances,
		Enabled:       util.Ptr(!scheduleDisabled),
	}
	if scheduleTargetRun {
		in.TargetType = schedule.TargetRun
	}
	switch {
	case scheduleCron != "":
		in.Type = schedule.TypeCron
		in.CronExpression = scheduleCron
	case scheduleEvery > 0:
		in.Type = schedule.TypeInterval
		in.IntervalSeconds = int(scheduleEvery / time.Second)
	case scheduleAt != "":
		at, err := time.Parse(time.RFC3339, scheduleAt)
		if err != nil {
			return errors.WithHint(errors.Wrapf(err, "invalid --at %q", scheduleAt), "Use RFC 3339, e.g. 2026-11-01T09:00:00Z")
		}
		in.Type = schedule.TypeOneTime
		in.RunAt = &at
	default:
		return errors.New("one of --cron, --every or --at is required")
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	sc, err := st.scheduler.Create(cmd.Context(), in)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Created schedule %s (%s), next fire %s\n", sc.Name, sc.ID, fmtTimePtr(sc.NextRunAt))
	return nil
}

func runScheduleApply(cmd *cobra.Command, args []string) error {
	f, err := schedule.LoadFile(scheduleFile)
	if err != nil {
		return err
	}
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	results, applyErr := st.scheduler.Apply(cmd.Context(), f)
	if scheduleJSON {
		if err := printJSON(results); err != nil {
			return err
		}
		return applyErr
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		next := ""
		if r.Schedule != nil {
			next = fmtTimePtr(r.Schedule.NextRunAt)
		}
		rows = append(rows, []string{r.Name, r.Action, next, truncate(r.Error, 60)})
	}
	if err := printTable([]string{"NAME", "ACTION", "NEXT", "ERROR"}, rows, "File has no schedules"); err != nil {
		return err
	}
	if applyErr != nil {
		return applyErr
	}
	pterm.Success.Printf("Applied %d schedule(s) from %s\n", len(results), scheduleFile)
	return nil
}

func runScheduleTrigger(cmd *cobra.Command, args []string) error {
	params, err := parseJSONFlag("params", scheduleParams)
	if err != nil {
		return err
	}
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.scheduler.TriggerNow(cmd.Context(), args[0], params)
	if err != nil {
		return err
	}
	if run.Status == schedule.RunSkipped {
		pterm.Warning.Printf("Skipped: %s\n", run.SkipReason)
		return nil
	}
	pterm.Success.Printf("Fired %s -> %s (%s)\n", args[0], run.TargetID, run.Status)
	return nil
}

func runScheduleEnable(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	sc, err := st.scheduler.Enable(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printf("Enabled %s, next fire %s\n", sc.Name, fmtTimePtr(sc.NextRunAt))
	return nil
}

func runScheduleDisable(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	sc, err := st.scheduler.Disable(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	pterm.Success.Printf("Disabled %s\n", sc.Name)
	return nil
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.scheduler.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Deleted %s\n", args[0])
	return nil
}

// cadence renders the firing rule of sc for tables.
func cadence(sc *schedule.Schedule) string {
	switch sc.Type {
	case schedule.TypeCron:
		return "cron " + sc.CronExpression
	case schedule.TypeInterval:
		return "every " + (time.Duration(sc.IntervalSeconds) * time.Second).String()
	case schedule.TypeOneTime:
		return "once " + fmtTimePtr(sc.RunAt)
	default:
		return string(sc.Type)
	}
}

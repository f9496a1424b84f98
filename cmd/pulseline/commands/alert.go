package commands

import (
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulseline/internal/util"
	"github.com/teranos/pulseline/pulse/alert"
	"github.com/teranos/pulseline/sym"
)

// AlertCmd groups alert and channel commands
var AlertCmd = &cobra.Command{
	Use:   "alert",
	Short: sym.Alert + " Raise alerts and manage notification channels",
	Long: sym.Alert + ` Alerts fan out to every enabled channel whose minimum severity
they meet. Repeats of a dedup key inside the throttle window are stored
but not delivered.

Examples:
  pulseline alert channel add ops-hook --type webhook --config '{"url":"https://hooks.example.com/pulse"}' --min-severity error
  pulseline alert raise --severity warning --title "Disk filling" --dedup disk:db1
  pulseline alert ls --severity error
  pulseline alert show AL...`,
}

var alertListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List alerts, newest first",
	Args:    cobra.NoArgs,
	RunE:    runAlertList,
}

var alertShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an alert and its deliveries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertShow,
}

var alertRaiseCmd = &cobra.Command{
	Use:   "raise",
	Short: "Raise an alert",
	Args:  cobra.NoArgs,
	RunE:  runAlertRaise,
}

var alertChannelCmd = &cobra.Command{
	Use:     "channel",
	Aliases: []string{"channels"},
	Short:   "Manage notification channels",
	RunE:    runAlertChannelList,
}

var alertChannelAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertChannelAdd,
}

var alertChannelRemoveCmd = &cobra.Command{
	Use:     "rm <id|name>",
	Aliases: []string{"delete"},
	Short:   "Delete a channel",
	Args:    cobra.ExactArgs(1),
	RunE:    runAlertChannelRemove,
}

var (
	alertSeverity   string
	alertTitle      string
	alertMessage    string
	alertSource     string
	alertDomain     string
	alertDedup      string
	alertSuppressed bool
	alertLimit      int
	alertJSON       bool

	channelType     string
	channelConfig   string
	channelMin      string
	channelDomain   string
	channelThrottle int
)

func init() {
	alertListCmd.Flags().StringVar(&alertSeverity, "severity", "", "Filter by severity")
	alertListCmd.Flags().StringVar(&alertSource, "source", "", "Filter by source")
	alertListCmd.Flags().StringVar(&alertDedup, "dedup", "", "Filter by dedup key")
	alertListCmd.Flags().BoolVar(&alertSuppressed, "suppressed", false, "Only throttled alerts")
	alertListCmd.Flags().IntVar(&alertLimit, "limit", 20, "Page size")
	alertListCmd.Flags().BoolVar(&alertJSON, "json", false, "Output as JSON")

	alertShowCmd.Flags().BoolVar(&alertJSON, "json", false, "Output as JSON")

	alertRaiseCmd.Flags().StringVar(&alertSeverity, "severity", string(alert.SeverityWarning), "info, warning, error or critical")
	alertRaiseCmd.Flags().StringVar(&alertTitle, "title", "", "Alert title")
	alertRaiseCmd.Flags().StringVar(&alertMessage, "message", "", "Alert body")
	alertRaiseCmd.Flags().StringVar(&alertSource, "source", "cli", "Source recorded on the alert")
	alertRaiseCmd.Flags().StringVar(&alertDomain, "domain", "", "Domain, matched against channel domain filters")
	alertRaiseCmd.Flags().StringVar(&alertDedup, "dedup", "", "Dedup key for throttling")
	_ = alertRaiseCmd.MarkFlagRequired("title")

	alertChannelAddCmd.Flags().StringVar(&channelType, "type", "log", "Channel type: log, webhook or email")
	alertChannelAddCmd.Flags().StringVar(&channelConfig, "config", "", "Channel config as JSON")
	alertChannelAddCmd.Flags().StringVar(&channelMin, "min-severity", string(alert.SeverityWarning), "Lowest severity delivered")
	alertChannelAddCmd.Flags().StringVar(&channelDomain, "domain", "", "Only deliver alerts of this domain")
	alertChannelAddCmd.Flags().IntVar(&channelThrottle, "throttle-minutes", 0, "Dedup throttle window (0: dispatcher default)")

	alertChannelCmd.AddCommand(alertChannelAddCmd, alertChannelRemoveCmd)
	AlertCmd.AddCommand(alertListCmd, alertShowCmd, alertRaiseCmd, alertChannelCmd)
}

func runAlertList(cmd *cobra.Command, args []string) error {
	filter := alert.Filter{Source: alertSource, DedupKey: alertDedup, Limit: alertLimit}
	if alertSeverity != "" {
		sev, err := alert.ParseSeverity(alertSeverity)
		if err != nil {
			return err
		}
		filter.Severity = sev
	}
	if alertSuppressed {
		filter.Suppressed = util.Ptr(true)
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	page, err := st.alerts.ListAlerts(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if alertJSON {
		return printJSON(page)
	}

	rows := make([][]string, 0, len(page.Items))
	for _, a := range page.Items {
		title := a.Title
		if a.Suppressed {
			title += pterm.Gray(" (suppressed)")
		}
		rows = append(rows, []string{a.ID, severityLabel(a.Severity), a.Source, truncate(title, 50), fmtTime(a.CreatedAt)})
	}
	if err := printTable([]string{"ID", "SEVERITY", "SOURCE", "TITLE", "RAISED"}, rows, "No alerts"); err != nil {
		return err
	}
	pageFooter(len(rows), page.Total, page.HasMore)
	return nil
}

func runAlertShow(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	a, err := st.alerts.GetAlert(ctx, args[0])
	if err != nil {
		return err
	}
	deliveries, err := st.alerts.ListDeliveries(ctx, a.ID)
	if err != nil {
		return err
	}
	if alertJSON {
		return printJSON(map[string]interface{}{"alert": a, "deliveries": deliveries})
	}

	if err := printFields(
		"ID", a.ID,
		"Severity", severityLabel(a.Severity),
		"Title", a.Title,
		"Message", a.Message,
		"Source", a.Source,
		"Domain", a.Domain,
		"Execution", a.ExecutionID,
		"Run", a.RunID,
		"Category", a.ErrorCategory,
		"Dedup key", a.DedupKey,
		"Suppressed", strconv.FormatBool(a.Suppressed),
		"Raised", fmtTime(a.CreatedAt),
	); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Deliveries")
	rows := make([][]string, 0, len(deliveries))
	for _, d := range deliveries {
		rows = append(rows, []string{
			d.ChannelID,
			strconv.Itoa(d.Attempt) + "/" + strconv.Itoa(d.MaxAttempts),
			string(d.Status),
			fmtTimePtr(d.AttemptedAt),
			fmtTimePtr(d.NextRetryAt),
			truncate(d.Error, 40),
		})
	}
	return printTable([]string{"CHANNEL", "ATTEMPT", "STATUS", "ATTEMPTED", "NEXT RETRY", "ERROR"}, rows, "No deliveries")
}

func runAlertRaise(cmd *cobra.Command, args []string) error {
	sev, err := alert.ParseSeverity(alertSeverity)
	if err != nil {
		return err
	}
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := st.alerts.Raise(cmd.Context(), alert.Input{
		Severity: sev,
		Title:    alertTitle,
		Message:  alertMessage,
		Source:   alertSource,
		Domain:   alertDomain,
		DedupKey: alertDedup,
	})
	if err != nil {
		return err
	}
	if a.Suppressed {
		pterm.Warning.Printf("Alert %s recorded but suppressed (dedup key %q is throttled)\n", a.ID, a.DedupKey)
		return nil
	}
	pterm.Success.Printf("Raised %s\n", a.ID)
	return nil
}

func runAlertChannelList(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	channels, err := st.alerts.ListChannels(cmd.Context())
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(channels))
	for _, ch := range channels {
		state := "enabled"
		switch {
		case !ch.Enabled:
			state = "disabled"
		case ch.CircuitOpenUntil != nil:
			state = "circuit open until " + fmtTimePtr(ch.CircuitOpenUntil)
		}
		rows = append(rows, []string{ch.Name, ch.Type, string(ch.MinSeverity), ch.DomainFilter, state, strconv.Itoa(ch.ConsecutiveFailures)})
	}
	return printTable([]string{"NAME", "TYPE", "MIN SEVERITY", "DOMAIN", "STATE", "FAILURES"}, rows,
		"No channels; alerts are only stored. Types available: "+strings.Join(st.alerts.ChannelTypes(), ", "))
}

func runAlertChannelAdd(cmd *cobra.Command, args []string) error {
	config, err := parseJSONFlag("config", channelConfig)
	if err != nil {
		return err
	}
	sev, err := alert.ParseSeverity(channelMin)
	if err != nil {
		return err
	}
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	ch, err := st.alerts.RegisterChannel(cmd.Context(), alert.ChannelInput{
		Name:            args[0],
		Type:            channelType,
		Config:          config,
		MinSeverity:     sev,
		DomainFilter:    channelDomain,
		ThrottleMinutes: channelThrottle,
	})
	if err != nil {
		return err
	}
	pterm.Success.Printf("Registered %s channel %s (%s)\n", ch.Type, ch.Name, ch.ID)
	return nil
}

func runAlertChannelRemove(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.alerts.DeleteChannel(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Deleted channel %s\n", args[0])
	return nil
}

func severityLabel(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical:
		return pterm.Red(string(s))
	case alert.SeverityError:
		return pterm.LightRed(string(s))
	case alert.SeverityWarning:
		return pterm.Yellow(string(s))
	default:
		return string(s)
	}
}

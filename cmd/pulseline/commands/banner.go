package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/sym"
	"github.com/teranos/pulseline/version"
)

// printStartupBanner prints the daemon's startup summary
func printStartupBanner(verbosity int, dbPath, schemaVersion, addr string, workers int, scheduler bool, instanceID string) {
	if logger.JSONOutput {
		return
	}
	info := version.Get()

	pterm.DefaultCenter.Println(pterm.DefaultBox.WithTitle(sym.Pulse+" pulseline").Sprint(
		fmt.Sprintf("%s execute  %s schedule  %s dead-letter  %s alert", sym.Pulse, sym.PulseOpen, sym.DeadLetter, sym.Alert)))

	schedulerState := "off"
	if scheduler {
		schedulerState = "on (" + instanceID + ")"
	}
	workerState := strconv.Itoa(workers)
	if workers == 0 {
		workerState = "0 (API only)"
	}

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Built", info.BuildTime},
		{"Verbosity", logger.LevelName(verbosity)},
		{"Database", dbPath},
		{"Schema", schemaVersion},
		{"API", "http://" + addr},
		{"Workers", workerState},
		{"Scheduler", schedulerState},
	}).Render()

	fmt.Printf("\n%s Press Ctrl+C to stop\n\n", sym.Pulse)
}

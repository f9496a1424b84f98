package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/pulse/event"
)

// printJSON writes v indented to stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal output")
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

// printTable renders rows under header. An empty table prints a hint
// instead of a lone header row.
func printTable(header []string, rows [][]string, empty string) error {
	if len(rows) == 0 {
		pterm.Info.Println(empty)
		return nil
	}
	data := append(pterm.TableData{header}, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// printFields renders key/value pairs as a two-column table, skipping
// empty values.
func printFields(pairs ...string) error {
	var data pterm.TableData
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		data = append(data, []string{pterm.Bold.Sprint(pairs[i]), pairs[i+1]})
	}
	return pterm.DefaultTable.WithData(data).Render()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// parseJSONFlag validates a JSON-valued flag. Empty means unset.
func parseJSONFlag(flag, raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.WithHintf(errors.Newf("--%s is not valid JSON", flag),
			`Quote the object for your shell, e.g. --%s '{"url":"https://example.com/hook"}'`, flag)
	}
	return json.RawMessage(raw), nil
}

func pageFooter(shown, total int, hasMore bool) {
	if hasMore {
		pterm.Info.Printf("Showing %d of %d (use --offset to page)\n", shown, total)
	}
}

func printEvents(events []event.Event) error {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			strconv.FormatInt(ev.Seq, 10),
			fmtTime(ev.CreatedAt),
			string(ev.Type),
			ev.StepID,
			truncate(string(ev.Payload), 60),
		})
	}
	return printTable([]string{"SEQ", "AT", "EVENT", "STEP", "PAYLOAD"}, rows, "No events")
}

// Package sym defines the symbols pulseline uses as log markers and CLI
// decorations. They are stable across logs, the CLI and the event stream.
package sym

// System symbols.
const (
	Pulse      = "꩜" // executions, workers, scheduler ticks
	PulseOpen  = "✿" // graceful startup, lease recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Lock       = "⊘" // concurrency and schedule locks
	DeadLetter = "⚑" // parked failures
	Alert      = "⚠" // alert dispatch
	Event      = "✦" // event log
)

// entry binds a glyph to the component it marks.
type entry struct {
	glyph     string
	component string
}

var registry = []entry{
	{Pulse, "pulse"},
	{PulseOpen, "pulse.open"},
	{PulseClose, "pulse.close"},
	{DB, "db"},
	{AM, "am"},
	{Lock, "lock"},
	{DeadLetter, "deadletter"},
	{Alert, "alert"},
	{Event, "event"},
}

var componentToGlyph map[string]string

func init() {
	componentToGlyph = make(map[string]string, len(registry))
	for _, e := range registry {
		componentToGlyph[e.component] = e.glyph
	}
}

// ForComponent returns the glyph for a component name, or Pulse when the
// component has none.
func ForComponent(component string) string {
	if g, ok := componentToGlyph[component]; ok {
		return g
	}
	return Pulse
}

// Components returns component names in registry order.
func Components() []string {
	out := make([]string, 0, len(registry))
	for _, e := range registry {
		out = append(out, e.component)
	}
	return out
}

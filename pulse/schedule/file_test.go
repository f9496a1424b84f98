package schedule

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulseline/errors"
)

const timetableTOML = `
[[schedules]]
name = "sleeper"
target_name = "night-train"
schedule_type = "interval"
interval_seconds = 600
max_instances = 2

[schedules.params]
line = "N1"
cars = 8

[[schedules]]
name = "announcements"
target_type = "run"
target_name = "timetable"
schedule_type = "cron"
cron_expression = "0 22 * * *"
timezone = "Europe/Amsterdam"
`

const timetableYAML = `
schedules:
  - name: sleeper
    target_name: night-train
    schedule_type: interval
    interval_seconds: 300
    enabled: false
    params:
      line: N2
  - name: royal-train
    target_name: night-train
    schedule_type: one_time
    run_at: 2026-05-01T18:00:00Z
`

func TestParseTOMLTimetable(t *testing.T) {
	f, err := ParseFile([]byte(timetableTOML), FormatTOML)
	require.NoError(t, err)
	require.Len(t, f.Schedules, 2)

	sleeper := f.Schedules[0]
	assert.Equal(t, "sleeper", sleeper.Name)
	assert.Equal(t, TypeInterval, sleeper.Type)
	assert.Equal(t, 600, sleeper.IntervalSeconds)
	require.NotNil(t, sleeper.MaxInstances)
	assert.Equal(t, 2, *sleeper.MaxInstances)
	assert.JSONEq(t, `{"line":"N1","cars":8}`, string(sleeper.DefaultParams))

	assert.Equal(t, TargetRun, f.Schedules[1].TargetType)
	assert.Equal(t, "Europe/Amsterdam", f.Schedules[1].Timezone)
}

func TestParseYAMLTimetable(t *testing.T) {
	f, err := ParseFile([]byte(timetableYAML), FormatYAML)
	require.NoError(t, err)
	require.Len(t, f.Schedules, 2)

	require.NotNil(t, f.Schedules[0].Enabled)
	assert.False(t, *f.Schedules[0].Enabled)
	assert.JSONEq(t, `{"line":"N2"}`, string(f.Schedules[0].DefaultParams))

	royal := f.Schedules[1]
	assert.Equal(t, TypeOneTime, royal.Type)
	require.NotNil(t, royal.RunAt)
	assert.WithinDuration(t, time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC), *royal.RunAt, 0)
}

func TestParseFileRejectsBrokenTimetables(t *testing.T) {
	_, err := ParseFile([]byte("[[schedules]]\ntarget_name = \"night-train\"\n"), FormatTOML)
	assert.True(t, errors.IsInvalidRequestError(err), "missing name: %v", err)

	_, err = ParseFile([]byte("schedules:\n  - name: a\n  - name: a\n"), FormatYAML)
	assert.True(t, errors.IsInvalidRequestError(err), "duplicate: %v", err)

	_, err = ParseFile([]byte("schedules:\n  - name: a\n    params: [1, 2]\n"), FormatYAML)
	assert.True(t, errors.IsInvalidRequestError(err), "params list: %v", err)

	_, err = ParseFile([]byte("schedules = ["), FormatTOML)
	assert.True(t, errors.IsInvalidRequestError(err), "syntax: %v", err)

	_, err = FormatOf("timetable.json")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestApplyCreatesThenUpdatesByName(t *testing.T) {
	ts := newTestScheduler(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "timetable.toml")
	require.NoError(t, os.WriteFile(path, []byte(timetableTOML), 0o644))
	f, err := LoadFile(path)
	require.NoError(t, err)

	results, err := ts.Apply(ctx, f)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "created", results[0].Action)
	assert.Equal(t, "created", results[1].Action)

	sleeper, err := ts.Get(ctx, "sleeper")
	require.NoError(t, err)
	firstNext := *sleeper.NextRunAt

	// re-applying the same file changes nothing about the timing
	ts.clock.Advance(time.Minute)
	results, err = ts.Apply(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "updated", results[0].Action)
	sleeper, err = ts.Get(ctx, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, 2, sleeper.Version)
	assert.WithinDuration(t, firstNext, *sleeper.NextRunAt, 0)

	y, err := ParseFile([]byte(timetableYAML), FormatYAML)
	require.NoError(t, err)
	results, err = ts.Apply(ctx, y)
	require.NoError(t, err)
	assert.Equal(t, "updated", results[0].Action)
	assert.Equal(t, "created", results[1].Action)

	sleeper, err = ts.Get(ctx, "sleeper")
	require.NoError(t, err)
	assert.False(t, sleeper.Enabled)
	assert.Equal(t, 300, sleeper.IntervalSeconds)
	assert.Equal(t, 2, sleeper.MaxInstances, "fields the file leaves out are kept")
	assert.JSONEq(t, `{"line":"N2"}`, string(sleeper.DefaultParams))
}

func TestApplyReportsFailuresPerEntry(t *testing.T) {
	ts := newTestScheduler(t)
	f := &File{Schedules: []Input{
		{Name: "ghost", TargetName: "ghost-train", Type: TypeInterval, IntervalSeconds: 60},
		{Name: "sleeper", TargetName: "night-train", Type: TypeInterval, IntervalSeconds: 60},
	}}

	results, err := ts.Apply(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 schedules failed")
	require.Len(t, results, 2)
	assert.Equal(t, "failed", results[0].Action)
	assert.NotEmpty(t, results[0].Error)
	assert.Equal(t, "created", results[1].Action)
}

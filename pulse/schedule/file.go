package schedule

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/pulseline/errors"
)

// File is a declarative set of schedules, written as TOML or YAML:
//
//	[[schedules]]
//	name = "nightly-ingest"
//	target_name = "ingest"
//	schedule_type = "cron"
//	cron_expression = "0 2 * * *"
//	timezone = "Europe/Amsterdam"
//
//	[schedules.params]
//	source = "s3://bucket/daily"
//
// Keys are the JSON names of Input; params become the default params.
type File struct {
	Schedules []Input `json:"schedules"`
}

type rawFile struct {
	Schedules []map[string]interface{} `toml:"schedules" yaml:"schedules"`
}

// decodeEntry maps one decoded table onto an Input through its JSON names.
func decodeEntry(i int, m map[string]interface{}) (Input, error) {
	var in Input
	params, hasParams := m["params"]
	delete(m, "params")
	raw, err := json.Marshal(m)
	if err != nil {
		return in, errors.NewInvalidRequestError("schedule #%d: %v", i+1, err)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, errors.NewInvalidRequestError("schedule #%d: %v", i+1, err)
	}
	if hasParams {
		if _, ok := params.(map[string]interface{}); !ok {
			return in, errors.NewInvalidRequestError("schedule #%d: params must be a table", i+1)
		}
		in.DefaultParams, err = json.Marshal(params)
		if err != nil {
			return in, errors.NewInvalidRequestError("schedule #%d: params are not JSON-encodable: %v", i+1, err)
		}
	}
	return in, nil
}

// Format of a schedule file.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errors.NewInvalidRequestError("unsupported schedule file %s: use .toml, .yaml or .yml", path)
	}
}

// ParseFile decodes data in format.
func ParseFile(data []byte, format Format) (*File, error) {
	var raw rawFile
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &raw)
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, errors.NewInvalidRequestError("unknown schedule file format %q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse %s schedule file: %v", format, err)
	}

	f := &File{Schedules: make([]Input, 0, len(raw.Schedules))}
	seen := make(map[string]bool, len(raw.Schedules))
	for i, m := range raw.Schedules {
		in, err := decodeEntry(i, m)
		if err != nil {
			return nil, err
		}
		in.Name = strings.TrimSpace(in.Name)
		if in.Name == "" {
			return nil, errors.NewInvalidRequestError("schedule #%d has no name", i+1)
		}
		if seen[in.Name] {
			return nil, errors.NewInvalidRequestError("schedule %s is defined twice", in.Name)
		}
		seen[in.Name] = true
		f.Schedules = append(f.Schedules, in)
	}
	return f, nil
}

// LoadFile reads and parses a schedule file.
func LoadFile(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read schedule file %s", path)
	}
	f, err := ParseFile(data, format)
	if err != nil {
		return nil, errors.WithDetailf(err, "File: %s", path)
	}
	return f, nil
}

// Applied reports what Apply did with one entry.
type Applied struct {
	Name     string    `json:"name"`
	Action   string    `json:"action"` // created, updated or failed
	Schedule *Schedule `json:"schedule,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Apply creates the schedules of f that do not exist yet and updates those
// that do, matching by name. Entries are applied independently; the error
// reports the first failure and how many there were.
func (s *Scheduler) Apply(ctx context.Context, f *File) ([]Applied, error) {
	results := make([]Applied, 0, len(f.Schedules))
	var first error
	failed := 0
	for _, in := range f.Schedules {
		res := Applied{Name: in.Name}
		sc, err := s.applyEntry(ctx, in, &res)
		if err != nil {
			res.Action = "failed"
			res.Error = err.Error()
			failed++
			if first == nil {
				first = errors.Wrapf(err, "schedule %s", in.Name)
			}
		}
		res.Schedule = sc
		results = append(results, res)
	}
	if first != nil {
		return results, errors.Wrapf(first, "%d of %d schedules failed", failed, len(f.Schedules))
	}
	return results, nil
}

func (s *Scheduler) applyEntry(ctx context.Context, in Input, res *Applied) (*Schedule, error) {
	cur, err := s.store.GetByName(ctx, s.db, in.Name)
	if errors.IsNotFoundError(err) {
		res.Action = "created"
		return s.Create(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	res.Action = "updated"
	in.Version = cur.Version
	return s.Update(ctx, cur.ID, in)
}

// Package workflow runs multi-step workflows. A Run is the execution state
// machine one level up: its ordered Steps are inline functions, conditions,
// parallel fan-outs, or tasks that submit an Execution and follow its
// lineage to a terminal status.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/pulseline/errors"
)

// StepType is the closed set of step kinds
type StepType string

const (
	StepOperation StepType = "operation"
	StepTask      StepType = "task"
	StepCondition StepType = "condition"
	StepParallel  StepType = "parallel"
)

// FailurePolicy decides what a failed step does to the rest of the run
type FailurePolicy string

const (
	// PolicyStop fails the run at the first failed step.
	PolicyStop FailurePolicy = "stop"
	// PolicyContinue lets later steps run; the run still ends FAILED.
	PolicyContinue FailurePolicy = "continue"
)

// StepContext is what an inline step body sees.
type StepContext struct {
	RunID    string
	StepID   string
	StepName string
	Attempt  int
	Params   json.RawMessage
	Outputs  map[string]json.RawMessage // outputs of completed earlier steps, by name
}

// OperationFunc is the body of an operation step or a parallel branch.
type OperationFunc func(ctx context.Context, sc StepContext) (json.RawMessage, error)

// ConditionFunc gates the rest of the run; false skips every later step.
type ConditionFunc func(ctx context.Context, sc StepContext) (bool, error)

// Branch is one arm of a parallel step.
type Branch struct {
	Name string
	Run  OperationFunc
}

// TaskSpec names the workflow handler a task step submits.
type TaskSpec struct {
	Workflow string
	Version  string
	Params   json.RawMessage // nil passes the run params through
	Lane     string
}

// StepDef defines one step. Exactly the field matching Type is used.
type StepDef struct {
	Name        string
	Type        StepType
	MaxAttempts int // default 1

	Operation OperationFunc
	Task      *TaskSpec
	Condition ConditionFunc
	Branches  []Branch
}

// Definition is a named, versioned workflow.
type Definition struct {
	Name          string
	Version       string
	Steps         []StepDef
	FailurePolicy FailurePolicy
}

// Validate checks the definition is runnable.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.NewInvalidRequestError("workflow definition requires a name")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return errors.NewInvalidRequestError("workflow %s has invalid version %q", d.Name, d.Version)
	}
	switch d.FailurePolicy {
	case "", PolicyStop, PolicyContinue:
	default:
		return errors.NewInvalidRequestError("workflow %s has unknown failure policy %q", d.Name, d.FailurePolicy)
	}

	names := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return errors.NewInvalidRequestError("step %d of %s has no name", i, d.Name)
		}
		if names[s.Name] {
			return errors.NewInvalidRequestError("step name %q repeats in %s", s.Name, d.Name)
		}
		names[s.Name] = true
		if s.MaxAttempts < 0 {
			return errors.NewInvalidRequestError("step %s max_attempts must be >= 0", s.Name)
		}

		ok := false
		switch s.Type {
		case StepOperation:
			ok = s.Operation != nil
		case StepTask:
			ok = s.Task != nil && s.Task.Workflow != ""
		case StepCondition:
			ok = s.Condition != nil
		case StepParallel:
			ok = len(s.Branches) > 0
			for _, b := range s.Branches {
				ok = ok && b.Run != nil
			}
		default:
			return errors.NewInvalidRequestError("step %s has unknown type %q", s.Name, s.Type)
		}
		if !ok {
			return errors.NewInvalidRequestError("step %s is missing its %s body", s.Name, s.Type)
		}
	}
	return nil
}

func (d *Definition) policy() FailurePolicy {
	if d.FailurePolicy == "" {
		return PolicyStop
	}
	return d.FailurePolicy
}

func (s StepDef) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 1
	}
	return s.MaxAttempts
}

type versionedDef struct {
	version *semver.Version
	def     *Definition
}

// Registry holds workflow definitions by (name, version).
type Registry struct {
	mu   sync.RWMutex
	defs map[string][]versionedDef // highest version first
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string][]versionedDef)}
}

// Register adds d. Panics if d is invalid or already registered.
func (r *Registry) Register(d *Definition) {
	if err := d.Validate(); err != nil {
		panic(err.Error())
	}
	v := semver.MustParse(d.Version)

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.defs[d.Name]
	for _, existing := range list {
		if existing.version.Equal(v) {
			panic(fmt.Sprintf("workflow already registered: %s@%s", d.Name, v))
		}
	}
	list = append(list, versionedDef{version: v, def: d})
	sort.Slice(list, func(i, j int) bool { return list[i].version.GreaterThan(list[j].version) })
	r.defs[d.Name] = list
}

// Resolve finds a definition: empty version means latest, an exact version
// must match, anything else is a semver constraint.
func (r *Registry) Resolve(name, version string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.defs[name]
	if len(list) == 0 {
		return nil, errors.Wrapf(errors.ErrUnknownWorkflow, "no workflow definition for %s", name)
	}
	if version == "" {
		return list[0].def, nil
	}
	if exact, err := semver.StrictNewVersion(version); err == nil {
		for _, vd := range list {
			if vd.version.Equal(exact) {
				return vd.def, nil
			}
		}
		return nil, errors.Wrapf(errors.ErrUnknownWorkflow, "no workflow definition for %s@%s", name, version)
	}
	c, err := semver.NewConstraint(version)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid version %q for %s: %v", version, name, err)
	}
	for _, vd := range list {
		if c.Check(vd.version) {
			return vd.def, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrUnknownWorkflow, "no workflow definition for %s matches %s", name, version)
}

// Has reports whether any version of name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs[name]) > 0
}

// Names returns registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Versions returns the registered versions of name, highest first.
func (r *Registry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs[name]))
	for _, vd := range r.defs[name] {
		out = append(out, vd.version.String())
	}
	return out
}

package huntflow

import (
	"fmt"
	"time"
)

// StepDef binds an activity to its execution parameters within a
// definition. The ordered list of StepDefs is closed at construction:
// there is no conditional routing and no fan-out.
type StepDef struct {
	Kind     StepKind
	Name     string
	Timeout  time.Duration
	Retry    RetryPolicy
	activity Activity
}

// Activity returns the bound activity.
func (d StepDef) Activity() Activity {
	return d.activity
}

// Definition is the versioned blueprint a run executes against. Runs
// reference their definition by ID; the step list and per-step policies
// must not change for a given ID once runs exist against it.
type Definition struct {
	id      string
	version string
	steps   []StepDef
	byName  map[string]int
}

// ID returns the definition ID.
func (d *Definition) ID() string {
	return d.id
}

// Version returns the definition version.
func (d *Definition) Version() string {
	return d.version
}

// Steps returns the ordered step list.
func (d *Definition) Steps() []StepDef {
	return d.steps
}

// StepAt returns the step at the given cursor position.
func (d *Definition) StepAt(cursor int) (StepDef, bool) {
	if cursor < 0 || cursor >= len(d.steps) {
		return StepDef{}, false
	}
	return d.steps[cursor], true
}

// StepNamed returns the step with the given name.
func (d *Definition) StepNamed(name string) (StepDef, bool) {
	i, ok := d.byName[name]
	if !ok {
		return StepDef{}, false
	}
	return d.steps[i], true
}

// DefinitionBuilder assembles a Definition step by step.
type DefinitionBuilder struct {
	def  *Definition
	errs []error
}

// NewDefinition starts building a definition with the given ID.
func NewDefinition(id string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: &Definition{
			id:      id,
			version: "1.0",
			byName:  make(map[string]int),
		},
	}
}

// WithVersion sets the definition version.
func (b *DefinitionBuilder) WithVersion(version string) *DefinitionBuilder {
	b.def.version = version
	return b
}

// Step appends a step with the given name, activity and options.
func (b *DefinitionBuilder) Step(name string, act Activity, opts ...StepDefOption) *DefinitionBuilder {
	if act == nil {
		b.errs = append(b.errs, fmt.Errorf("step %s: nil activity", name))
		return b
	}

	sd := StepDef{
		Kind:     act.Kind(),
		Name:     name,
		Timeout:  DefaultStepTimeout,
		Retry:    DefaultRetryPolicy,
		activity: act,
	}
	for _, opt := range opts {
		opt(&sd)
	}

	if _, dup := b.def.byName[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("step %s: duplicate name", name))
		return b
	}

	b.def.byName[name] = len(b.def.steps)
	b.def.steps = append(b.def.steps, sd)
	return b
}

// Build validates and returns the definition.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.def.id == "" {
		return nil, fmt.Errorf("definition requires an ID")
	}
	if len(b.def.steps) == 0 {
		return nil, fmt.Errorf("definition %s has no steps", b.def.id)
	}
	for _, sd := range b.def.steps {
		if sd.Retry.MaxAttempts < 1 {
			return nil, fmt.Errorf("step %s: MaxAttempts must be at least 1", sd.Name)
		}
		if sd.Timeout <= 0 {
			return nil, fmt.Errorf("step %s: timeout must be positive", sd.Name)
		}
	}
	return b.def, nil
}

// StepDefOption configures a step definition.
type StepDefOption func(*StepDef)

// WithTimeout sets the step's wall-clock attempt budget.
func WithTimeout(d time.Duration) StepDefOption {
	return func(sd *StepDef) {
		sd.Timeout = d
	}
}

// WithRetry sets the step's retry policy.
func WithRetry(p RetryPolicy) StepDefOption {
	return func(sd *StepDef) {
		sd.Retry = p
	}
}

package fsm

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
)

// Wildcard matches any from-state in a transition rule.
const Wildcard = "*"

// StateFailed is the terminal failure state shared by all FSM types.
const StateFailed = "FAILED"

// Rule maps (FromState, Trigger) to ToState.
type Rule struct {
	FromState string `yaml:"from_state" json:"from_state"`
	Trigger   string `yaml:"trigger" json:"trigger"`
	ToState   string `yaml:"to_state" json:"to_state"`
	Guard     string `yaml:"guard,omitempty" json:"guard,omitempty"`

	guard *govaluate.EvaluableExpression
}

// Contract is the immutable transition definition of one FSM type.
type Contract struct {
	FSMType          string   `yaml:"fsm_type" json:"fsm_type"`
	Version          string   `yaml:"version,omitempty" json:"version,omitempty"`
	Operation        string   `yaml:"operation,omitempty" json:"operation,omitempty"`
	InitialState     string   `yaml:"initial_state" json:"initial_state"`
	States           []string `yaml:"states" json:"states"`
	ProcessingStates []string `yaml:"processing_states,omitempty" json:"processing_states,omitempty"`
	SuccessStates    []string `yaml:"success_states,omitempty" json:"success_states,omitempty"`
	Transitions      []Rule   `yaml:"transitions" json:"transitions"`

	states     map[string]struct{}
	processing map[string]struct{}
	success    map[string]struct{}
	exact      map[ruleKey]*Rule
	wildcard   map[string]*Rule
}

type ruleKey struct {
	from    string
	trigger string
}

// Compile validates c and returns an indexed copy ready for lookups.
// Every problem found is reported, not only the first.
func Compile(c Contract) (*Contract, error) {
	out := c
	out.States = slices.Clone(c.States)
	out.ProcessingStates = slices.Clone(c.ProcessingStates)
	out.SuccessStates = slices.Clone(c.SuccessStates)
	out.Transitions = slices.Clone(c.Transitions)
	out.states = make(map[string]struct{}, len(c.States))
	out.exact = make(map[ruleKey]*Rule)
	out.wildcard = make(map[string]*Rule)

	var errs []error
	if strings.TrimSpace(out.FSMType) == "" {
		errs = append(errs, errors.New("fsm_type is required"))
	}
	if len(out.States) == 0 {
		errs = append(errs, errors.New("states must not be empty"))
	}
	for _, s := range out.States {
		if s == "" || s == Wildcard {
			errs = append(errs, fmt.Errorf("invalid state name %q", s))
			continue
		}
		if _, dup := out.states[s]; dup {
			errs = append(errs, fmt.Errorf("duplicate state %q", s))
		}
		out.states[s] = struct{}{}
	}
	if _, ok := out.states[out.InitialState]; !ok {
		errs = append(errs, fmt.Errorf("initial_state %q is not a declared state", out.InitialState))
	}

	var err error
	if out.processing, err = out.stateSet("processing_states", out.ProcessingStates); err != nil {
		errs = append(errs, err)
	}
	if out.success, err = out.stateSet("success_states", out.SuccessStates); err != nil {
		errs = append(errs, err)
	}

	for i := range out.Transitions {
		r := &out.Transitions[i]
		if r.Trigger == "" {
			errs = append(errs, fmt.Errorf("transition %d: trigger is required", i))
			continue
		}
		if r.FromState != Wildcard {
			if _, ok := out.states[r.FromState]; !ok {
				errs = append(errs, fmt.Errorf("transition %d: unknown from_state %q", i, r.FromState))
			}
		}
		if _, ok := out.states[r.ToState]; !ok {
			errs = append(errs, fmt.Errorf("transition %d: unknown to_state %q", i, r.ToState))
		}
		if r.Guard != "" {
			expr, gerr := govaluate.NewEvaluableExpression(r.Guard)
			if gerr != nil {
				errs = append(errs, fmt.Errorf("transition %d: invalid guard %q: %w", i, r.Guard, gerr))
			}
			r.guard = expr
		}
		if r.FromState == Wildcard {
			if _, dup := out.wildcard[r.Trigger]; dup {
				errs = append(errs, fmt.Errorf("transition %d: duplicate wildcard rule for trigger %q", i, r.Trigger))
			}
			out.wildcard[r.Trigger] = r
			continue
		}
		key := ruleKey{from: r.FromState, trigger: r.Trigger}
		if _, dup := out.exact[key]; dup {
			errs = append(errs, fmt.Errorf("transition %d: duplicate rule for (%s, %s)", i, r.FromState, r.Trigger))
		}
		out.exact[key] = r
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("contract %q: %w", c.FSMType, errors.Join(errs...))
	}
	return &out, nil
}

func (c *Contract) stateSet(field string, names []string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(names))
	for _, s := range names {
		if _, ok := c.states[s]; !ok {
			return set, fmt.Errorf("%s: %q is not a declared state", field, s)
		}
		set[s] = struct{}{}
	}
	return set, nil
}

// HasState reports whether s is declared by the contract.
func (c *Contract) HasState(s string) bool {
	_, ok := c.states[s]
	return ok
}

// IsProcessing reports whether entering s should trigger a workflow.
func (c *Contract) IsProcessing(s string) bool {
	_, ok := c.processing[s]
	return ok
}

// IsSuccess reports whether s is a terminal success state.
func (c *Contract) IsSuccess(s string) bool {
	_, ok := c.success[s]
	return ok
}

// IsFailure reports whether s is the terminal failure state.
func (c *Contract) IsFailure(s string) bool {
	return s == StateFailed && c.HasState(s)
}

// IsTerminal reports whether s is a success or failure terminal state.
func (c *Contract) IsTerminal(s string) bool {
	return c.IsSuccess(s) || c.IsFailure(s)
}

// Lookup returns the rule that applies to (current, trigger). An exact
// rule wins over a wildcard one. Guards are not evaluated.
func (c *Contract) Lookup(current, trigger string) (*Rule, bool) {
	if r, ok := c.exact[ruleKey{from: current, trigger: trigger}]; ok {
		return r, true
	}
	if r, ok := c.wildcard[trigger]; ok {
		return r, true
	}
	return nil, false
}

// Resolve returns the target state for trigger fired from current, with
// the rule's guard evaluated against payload. A failing guard does not
// fall through to a wildcard rule.
func (c *Contract) Resolve(current, trigger string, payload map[string]any) (string, error) {
	r, ok := c.Lookup(current, trigger)
	if !ok {
		return "", Errorf(KindInvalidTransition, "resolve", "invalid transition %s --%s--> ? for %s", current, trigger, c.FSMType)
	}
	if r.guard != nil {
		pass, err := evaluateGuard(r.guard, payload)
		if err != nil || !pass {
			return "", Errorf(KindInvalidTransition, "resolve", "guard %q rejected transition %s --%s--> %s for %s", r.Guard, current, trigger, r.ToState, c.FSMType)
		}
	}
	return r.ToState, nil
}

func evaluateGuard(expr *govaluate.EvaluableExpression, payload map[string]any) (bool, error) {
	params := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		params[k] = v
	}
	flattenParams("", payload, params)
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.New("guard did not evaluate to boolean")
	}
	return b, nil
}

func flattenParams(prefix string, m map[string]any, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenParams(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// Registry holds the compiled contracts of the process. It is read-only
// after construction.
type Registry struct {
	contracts map[string]*Contract
}

// NewRegistry indexes compiled contracts by FSM type.
func NewRegistry(contracts ...*Contract) (*Registry, error) {
	r := &Registry{contracts: make(map[string]*Contract, len(contracts))}
	for _, c := range contracts {
		if c == nil || c.states == nil {
			return nil, errors.New("registry: contract is not compiled")
		}
		if _, dup := r.contracts[c.FSMType]; dup {
			return nil, fmt.Errorf("registry: duplicate contract for %q", c.FSMType)
		}
		r.contracts[c.FSMType] = c
	}
	return r, nil
}

// Get returns the contract for fsmType.
func (r *Registry) Get(fsmType string) (*Contract, bool) {
	c, ok := r.contracts[fsmType]
	return c, ok
}

// Lookup is Get with a structured error for unknown types.
func (r *Registry) Lookup(fsmType string) (*Contract, error) {
	c, ok := r.contracts[fsmType]
	if !ok {
		return nil, NewError(KindValidation, "contract", fmt.Sprintf("unknown fsm type %q", fsmType), ErrUnknownFSMType)
	}
	return c, nil
}

// Types returns the registered FSM types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.contracts))
	for t := range r.contracts {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsProcessing reports whether state is a processing state of fsmType.
func (r *Registry) IsProcessing(fsmType, state string) bool {
	c, ok := r.contracts[fsmType]
	return ok && c.IsProcessing(state)
}

// IsSuccess reports whether state is a terminal success state of fsmType.
func (r *Registry) IsSuccess(fsmType, state string) bool {
	c, ok := r.contracts[fsmType]
	return ok && c.IsSuccess(state)
}

// IsFailure reports whether state is the terminal failure state of fsmType.
func (r *Registry) IsFailure(fsmType, state string) bool {
	c, ok := r.contracts[fsmType]
	return ok && c.IsFailure(state)
}

// Operation returns the orchestrator operation bound to fsmType.
func (r *Registry) Operation(fsmType string) string {
	if c, ok := r.contracts[fsmType]; ok && c.Operation != "" {
		return c.Operation
	}
	return strings.ToLower(fsmType)
}

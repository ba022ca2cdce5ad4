package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
)

// SystemUser is the reserved name for the system principal in steps.
const SystemUser = "system"

// Scenario defines a conformance test scenario.
// Scenarios load plugins into a fresh registry, invoke a flow of actions as
// named users, and assert on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Plugins lists the built-in plugins to load. Empty loads all of them.
	Plugins []string `yaml:"plugins,omitempty"`

	// Permissions is an inline permission table.
	Permissions authz.TableFile `yaml:"permissions,omitempty"`

	// PermissionsFile is a permission table file, relative to the scenario
	// file. It cannot be combined with Permissions.
	PermissionsFile string `yaml:"permissions_file,omitempty"`

	// Users maps usernames to roles.
	Users map[string]string `yaml:"users,omitempty"`

	// Setup contains steps run before the flow. Every setup step must
	// succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the main test flow.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step invokes one action.
type Step struct {
	// Invoke is "service.action".
	Invoke string `yaml:"invoke"`

	// As is the invoking username, or "system".
	As string `yaml:"as"`

	// Data is the action payload.
	Data any `yaml:"data,omitempty"`

	// Expect checks the outcome. Nil expects success with any result.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Target splits Invoke into service and action.
func (s Step) Target() (service, action string) {
	service, action, _ = strings.Cut(s.Invoke, ".")
	return service, action
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Error is the expected error code, e.g. PERMISSION_DENIED.
	Error string `yaml:"error,omitempty"`

	// Result is matched against the returned value. Objects match as a
	// subset; everything else must be equal.
	Result any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is "service.action" (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Data is matched as a subset of an invocation's payload (trace_contains).
	Data any `yaml:"data,omitempty"`

	// Actions is the expected invocation order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Count is the expected number of occurrences (trace_count,
	// notification_count).
	Count int `yaml:"count,omitempty"`

	// Service names the service (final_state, notification_count).
	Service string `yaml:"service,omitempty"`

	// As views the final state through the user's read filters
	// (final_state). Empty reads the unfiltered state.
	As string `yaml:"as,omitempty"`

	// Expect is matched as a subset of the final state (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains     = "trace_contains"
	AssertTraceOrder        = "trace_order"
	AssertTraceCount        = "trace_count"
	AssertFinalState        = "final_state"
	AssertNotificationCount = "notification_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.PermissionsFile != "" && !filepath.IsAbs(scenario.PermissionsFile) {
		scenario.PermissionsFile = filepath.Join(filepath.Dir(path), scenario.PermissionsFile)
	}
	return scenario, nil
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if s.PermissionsFile != "" && len(s.Permissions.Roles) > 0 {
		return fmt.Errorf("permissions and permissions_file are mutually exclusive")
	}

	for name, role := range s.Users {
		if name == SystemUser {
			return fmt.Errorf("users: %q is reserved", SystemUser)
		}
		if role == "" {
			return fmt.Errorf("users: %q has no role", name)
		}
		if role == authz.RoleSystem {
			return fmt.Errorf("users: %q cannot take the system role", name)
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Error != "" {
			return fmt.Errorf("setup[%d]: setup steps must succeed", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(s, a); err != nil {
			return fmt.Errorf("assertion[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, step Step) error {
	service, action := step.Target()
	if service == "" || action == "" {
		return fmt.Errorf("invoke %q must be service.action", step.Invoke)
	}
	if err := validateUser(s, step.As); err != nil {
		return err
	}
	if step.Expect != nil && step.Expect.Error != "" && step.Expect.Result != nil {
		return fmt.Errorf("expect: error and result are mutually exclusive")
	}
	if step.Expect != nil && step.Expect.Error != "" && !knownCode(step.Expect.Error) {
		return fmt.Errorf("expect: unknown error code %q", step.Expect.Error)
	}
	return nil
}

func validateUser(s *Scenario, name string) error {
	if name == "" {
		return fmt.Errorf("as is required")
	}
	if name == SystemUser {
		return nil
	}
	if _, ok := s.Users[name]; !ok {
		return fmt.Errorf("unknown user %q", name)
	}
	return nil
}

func validateAssertion(s *Scenario, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("%s requires action", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("%s requires at least two actions", a.Type)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("%s requires action", a.Type)
		}
	case AssertFinalState:
		if a.Service == "" {
			return fmt.Errorf("%s requires service", a.Type)
		}
		if a.As != "" {
			if err := validateUser(s, a.As); err != nil {
				return err
			}
		}
	case AssertNotificationCount:
		if a.Service == "" {
			return fmt.Errorf("%s requires service", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	return nil
}

func knownCode(code string) bool {
	switch engine.ErrorCode(code) {
	case engine.ErrCodeUnknownService, engine.ErrCodeUnknownAction,
		engine.ErrCodePermissionDenied, engine.ErrCodeValidation,
		engine.ErrCodeBadRequest, engine.ErrCodeInternal:
		return true
	}
	return false
}

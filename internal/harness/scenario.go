package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pump/internal/ir"
)

// Scenario defines a live sync test scenario.
// Scenarios mount engines over scripted pump responses, drive them with
// pokes and refetches, and assert on the resulting trace.
type Scenario struct {
	// Name uniquely identifies this scenario (and its golden file).
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Engines is the number of engines mounted before the first step.
	// Zero means one.
	Engines int `yaml:"engines,omitempty"`

	// TrackedTag is the entry type whose pokes trigger refetches.
	// Empty means subscriber.DefaultTrackedTag.
	TrackedTag string `yaml:"tracked_tag,omitempty"`

	// Queries are mounted by every engine, in positional order.
	Queries []QuerySpec `yaml:"queries"`

	// Steps run in order after the initial mounts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace.
	// Supported types: trace_contains, trace_count
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// QuerySpec is one query of a scenario and the script the pump endpoint
// answers it with.
type QuerySpec struct {
	// Name labels the query in the trace.
	Name string `yaml:"name"`

	Query     string         `yaml:"query"`
	Variables map[string]any `yaml:"variables,omitempty"`

	// Responses answer requests for this query in order. The first
	// answers the bootstrap; the last repeats once the script runs out.
	Responses []Response `yaml:"responses"`
}

// Descriptor returns the query descriptor of q.
func (q QuerySpec) Descriptor() ir.QueryDescriptor {
	return ir.QueryDescriptor{Query: q.Query, Variables: q.Variables}
}

// Response is one scripted pump answer.
type Response struct {
	// Data is the payload; absent means null.
	Data any `yaml:"data,omitempty"`

	Hash  string `yaml:"hash,omitempty"`
	Token string `yaml:"token,omitempty"`

	// Errors become GraphQL errors carried next to Data.
	Errors []string `yaml:"errors,omitempty"`

	// Fail makes the request fail at the transport level with this message.
	Fail string `yaml:"fail,omitempty"`
}

// Step is one action of a scenario. Exactly one field must be set.
type Step struct {
	// Poke emits a poke naming these entry types.
	Poke []string `yaml:"poke,omitempty"`

	// Refetch requests a manual cycle on this engine.
	Refetch string `yaml:"refetch,omitempty"`

	// Unmount closes this engine.
	Unmount string `yaml:"unmount,omitempty"`

	// Mount bootstraps and mounts one more engine.
	Mount bool `yaml:"mount,omitempty"`

	// Expect checks an engine's current render.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// action names the step for the trace and error messages.
func (s Step) action() string {
	switch {
	case s.Poke != nil:
		return "poke"
	case s.Refetch != "":
		return "refetch"
	case s.Unmount != "":
		return "unmount"
	case s.Mount:
		return "mount"
	case s.Expect != nil:
		return "expect"
	default:
		return ""
	}
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Poke != nil, s.Refetch != "", s.Unmount != "", s.Mount, s.Expect != nil} {
		if set {
			n++
		}
	}
	return n
}

// ExpectClause specifies the data an engine must currently render.
type ExpectClause struct {
	Engine string `yaml:"engine"`

	// Data is the expected merged data, one entry per query.
	Data []any `yaml:"data"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": some event matches
	// - "trace_count": exactly Count events match
	Type string `yaml:"type"`

	// Event is the trace event type to match.
	Event string `yaml:"event"`

	// Engine restricts matching to one engine's events.
	Engine string `yaml:"engine,omitempty"`

	// Where are expected event fields (subset match).
	Where map[string]any `yaml:"where,omitempty"`

	// Count is the expected number of matches (used by trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
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

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	names := make(map[string]string, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if prev, dup := names[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(path), s.Name, prev)
		}
		names[s.Name] = filepath.Base(path)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Engines < 0 {
		return fmt.Errorf("engines must be non-negative")
	}

	if len(s.Queries) == 0 {
		return fmt.Errorf("queries list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Queries))
	for i, q := range s.Queries {
		if q.Name == "" {
			return fmt.Errorf("queries[%d]: name is required", i)
		}
		if seen[q.Name] {
			return fmt.Errorf("queries[%d]: duplicate name %q", i, q.Name)
		}
		seen[q.Name] = true
		if q.Query == "" {
			return fmt.Errorf("queries[%d]: query is required", i)
		}
		if _, err := q.Descriptor().Key(); err != nil {
			return fmt.Errorf("queries[%d]: %w", i, err)
		}
		if len(q.Responses) == 0 {
			return fmt.Errorf("queries[%d]: responses list is required and must be non-empty", i)
		}
		for j, r := range q.Responses {
			if r.Fail != "" && (r.Data != nil || r.Hash != "" || r.Token != "" || len(r.Errors) > 0) {
				return fmt.Errorf("queries[%d].responses[%d]: fail excludes every other field", i, j)
			}
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if step.actions() != 1 {
			return fmt.Errorf("steps[%d]: exactly one of poke, refetch, unmount, mount, expect is required", i)
		}
		if step.Expect != nil && step.Expect.Engine == "" {
			return fmt.Errorf("steps[%d].expect: engine is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Event == "" {
		return fmt.Errorf("assertions[%d]: event is required for %s", index, a.Type)
	}
	return nil
}

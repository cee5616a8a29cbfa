package script

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Step operations
const (
	OpSet      = "set"
	OpGet      = "get"
	OpDel      = "del"
	OpPing     = "ping"
	OpStall    = "stall"
	OpComplete = "complete"
	OpVerify   = "verify"
	OpStress   = "stress"
)

var ops = []string{OpSet, OpGet, OpDel, OpPing, OpStall, OpComplete, OpVerify, OpStress}

var expectable = []string{
	wire.CodeKeyError,
	wire.CodeParsingError,
	wire.CodeStoreError,
	wire.CodeSetOptError,
	wire.CodeUnknownError,
}

const defaultStressDuration = time.Second

// Script is a declarative scenario: a sequence of steps issued by a fixed
// number of clients against a fresh server.
type Script struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Clients is the number of connections (default 1)
	Clients int `yaml:"clients,omitempty"`

	// Seed fixes the random keys and values (0 = the configured seed)
	Seed int64 `yaml:"seed,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is a single operation of a script.
//
// Keys are given literally, generated with key_len or refer to a key bound
// before with "as" by "$name". Values are given literally or generated with
// value_len, binary values with code points 0-255.
type Step struct {
	Op     string `yaml:"op"`
	Client int    `yaml:"client,omitempty"`

	Key    string `yaml:"key,omitempty"`
	KeyLen []int  `yaml:"key_len,omitempty"`
	As     string `yaml:"as,omitempty"`

	// Value is the value to store, or for get the exact value expected
	Value    *string `yaml:"value,omitempty"`
	ValueLen []int   `yaml:"value_len,omitempty"`
	Binary   bool    `yaml:"binary,omitempty"`

	// Expect is the error code the step must fail with
	Expect     string `yaml:"expect,omitempty"`
	AllowError bool   `yaml:"allow_error,omitempty"`
	// NoCheck skips the oracle check of a get
	NoCheck bool `yaml:"no_check,omitempty"`

	// Repeat runs the step n times
	Repeat int `yaml:"repeat,omitempty"`

	// stress only: all clients run a random mix of set, get and del on a
	// pool of Keys keys
	Duration        time.Duration  `yaml:"duration,omitempty"`
	MinOpsPerSecond int            `yaml:"min_ops_per_second,omitempty"`
	Keys            int            `yaml:"keys,omitempty"`
	Mix             map[string]int `yaml:"mix,omitempty"`
}

func (s Step) times() int {
	return max(s.Repeat, 1)
}

// Load reads, parses and validates a script file
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse parses and validates a script. Unknown fields are rejected.
func Parse(data []byte) (*Script, error) {
	var s Script
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if s.Clients == 0 {
		s.Clients = 1
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	return &s, nil
}

// Validate checks the whole script and reports every problem found
func (s *Script) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if s.Name == "" {
		fail("name is required")
	}
	if s.Clients < 1 {
		fail("clients must be at least 1")
	}
	if len(s.Steps) == 0 {
		fail("steps list is required and must be non-empty")
	}

	bound := make(map[string]bool)
	for i, step := range s.Steps {
		for _, err := range step.validate(s.Clients, bound) {
			fail("step %d (%s): %v", i+1, step.Op, err)
		}
		if step.As != "" {
			bound[step.As] = true
		}
	}

	if result != nil {
		result.ErrorFormat = func(errs []error) string {
			lines := make([]string, len(errs))
			for i, err := range errs {
				lines[i] = err.Error()
			}
			return strings.Join(lines, "; ")
		}
	}
	return result.ErrorOrNil()
}

func (s Step) validate(clients int, bound map[string]bool) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains(ops, s.Op) {
		return []error{fmt.Errorf("unknown op, valid ops are: %s", strings.Join(ops, ", "))}
	}
	if s.Client < 0 || s.Client >= clients {
		fail("client must be between 0 and %d", clients-1)
	}
	if s.Repeat < 0 {
		fail("repeat must not be negative")
	}
	if s.Expect != "" && !slices.Contains(expectable, s.Expect) {
		fail("unknown error code %s", s.Expect)
	}
	if s.Expect != "" && s.AllowError {
		fail("expect and allow_error exclude each other")
	}

	switch s.Op {
	case OpSet, OpGet, OpDel, OpStall:
		errs = append(errs, s.validateKey(bound)...)
	}
	switch s.Op {
	case OpSet, OpStall:
		if s.Value == nil && s.ValueLen == nil {
			fail("value or value_len is required")
		}
		fallthrough
	case OpGet:
		if s.Value != nil && s.ValueLen != nil {
			fail("value and value_len exclude each other")
		}
		if err := validateRange("value_len", s.ValueLen, 0); err != nil {
			errs = append(errs, err)
		}
	case OpStress:
		errs = append(errs, s.validateStress()...)
	}
	return errs
}

func (s Step) validateKey(bound map[string]bool) []error {
	switch {
	case s.Key == "" && s.KeyLen == nil:
		return []error{fmt.Errorf("key or key_len is required")}
	case s.Key != "" && s.KeyLen != nil:
		return []error{fmt.Errorf("key and key_len exclude each other")}
	case strings.HasPrefix(s.Key, "$") && !bound[s.Key[1:]]:
		return []error{fmt.Errorf("key %s is not bound by a previous step", s.Key)}
	case strings.ContainsAny(s.Key, " \n"):
		return []error{fmt.Errorf("key must not contain whitespace")}
	}
	if err := validateRange("key_len", s.KeyLen, 1); err != nil {
		return []error{err}
	}
	return nil
}

func (s Step) validateStress() []error {
	var errs []error
	if s.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration must not be negative"))
	}
	if s.Keys < 0 {
		errs = append(errs, fmt.Errorf("keys must not be negative"))
	}
	total := 0
	for op, weight := range s.Mix {
		if op != OpSet && op != OpGet && op != OpDel {
			errs = append(errs, fmt.Errorf("mix may only contain set, get and del, not %s", op))
		}
		if weight < 0 {
			errs = append(errs, fmt.Errorf("mix weight of %s must not be negative", op))
		}
		total += weight
	}
	if s.Mix != nil && total == 0 {
		errs = append(errs, fmt.Errorf("mix weights must not all be zero"))
	}
	if err := validateRange("key_len", s.KeyLen, 1); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// validateRange checks a [min] or [min, max] length range
func validateRange(name string, r []int, lowest int) error {
	switch {
	case r == nil:
		return nil
	case len(r) < 1 || len(r) > 2:
		return fmt.Errorf("%s must be [min] or [min, max]", name)
	case r[0] < lowest:
		return fmt.Errorf("%s must be at least %d", name, lowest)
	case len(r) == 2 && r[1] <= r[0]:
		return fmt.Errorf("%s max must be greater than min", name)
	}
	return nil
}

// bounds returns the min and max of a validated length range
func bounds(r []int) (int, int) {
	if len(r) == 2 {
		return r[0], r[1]
	}
	return r[0], 0
}

package script

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	kvtesting "github.com/ValentinKolb/kvcheck/lib/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScript(t *testing.T, s *Script, opts kvtesting.FakeOptions) error {
	t.Helper()
	cfg := kvtesting.FakeConfig(t)
	return s.Run(context.Background(), cfg, kvtesting.NewFakeProcess(cfg, opts))
}

func TestLoadTestdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := Load(path)
			require.NoError(t, err)
			assert.NoError(t, runScript(t, s, kvtesting.FakeOptions{}))
		})
	}
}

func TestParseDefaults(t *testing.T) {
	s, err := Parse([]byte(`
name: defaults
steps:
  - op: stress
    duration: 50ms
`))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Clients)
	assert.Equal(t, 50*time.Millisecond, s.Steps[0].Duration)
	assert.Equal(t, 1, s.Steps[0].times())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
name: typo
steps:
  - op: set
    key: a
    vaule: b
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate(t *testing.T) {
	str := func(s string) *string { return &s }

	tests := []struct {
		name   string
		script Script
		errs   []string
	}{
		{
			name:   "empty",
			script: Script{Clients: 1},
			errs:   []string{"name is required", "steps list is required"},
		},
		{
			name: "unknown op",
			script: Script{Name: "x", Clients: 1, Steps: []Step{
				{Op: "put"},
			}},
			errs: []string{"step 1 (put): unknown op"},
		},
		{
			name: "client out of range",
			script: Script{Name: "x", Clients: 2, Steps: []Step{
				{Op: OpPing, Client: 2},
			}},
			errs: []string{"client must be between 0 and 1"},
		},
		{
			name: "missing key and value",
			script: Script{Name: "x", Clients: 1, Steps: []Step{
				{Op: OpSet},
			}},
			errs: []string{"key or key_len is required", "value or value_len is required"},
		},
		{
			name: "unbound variable",
			script: Script{Name: "x", Clients: 1, Steps: []Step{
				{Op: OpGet, Key: "$k"},
				{Op: OpSet, KeyLen: []int{4}, As: "k", Value: str("v")},
			}},
			errs: []string{"step 1 (get): key $k is not bound"},
		},
		{
			name: "bad ranges",
			script: Script{Name: "x", Clients: 1, Steps: []Step{
				{Op: OpSet, KeyLen: []int{0}, ValueLen: []int{8, 4}},
			}},
			errs: []string{"key_len must be at least 1", "value_len max must be greater than min"},
		},
		{
			name: "bad expect",
			script: Script{Name: "x", Clients: 1, Steps: []Step{
				{Op: OpGet, Key: "a", Expect: "OK"},
				{Op: OpGet, Key: "a", Expect: "KEY_ERROR", AllowError: true},
			}},
			errs: []string{"unknown error code OK", "expect and allow_error exclude each other"},
		},
		{
			name: "bad mix",
			script: Script{Name: "x", Clients: 1, Steps: []Step{
				{Op: OpStress, Mix: map[string]int{"ping": 1}},
			}},
			errs: []string{"mix may only contain set, get and del, not ping"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.script.Validate()
			require.Error(t, err)
			for _, msg := range tt.errs {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestRunNamesFailingStep(t *testing.T) {
	s, err := Parse([]byte(`
name: wrong expectation
steps:
  - op: set
    key: a
    value: b
  - op: get
    key: a
    expect: KEY_ERROR
`))
	require.NoError(t, err)

	err = runScript(t, s, kvtesting.FakeOptions{})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTest))
	assert.Contains(t, err.Error(), "step 2 (get): Code was expected to throw KEY_ERROR but did not")
}

func TestRunUnexpectedFault(t *testing.T) {
	s, err := Parse([]byte(`
name: missing key
steps:
  - op: del
    key: nope
`))
	require.NoError(t, err)

	err = runScript(t, s, kvtesting.FakeOptions{})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTest))
	assert.Contains(t, err.Error(), "step 1 (del): Server sent unexpected error 1: KEY_ERROR.")
}

func TestRunDetectsWrongValue(t *testing.T) {
	s, err := Parse([]byte(`
name: lost delete
steps:
  - op: set
    key: a
    value: b
  - op: del
    key: a
  - op: verify
`))
	require.NoError(t, err)

	err = runScript(t, s, kvtesting.FakeOptions{IgnoreDel: true})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindIntegrity))
	assert.Contains(t, err.Error(), "step 3 (verify): Value for key a incorrect.")
}

func TestRunBindsKeys(t *testing.T) {
	s, err := Parse([]byte(`
name: bind
seed: 3
steps:
  - op: set
    key_len: [6]
    as: k
    value: v
  - op: get
    key: $k
    value: v
  - op: get
    key: $k
    value: other
`))
	require.NoError(t, err)

	err = runScript(t, s, kvtesting.FakeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 3 (get): GET ")
	assert.Contains(t, err.Error(), "returned v, expected other")
}

package oracle

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/wire"
)

// diffValueLen is the number of value bytes shown per line of a diff
const diffValueLen = 32

// CheckGet validates the outcome of a GET against the expected state.
// A fault other than KEY_ERROR is returned unchanged.
func CheckGet(s IState, key string, value []byte, fault *common.ServerFault) error {
	candidates, ok := s.Candidates(key)

	if fault != nil {
		if fault.ErrCode != wire.CodeKeyError {
			return fault
		}
		if ok && !containsDeleted(candidates) {
			return common.TestErrorf("Server sent KEY_ERROR for GET %s that should exist",
				common.PrintableString(key, 128))
		}
		return nil
	}

	if !ok {
		return common.TestErrorf("Server sent value for GET %s while no such key should exist",
			common.PrintableString(key, 128))
	}
	if !containsData(candidates, value) {
		return common.TestErrorf("Server sent wrong value for key %s:\nExpected value(s): %s\nReceived value: %s",
			common.PrintableString(key, 128),
			formatCandidates(candidates, 128),
			Of(value).Format(128))
	}
	return nil
}

// Verify compares a server dump against the expected state. The first
// discrepancy is reported together with the full diff.
func (o *Oracle) Verify(dump *wire.Dump) error {
	common.CountIntegrityCheck()
	expected := o.Expected()

	// the parser already rejects misplaced keys, a dump built elsewhere may not
	for _, b := range dump.Buckets {
		for _, e := range b.Entries {
			if want := int(wire.BucketOf(e.Key)); want != b.Bucket {
				return common.Errorf(common.KindIntegrity,
					"Server integrity error: Key %s should be in bucket %d but was found in bucket %d",
					common.PrintableString(e.Key, 128), want, b.Bucket)
			}
		}
	}

	actual := dump.State()
	problem := firstProblem(expected, actual)
	if problem == "" {
		return nil
	}
	Logger.Debugf("verify failed: %s", problem)
	return common.Errorf(common.KindIntegrity, "%s\n\n%s", problem, Diff(expected, actual))
}

func firstProblem(expected map[string][]Value, actual map[string][]byte) string {
	for _, key := range sortedKeys(actual) {
		candidates, ok := expected[key]
		if !ok {
			return fmt.Sprintf("Server integrity error: Unexpected key %s found in server dump",
				common.PrintableString(key, 128))
		}
		if !containsData(candidates, actual[key]) {
			return fmt.Sprintf("Value for key %s incorrect.\nExpected value(s): %s\nServer dump value: %s",
				common.PrintableString(key, 128),
				formatCandidates(candidates, 128),
				Of(actual[key]).Format(128))
		}
	}
	for _, key := range sortedKeys(expected) {
		if _, ok := actual[key]; !ok && !containsDeleted(expected[key]) {
			return fmt.Sprintf("Expected key %s not found in server dump",
				common.PrintableString(key, 128))
		}
	}
	return ""
}

// Diff renders the keys on which expected and actual state disagree.
// Keys are sorted, "-" lines show the expectation, "+" lines the dump.
func Diff(expected map[string][]Value, actual map[string][]byte) string {
	keys := sortedKeys(expected)
	for k := range actual {
		if _, ok := expected[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var lines []string
	for _, key := range keys {
		candidates, expectedOk := expected[key]
		value, actualOk := actual[key]

		switch {
		case expectedOk && actualOk && containsData(candidates, value):
			continue
		case expectedOk && !actualOk && containsDeleted(candidates):
			continue
		}

		name := common.PrintableString(key, diffValueLen)
		if expectedOk {
			lines = append(lines, fmt.Sprintf("- %s: %s", name, formatCandidates(candidates, diffValueLen)))
		} else {
			lines = append(lines, fmt.Sprintf("- %s: <none>", name))
		}
		if actualOk {
			lines = append(lines, fmt.Sprintf("+ %s: %s", name, Of(value).Format(diffValueLen)))
		} else {
			lines = append(lines, fmt.Sprintf("+ %s: <missing>", name))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "expected %d keys, server dump has %d keys, %d mismatches\n",
		len(expected), len(actual), len(lines)/2)
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

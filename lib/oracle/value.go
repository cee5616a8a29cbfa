package oracle

import (
	"bytes"
	"strings"

	"github.com/ValentinKolb/kvcheck/lib/common"
)

// Value is an admissible outcome for a key: either the bytes of a write or
// the Deleted marker
type Value struct {
	data    []byte
	deleted bool
}

// Deleted marks a key whose deletion is a plausible outcome
var Deleted = Value{deleted: true}

// Of creates a value from written bytes. The bytes are not copied.
func Of(data []byte) Value {
	if data == nil {
		data = []byte{}
	}
	return Value{data: data}
}

// OfString creates a value from a string
func OfString(s string) Value {
	return Value{data: []byte(s)}
}

func (v Value) IsDeleted() bool {
	return v.deleted
}

// Bytes returns the written bytes (nil for Deleted)
func (v Value) Bytes() []byte {
	return v.data
}

// Equal compares two values
func (v Value) Equal(o Value) bool {
	if v.deleted || o.deleted {
		return v.deleted == o.deleted
	}
	return bytes.Equal(v.data, o.data)
}

// Matches reports whether the bytes read from the server equal this value
func (v Value) Matches(data []byte) bool {
	return !v.deleted && bytes.Equal(v.data, data)
}

// Format renders the value for diagnostics, truncated to maxLen bytes
func (v Value) Format(maxLen int) string {
	if v.deleted {
		return "<DELETED>"
	}
	if len(v.data) == 0 {
		return `""`
	}
	return common.Printable(v.data, maxLen)
}

func (v Value) String() string {
	return v.Format(32)
}

// --------------------------------------------------------------------------
// Candidate helpers
// --------------------------------------------------------------------------

func containsDeleted(candidates []Value) bool {
	for _, c := range candidates {
		if c.deleted {
			return true
		}
	}
	return false
}

func containsData(candidates []Value, data []byte) bool {
	for _, c := range candidates {
		if c.Matches(data) {
			return true
		}
	}
	return false
}

// appendUnique appends v unless an equal value is present already
func appendUnique(candidates []Value, v Value) []Value {
	for _, c := range candidates {
		if c.Equal(v) {
			return candidates
		}
	}
	return append(candidates, v)
}

func formatCandidates(candidates []Value, maxLen int) string {
	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = c.Format(maxLen)
	}
	return strings.Join(parts, ", ")
}

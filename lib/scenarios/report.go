package scenarios

import (
	"fmt"
	"strings"
	"time"
)

// TestResult is the outcome of a single test
type TestResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

func (r TestResult) Passed() bool {
	return r.Err == nil
}

// String renders the result line, followed by the indented error if the
// test failed
func (r TestResult) String() string {
	if r.Err == nil {
		return fmt.Sprintf("\t%s: OK\n", r.Name)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\t%s: FAIL\n", r.Name)
	for _, line := range strings.Split(r.Err.Error(), "\n") {
		fmt.Fprintf(&sb, "\t\t%s\n", line)
	}
	return sb.String()
}

// GroupResult is the outcome of a group
type GroupResult struct {
	Name   string
	Code   string
	Tests  []TestResult
	Passed int
	Total  int

	// Points is what the group is worth, Scored what was awarded
	Points float64
	Scored float64
}

// Failed returns the tests that did not pass
func (g GroupResult) Failed() []TestResult {
	var failed []TestResult
	for _, t := range g.Tests {
		if !t.Passed() {
			failed = append(failed, t)
		}
	}
	return failed
}

func (g GroupResult) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n", g.Name, g.Code)
	for _, t := range g.Tests {
		sb.WriteString(t.String())
	}
	fmt.Fprintf(&sb, " Passed %d/%d tests, %.2f/%.2f points\n", g.Passed, g.Total, g.Scored, g.Points)
	return sb.String()
}

// Report is the outcome of a run
type Report struct {
	Groups []GroupResult
	Points float64
	Total  float64

	// Aborted is the reason the run stopped early
	Aborted string
}

func (r *Report) add(g GroupResult) {
	r.Groups = append(r.Groups, g)
	r.Points += g.Scored
}

// Group returns the result of the group with the given code
func (r *Report) Group(code string) (GroupResult, bool) {
	for _, g := range r.Groups {
		if g.Code == code {
			return g, true
		}
	}
	return GroupResult{}, false
}

// Perfect reports whether every group that ran scored all its points
func (r *Report) Perfect() bool {
	return r.Aborted == "" && r.Points == r.Total
}

func (r *Report) String() string {
	var sb strings.Builder
	for _, g := range r.Groups {
		sb.WriteString(g.String())
	}
	if r.Aborted != "" {
		fmt.Fprintf(&sb, " %s\n", r.Aborted)
	}
	fmt.Fprintf(&sb, "\nGot %.2f/%.2f points in total\n", r.Points, r.Total)
	return sb.String()
}

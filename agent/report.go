package agent

import (
	"fmt"
	"strings"
)

// Report collects shutdown problems so that every agent gets a chance to
// shut down regardless of earlier failures.
type Report struct {
	lines  []string
	errors int
}

func (r *Report) Warnf(format string, args ...interface{}) {
	r.lines = append(r.lines, "warning: "+fmt.Sprintf(format, args...))
}

func (r *Report) Errorf(format string, args ...interface{}) {
	r.lines = append(r.lines, "error: "+fmt.Sprintf(format, args...))
	r.errors++
}

// Empty reports whether nothing was added.
func (r *Report) Empty() bool {
	return len(r.lines) == 0
}

// HasErrors reports whether at least one error (not warning) was added.
func (r *Report) HasErrors() bool {
	return r.errors > 0
}

func (r *Report) Lines() []string {
	return r.lines
}

func (r *Report) String() string {
	return strings.Join(r.lines, "\n")
}
